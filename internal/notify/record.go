package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pengelbrecht/pomosync/internal/api"
)

// ErrParse is returned for a notification that cannot be normalized.
var ErrParse = errors.New("malformed notification")

// Kind is the notification type.
type Kind string

const (
	FriendRequest         Kind = "FRIEND_REQUEST"
	FriendRequestAccepted Kind = "FRIEND_REQUEST_ACCEPTED"
	AchievementUnlocked   Kind = "ACHIEVEMENT_UNLOCKED"
	TaskShared            Kind = "TASK_SHARED"
	TaskCompleted         Kind = "TASK_COMPLETED"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case FriendRequest, FriendRequestAccepted, AchievementUnlocked, TaskShared, TaskCompleted:
		return true
	}
	return false
}

// Title is a short human label.
func (k Kind) Title() string {
	switch k {
	case FriendRequest:
		return "Friend request"
	case FriendRequestAccepted:
		return "Friend request accepted"
	case AchievementUnlocked:
		return "Achievement unlocked"
	case TaskShared:
		return "Task shared"
	case TaskCompleted:
		return "Task completed"
	default:
		return strings.ToLower(strings.ReplaceAll(string(k), "_", " "))
	}
}

// Record is one feed entry. Records are values; a read transition replaces
// the record instead of mutating it.
type Record struct {
	ID        int64
	Kind      Kind
	Recipient string
	Message   string
	Payload   json.RawMessage
	Read      bool
	CreatedAt time.Time
}

// FromAPI normalizes a fetched or pushed notification into a Record.
func FromAPI(n api.Notification) (Record, error) {
	if n.ID == 0 {
		return Record{}, fmt.Errorf("%w: missing id", ErrParse)
	}
	kind := Kind(n.Type)
	if !kind.Valid() {
		return Record{}, fmt.Errorf("%w: unknown type %q", ErrParse, n.Type)
	}
	return Record{
		ID:        n.ID,
		Kind:      kind,
		Recipient: n.Recipient,
		Message:   n.Message,
		Payload:   n.Payload,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}, nil
}

// parsePush decodes a push body into the same shape as a fetched record.
func parsePush(data []byte) (Record, error) {
	var n api.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return FromAPI(n)
}

// DefaultTopicPattern is the per-user notification topic; {user} is the
// user name.
const DefaultTopicPattern = "/topic/notifications/{user}"

// TopicFor expands a topic pattern for a user.
func TopicFor(pattern, user string) string {
	if pattern == "" {
		pattern = DefaultTopicPattern
	}
	return strings.ReplaceAll(pattern, "{user}", user)
}

// FormatID renders a record id for display and CLI arguments.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
