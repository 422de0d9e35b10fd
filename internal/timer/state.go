package timer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrParse is returned for a malformed timer push.
var ErrParse = errors.New("malformed timer message")

// Phase is the per-task timer state machine.
type Phase int

const (
	// Idle means the task has no timer data.
	Idle Phase = iota
	// Paused means the remaining time is fixed.
	Paused
	// Running means the shared tick loop is counting the task down.
	Running
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Paused:
		return "paused"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// State is the local view of one task's timer.
type State struct {
	TaskID              int64
	RemainingMillis     int64
	Active              bool
	TotalDurationMillis int64
	LastAuthoritativeAt time.Time
}

// Phase derives the state machine position.
func (s State) Phase() Phase {
	if s.TaskID == 0 {
		return Idle
	}
	if s.Active {
		return Running
	}
	return Paused
}

// Remaining returns the remaining time as a duration.
func (s State) Remaining() time.Duration {
	return time.Duration(s.RemainingMillis) * time.Millisecond
}

// Progress returns the elapsed fraction of the pomodoro in [0,1].
func (s State) Progress() float64 {
	if s.TotalDurationMillis <= 0 {
		return 0
	}
	p := float64(s.TotalDurationMillis-s.RemainingMillis) / float64(s.TotalDurationMillis)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// push is the payload on a task's timer topic.
type push struct {
	RemainingTimeMillis *int64 `json:"remainingTimeMillis"`
	TimerActive         *bool  `json:"timerActive"`
	PomodoroTimeMillis  *int64 `json:"pomodoroTimeMillis,omitempty"`
}

func parsePush(data []byte) (push, error) {
	var p push
	if err := json.Unmarshal(data, &p); err != nil {
		return push{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if p.RemainingTimeMillis == nil || p.TimerActive == nil {
		return push{}, fmt.Errorf("%w: remainingTimeMillis and timerActive are required", ErrParse)
	}
	if *p.RemainingTimeMillis < 0 {
		return push{}, fmt.Errorf("%w: negative remainingTimeMillis %d", ErrParse, *p.RemainingTimeMillis)
	}
	return p, nil
}

// DefaultTopicPattern is the per-task timer topic; {id} is the task id.
const DefaultTopicPattern = "/topic/timer/{id}"

// TopicFor expands a topic pattern for a task.
func TopicFor(pattern string, taskID int64) string {
	if pattern == "" {
		pattern = DefaultTopicPattern
	}
	return strings.ReplaceAll(pattern, "{id}", strconv.FormatInt(taskID, 10))
}
