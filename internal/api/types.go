package api

import (
	"encoding/json"
	"time"
)

// Task is the server's task object. Timer fields are absent for tasks that
// never had a timer.
type Task struct {
	ID                  int64  `json:"id"`
	Title               string `json:"title"`
	Completed           bool   `json:"completed"`
	RemainingTimeMillis *int64 `json:"remainingTimeMillis,omitempty"`
	TimerActive         bool   `json:"timerActive"`
	PomodoroTimeMillis  int64  `json:"pomodoroTimeMillis,omitempty"`
}

// HasTimer reports whether the task carries timer data.
func (t Task) HasTimer() bool {
	return t.RemainingTimeMillis != nil || t.PomodoroTimeMillis > 0
}

// Remaining returns the remaining time, defaulting to the full pomodoro
// length when the server sent no explicit value.
func (t Task) Remaining() int64 {
	if t.RemainingTimeMillis != nil {
		return *t.RemainingTimeMillis
	}
	return t.PomodoroTimeMillis
}

// Notification is a notification as returned by the REST API and as pushed
// on the user's notification topic.
type Notification struct {
	ID        int64           `json:"id"`
	Recipient string          `json:"recipient,omitempty"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
}

type durationRequest struct {
	Minutes int `json:"minutes"`
}
