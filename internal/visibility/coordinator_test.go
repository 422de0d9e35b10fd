package visibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTimers struct {
	suspended bool
	suspends  int
	resumes   int
	resyncs   int
	resyncErr error
}

func (f *fakeTimers) Suspend() { f.suspended = true; f.suspends++ }
func (f *fakeTimers) Resume()  { f.suspended = false; f.resumes++ }

func (f *fakeTimers) Resync(context.Context) error {
	f.resyncs++
	return f.resyncErr
}

func newTestCoordinator(timers *fakeTimers) (*Coordinator, *time.Time) {
	c := New(timers, 0, zerolog.Nop())
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	return c, &clock
}

func TestVisibleAfterLongHideResyncs(t *testing.T) {
	timers := &fakeTimers{}
	c, clock := newTestCoordinator(timers)

	c.Hidden()
	if !timers.suspended {
		t.Error("tick loop should be suspended while hidden")
	}
	*clock = clock.Add(45 * time.Second)

	resynced, err := c.Visible(context.Background())
	if err != nil {
		t.Fatalf("Visible() error = %v", err)
	}
	if !resynced || timers.resyncs != 1 {
		t.Errorf("resynced = %v, resyncs = %d, want a resync", resynced, timers.resyncs)
	}
	if timers.suspended {
		t.Error("tick loop should run again")
	}
}

func TestVisibleAfterShortHideResumes(t *testing.T) {
	timers := &fakeTimers{}
	c, clock := newTestCoordinator(timers)

	c.Hidden()
	*clock = clock.Add(5 * time.Second)

	resynced, err := c.Visible(context.Background())
	if err != nil {
		t.Fatalf("Visible() error = %v", err)
	}
	if resynced || timers.resyncs != 0 {
		t.Errorf("resynced = %v, resyncs = %d, want none", resynced, timers.resyncs)
	}
	if timers.resumes != 1 || timers.suspended {
		t.Errorf("resumes = %d, suspended = %v", timers.resumes, timers.suspended)
	}
}

func TestThresholdBoundary(t *testing.T) {
	tests := []struct {
		away time.Duration
		want bool
	}{
		{29 * time.Second, false},
		{30 * time.Second, false},
		{30*time.Second + time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.away.String(), func(t *testing.T) {
			timers := &fakeTimers{}
			c, clock := newTestCoordinator(timers)
			c.Hidden()
			*clock = clock.Add(tt.away)
			if got, _ := c.Visible(context.Background()); got != tt.want {
				t.Errorf("Visible() resynced = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRepeatedHiddenKeepsFirstTimestamp(t *testing.T) {
	timers := &fakeTimers{}
	c, clock := newTestCoordinator(timers)

	c.Hidden()
	*clock = clock.Add(20 * time.Second)
	c.Hidden()
	*clock = clock.Add(20 * time.Second)

	if resynced, _ := c.Visible(context.Background()); !resynced {
		t.Error("40s total hidden should resync")
	}
	if timers.suspends != 1 {
		t.Errorf("suspends = %d, want 1", timers.suspends)
	}
}

func TestVisibleWithoutHiddenIsNoop(t *testing.T) {
	timers := &fakeTimers{}
	c, _ := newTestCoordinator(timers)

	if resynced, err := c.Visible(context.Background()); resynced || err != nil {
		t.Errorf("Visible() = %v, %v", resynced, err)
	}
	if timers.resumes != 0 || timers.resyncs != 0 {
		t.Error("nothing should happen")
	}
	if c.IsHidden() {
		t.Error("IsHidden() = true")
	}
}

func TestResyncFailureStillResumes(t *testing.T) {
	timers := &fakeTimers{resyncErr: errors.New("offline")}
	c, clock := newTestCoordinator(timers)

	c.Hidden()
	*clock = clock.Add(time.Minute)
	resynced, err := c.Visible(context.Background())
	if err == nil || !resynced {
		t.Errorf("Visible() = %v, %v, want resync attempt with error", resynced, err)
	}
	if timers.suspended {
		t.Error("tick loop should resume even when the resync failed")
	}
}
