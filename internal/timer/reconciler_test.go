package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pengelbrecht/pomosync/internal/api"
	"github.com/pengelbrecht/pomosync/internal/channel"
	"github.com/pengelbrecht/pomosync/internal/subscription"
)

type fakeChannel struct {
	mu     sync.Mutex
	nextID int
	live   map[string]string
}

func (f *fakeChannel) Subscribe(topic string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sub-%d", f.nextID)
	f.live[id] = topic
	return id, nil
}

func (f *fakeChannel) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
	return nil
}

func (f *fakeChannel) OnEvent(func(channel.Event)) func() { return func() {} }

type fakeCommands struct {
	mu     sync.Mutex
	tasks  map[int64]api.Task
	err    error
	pauses []int64
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{tasks: make(map[int64]api.Task)}
}

func millis(v int64) *int64 { return &v }

func (f *fakeCommands) result(id int64, mutate func(*api.Task)) (api.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return api.Task{}, f.err
	}
	t, ok := f.tasks[id]
	if !ok {
		return api.Task{}, &api.APIError{Status: 404, Message: "no such task"}
	}
	mutate(&t)
	f.tasks[id] = t
	return t, nil
}

func (f *fakeCommands) StartTimer(ctx context.Context, id int64) (api.Task, error) {
	return f.result(id, func(t *api.Task) { t.TimerActive = true })
}

func (f *fakeCommands) PauseTimer(ctx context.Context, id int64) (api.Task, error) {
	f.mu.Lock()
	f.pauses = append(f.pauses, id)
	f.mu.Unlock()
	return f.result(id, func(t *api.Task) { t.TimerActive = false })
}

func (f *fakeCommands) ResetTimer(ctx context.Context, id int64) (api.Task, error) {
	return f.result(id, func(t *api.Task) {
		t.TimerActive = false
		t.RemainingTimeMillis = millis(t.PomodoroTimeMillis)
	})
}

func (f *fakeCommands) UpdateTimerDuration(ctx context.Context, id int64, minutes int) (api.Task, error) {
	return f.result(id, func(t *api.Task) {
		t.PomodoroTimeMillis = int64(minutes) * 60000
		t.RemainingTimeMillis = millis(t.PomodoroTimeMillis)
	})
}

func (f *fakeCommands) FetchTasks(ctx context.Context) ([]api.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]api.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeCommands) pauseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pauses)
}

func newTestReconciler(cmds *fakeCommands) (*Reconciler, *subscription.Registry) {
	reg := subscription.New(&fakeChannel{live: make(map[string]string)}, zerolog.Nop())
	return New(Config{}, cmds, reg, zerolog.Nop()), reg
}

func pushBody(remaining int64, active bool) []byte {
	return []byte(fmt.Sprintf(`{"remainingTimeMillis":%d,"timerActive":%t}`, remaining, active))
}

func deliver(reg *subscription.Registry, taskID int64, body []byte) {
	reg.Dispatch(channel.Message{Topic: TopicFor("", taskID), Body: body})
}

func TestPushOverridesLocalPrediction(t *testing.T) {
	cmds := newFakeCommands()
	cmds.tasks[1] = api.Task{ID: 1, PomodoroTimeMillis: 1500000, RemainingTimeMillis: millis(1500000)}
	r, reg := newTestReconciler(cmds)

	st, err := r.Start(context.Background(), 1)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if st.Phase() != Running || st.RemainingMillis != 1500000 {
		t.Fatalf("state after start = %+v", st)
	}

	for i := 0; i < 100; i++ {
		r.Advance(100 * time.Millisecond)
	}
	st, _ = r.Snapshot(1)
	if st.RemainingMillis < 1489900 || st.RemainingMillis > 1490100 {
		t.Errorf("RemainingMillis after 10s = %d, want ~1490000", st.RemainingMillis)
	}

	deliver(reg, 1, pushBody(1489200, true))
	st, _ = r.Snapshot(1)
	if st.RemainingMillis != 1489200 {
		t.Errorf("RemainingMillis after push = %d, want 1489200", st.RemainingMillis)
	}
	if !st.Active {
		t.Error("push said active")
	}
}

func TestLastPushWinsAcrossInterleavings(t *testing.T) {
	cmds := newFakeCommands()
	r, reg := newTestReconciler(cmds)
	if err := r.Observe(api.Task{ID: 5, PomodoroTimeMillis: 60000, RemainingTimeMillis: millis(60000), TimerActive: true}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	steps := []struct {
		tick   time.Duration
		push   int64
		active bool
	}{
		{tick: 300 * time.Millisecond, push: 59000, active: true},
		{tick: 0, push: 59500, active: true}, // backwards jump is accepted
		{tick: 2 * time.Second, push: 20000, active: false},
		{tick: time.Second, push: 30000, active: true}, // forward jump too
	}
	for i, s := range steps {
		r.Advance(s.tick)
		deliver(reg, 5, pushBody(s.push, s.active))
		st, _ := r.Snapshot(5)
		if st.RemainingMillis != s.push || st.Active != s.active {
			t.Errorf("step %d: state = %+v, want remaining %d active %v", i, st, s.push, s.active)
		}
	}
}

func TestTickNeverDecrementsPaused(t *testing.T) {
	r, _ := newTestReconciler(newFakeCommands())
	_ = r.Observe(api.Task{ID: 2, PomodoroTimeMillis: 1000, RemainingTimeMillis: millis(700)})

	r.Advance(time.Second)
	st, _ := r.Snapshot(2)
	if st.RemainingMillis != 700 || st.Phase() != Paused {
		t.Errorf("paused state changed: %+v", st)
	}
}

func TestReachingZeroPausesAndSendsCommand(t *testing.T) {
	cmds := newFakeCommands()
	cmds.tasks[3] = api.Task{ID: 3, PomodoroTimeMillis: 1000, RemainingTimeMillis: millis(0), TimerActive: true}
	r, _ := newTestReconciler(cmds)
	_ = r.Observe(api.Task{ID: 3, PomodoroTimeMillis: 1000, RemainingTimeMillis: millis(250), TimerActive: true})

	r.Advance(200 * time.Millisecond)
	r.Advance(200 * time.Millisecond)

	st, _ := r.Snapshot(3)
	if st.RemainingMillis != 0 {
		t.Errorf("RemainingMillis = %d, want clamp at 0", st.RemainingMillis)
	}
	if st.Active {
		t.Error("timer should be paused locally without waiting for the server")
	}

	r.pauses.Wait()
	if got := cmds.pauseCount(); got != 1 {
		t.Errorf("pause commands = %d, want 1", got)
	}
	r.Advance(time.Second)
	if got := cmds.pauseCount(); got != 1 {
		t.Errorf("pause commands after further ticks = %d, want 1", got)
	}
}

func TestFailedCommandLeavesStateUnchanged(t *testing.T) {
	cmds := newFakeCommands()
	cmds.tasks[4] = api.Task{ID: 4, PomodoroTimeMillis: 1000, RemainingTimeMillis: millis(400)}
	r, reg := newTestReconciler(cmds)
	_ = r.Observe(cmds.tasks[4])
	before, _ := r.Snapshot(4)

	rejected := fmt.Errorf("start: %w", api.ErrCommandRejected)
	cmds.err = rejected
	if _, err := r.Start(context.Background(), 4); !errors.Is(err, api.ErrCommandRejected) {
		t.Fatalf("Start() error = %v, want ErrCommandRejected", err)
	}
	after, _ := r.Snapshot(4)
	if after != before {
		t.Errorf("state changed after failed command: %+v -> %+v", before, after)
	}

	// Unknown task: nothing is created and nothing is subscribed.
	cmds.err = nil
	if _, err := r.Pause(context.Background(), 99); err == nil {
		t.Error("Pause() on unknown task should fail")
	}
	if _, ok := r.Snapshot(99); ok {
		t.Error("failed command must not create state")
	}
	if reg.RefCount(TopicFor("", 99)) != 0 {
		t.Error("failed command must not subscribe")
	}
}

func TestCommandSubscribesOnce(t *testing.T) {
	cmds := newFakeCommands()
	cmds.tasks[6] = api.Task{ID: 6, PomodoroTimeMillis: 1000, RemainingTimeMillis: millis(1000)}
	r, reg := newTestReconciler(cmds)

	ctx := context.Background()
	if _, err := r.Start(ctx, 6); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := r.Pause(ctx, 6); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	st, err := r.SetDuration(ctx, 6, 30)
	if err != nil {
		t.Fatalf("SetDuration() error = %v", err)
	}
	if st.TotalDurationMillis != 1800000 || st.RemainingMillis != 1800000 {
		t.Errorf("state after SetDuration = %+v", st)
	}
	if _, err := r.Reset(ctx, 6); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if rc := reg.RefCount(TopicFor("", 6)); rc != 1 {
		t.Errorf("RefCount = %d, want 1", rc)
	}
}

func TestMalformedPushIsDropped(t *testing.T) {
	r, reg := newTestReconciler(newFakeCommands())
	_ = r.Observe(api.Task{ID: 8, PomodoroTimeMillis: 1000, RemainingTimeMillis: millis(900)})

	for _, body := range []string{`not json`, `{"timerActive":true}`, `{"remainingTimeMillis":-5,"timerActive":true}`} {
		deliver(reg, 8, []byte(body))
	}
	st, _ := r.Snapshot(8)
	if st.RemainingMillis != 900 {
		t.Errorf("malformed push changed state: %+v", st)
	}

	deliver(reg, 8, pushBody(100, false))
	st, _ = r.Snapshot(8)
	if st.RemainingMillis != 100 {
		t.Errorf("valid push after malformed ones not applied: %+v", st)
	}
}

func TestResyncReplacesAndForgets(t *testing.T) {
	cmds := newFakeCommands()
	cmds.tasks[1] = api.Task{ID: 1, PomodoroTimeMillis: 1000, RemainingTimeMillis: millis(1000), TimerActive: true}
	cmds.tasks[2] = api.Task{ID: 2, PomodoroTimeMillis: 1000, RemainingTimeMillis: millis(500)}
	cmds.tasks[3] = api.Task{ID: 3, Title: "no timer"}
	r, reg := newTestReconciler(cmds)

	if err := r.Resync(context.Background()); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if got := len(r.Snapshots()); got != 2 {
		t.Fatalf("Snapshots() = %d, want 2", got)
	}
	if r.Phase(3) != Idle {
		t.Errorf("Phase(3) = %s, want idle", r.Phase(3))
	}

	r.Advance(300 * time.Millisecond)
	delete(cmds.tasks, 2)
	if err := r.Resync(context.Background()); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	st, _ := r.Snapshot(1)
	if st.RemainingMillis != 1000 {
		t.Errorf("stale prediction survived resync: %+v", st)
	}
	if _, ok := r.Snapshot(2); ok {
		t.Error("deleted task should be forgotten")
	}
	if reg.RefCount(TopicFor("", 2)) != 0 {
		t.Error("deleted task's topic should be revoked")
	}
	if reg.RefCount(TopicFor("", 1)) != 1 {
		t.Error("task 1 should stay subscribed exactly once")
	}
}

func TestResyncFailureKeepsState(t *testing.T) {
	cmds := newFakeCommands()
	r, _ := newTestReconciler(cmds)
	_ = r.Observe(api.Task{ID: 1, PomodoroTimeMillis: 1000, RemainingTimeMillis: millis(600)})

	cmds.err = errors.New("network down")
	if err := r.Resync(context.Background()); err == nil {
		t.Fatal("Resync() error = nil")
	}
	if st, ok := r.Snapshot(1); !ok || st.RemainingMillis != 600 {
		t.Errorf("state after failed resync = %+v", st)
	}
}

func TestSuspendResume(t *testing.T) {
	r, _ := newTestReconciler(newFakeCommands())
	_ = r.Observe(api.Task{ID: 1, PomodoroTimeMillis: 10000, RemainingTimeMillis: millis(10000), TimerActive: true})

	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }
	r.Resume()

	r.Suspend()
	if !r.Suspended() {
		t.Fatal("Suspended() = false")
	}
	clock = clock.Add(5 * time.Second)
	r.tick(clock)
	if st, _ := r.Snapshot(1); st.RemainingMillis != 10000 {
		t.Errorf("ticked while suspended: %d", st.RemainingMillis)
	}

	r.Resume()
	clock = clock.Add(200 * time.Millisecond)
	r.tick(clock)
	if st, _ := r.Snapshot(1); st.RemainingMillis != 9800 {
		t.Errorf("RemainingMillis = %d, want 9800 (hidden time not counted)", st.RemainingMillis)
	}
}

func TestForget(t *testing.T) {
	r, reg := newTestReconciler(newFakeCommands())
	_ = r.Observe(api.Task{ID: 1, PomodoroTimeMillis: 1000})

	r.Forget(1)
	if _, ok := r.Snapshot(1); ok {
		t.Error("state should be gone")
	}
	if reg.RefCount(TopicFor("", 1)) != 0 {
		t.Error("topic should be revoked")
	}
}

func TestWatchReceivesChanges(t *testing.T) {
	r, reg := newTestReconciler(newFakeCommands())
	ch := r.Watch(8)
	_ = r.Observe(api.Task{ID: 1, PomodoroTimeMillis: 1000, RemainingTimeMillis: millis(1000)})
	deliver(reg, 1, pushBody(400, true))

	var last State
	for i := 0; i < 2; i++ {
		select {
		case last = <-ch:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for snapshot")
		}
	}
	if last.RemainingMillis != 400 {
		t.Errorf("last snapshot = %+v", last)
	}

	r.Close()
	if _, ok := <-ch; ok {
		t.Error("watch channel should be closed")
	}
}

func TestRunTicks(t *testing.T) {
	cmds := newFakeCommands()
	r := New(Config{TickInterval: 5 * time.Millisecond}, cmds, nil, zerolog.Nop())
	_ = r.Observe(api.Task{ID: 1, PomodoroTimeMillis: 60000, RemainingTimeMillis: millis(60000), TimerActive: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	st, _ := r.Snapshot(1)
	if st.RemainingMillis >= 60000 {
		t.Errorf("RemainingMillis = %d, tick loop did not run", st.RemainingMillis)
	}
}

func TestTickCarriesSubMillisecondRemainder(t *testing.T) {
	tests := []struct {
		name  string
		step  time.Duration
		ticks int
		want  int64
	}{
		{"jittered ticks", 100900 * time.Microsecond, 100, 10090},
		{"ticks under a millisecond", 999 * time.Microsecond, 1000, 999},
		{"whole milliseconds", 100 * time.Millisecond, 10, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Config{}, newFakeCommands(), nil, zerolog.Nop())
			_ = r.Observe(api.Task{ID: 1, PomodoroTimeMillis: 60000, RemainingTimeMillis: millis(60000), TimerActive: true})

			start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			r.mu.Lock()
			r.lastTick = start
			r.mu.Unlock()
			for i := 1; i <= tt.ticks; i++ {
				r.tick(start.Add(time.Duration(i) * tt.step))
			}

			st, _ := r.Snapshot(1)
			if got := 60000 - st.RemainingMillis; got != tt.want {
				t.Errorf("decremented %dms, want %dms", got, tt.want)
			}
		})
	}
}

func TestNegativeRemainingIsClamped(t *testing.T) {
	cmds := newFakeCommands()
	cmds.tasks[1] = api.Task{ID: 1, PomodoroTimeMillis: 60000, RemainingTimeMillis: millis(-250)}
	r := New(Config{}, cmds, nil, zerolog.Nop())

	if err := r.Observe(api.Task{ID: 2, PomodoroTimeMillis: 60000, RemainingTimeMillis: millis(-1)}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if st, _ := r.Snapshot(2); st.RemainingMillis != 0 {
		t.Errorf("observed RemainingMillis = %d, want 0", st.RemainingMillis)
	}

	st, err := r.Pause(context.Background(), 1)
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if st.RemainingMillis != 0 {
		t.Errorf("command RemainingMillis = %d, want 0", st.RemainingMillis)
	}
}

func TestTopicFor(t *testing.T) {
	if got := TopicFor("", 42); got != "/topic/timer/42" {
		t.Errorf("TopicFor() = %q", got)
	}
	if got := TopicFor("/user/queue/tasks.{id}.timer", 7); got != "/user/queue/tasks.7.timer" {
		t.Errorf("TopicFor() = %q", got)
	}
}

func TestProgress(t *testing.T) {
	tests := []struct {
		st   State
		want float64
	}{
		{State{TotalDurationMillis: 1000, RemainingMillis: 1000}, 0},
		{State{TotalDurationMillis: 1000, RemainingMillis: 250}, 0.75},
		{State{TotalDurationMillis: 0, RemainingMillis: 250}, 0},
		{State{TotalDurationMillis: 1000, RemainingMillis: 2000}, 0},
	}
	for _, tt := range tests {
		if got := tt.st.Progress(); got != tt.want {
			t.Errorf("Progress(%+v) = %v, want %v", tt.st, got, tt.want)
		}
	}
}
