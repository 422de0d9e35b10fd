// Package timer keeps a locally predicted countdown per task and reconciles
// it against authoritative server state. One shared tick loop drives every
// running timer.
package timer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pengelbrecht/pomosync/internal/api"
	"github.com/pengelbrecht/pomosync/internal/channel"
	"github.com/pengelbrecht/pomosync/internal/subscription"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultPauseTimeout = 10 * time.Second
)

// Commands is the REST collaborator for timer commands.
type Commands interface {
	StartTimer(ctx context.Context, taskID int64) (api.Task, error)
	PauseTimer(ctx context.Context, taskID int64) (api.Task, error)
	ResetTimer(ctx context.Context, taskID int64) (api.Task, error)
	UpdateTimerDuration(ctx context.Context, taskID int64, minutes int) (api.Task, error)
	FetchTasks(ctx context.Context) ([]api.Task, error)
}

// Config holds reconciler tuning.
type Config struct {
	TickInterval time.Duration
	// TopicPattern is the timer topic with an {id} placeholder.
	TopicPattern string
	// PauseTimeout bounds the pause command sent when a timer runs out.
	PauseTimeout time.Duration
}

// Reconciler owns every task's timer state.
type Reconciler struct {
	cfg  Config
	cmds Commands
	reg  *subscription.Registry
	log  zerolog.Logger
	now  func() time.Time

	// subMu serializes topic subscribe/revoke per reconciler so a task is
	// never subscribed twice. It is never taken while mu is held.
	subMu sync.Mutex

	mu        sync.Mutex
	states    map[int64]*State
	handles   map[int64]*subscription.Handle
	suspended bool
	lastTick  time.Time
	watchers  []chan State

	pauses sync.WaitGroup
}

// New creates a reconciler. reg may be nil when no live updates are wanted.
func New(cfg Config, cmds Commands, reg *subscription.Registry, logger zerolog.Logger) *Reconciler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.PauseTimeout <= 0 {
		cfg.PauseTimeout = DefaultPauseTimeout
	}
	if cfg.TopicPattern == "" {
		cfg.TopicPattern = DefaultTopicPattern
	}
	return &Reconciler{
		cfg:     cfg,
		cmds:    cmds,
		reg:     reg,
		log:     logger.With().Str("component", "timer").Logger(),
		now:     time.Now,
		states:  make(map[int64]*State),
		handles: make(map[int64]*subscription.Handle),
	}
}

// Start starts the task's timer on the server and applies the result.
func (r *Reconciler) Start(ctx context.Context, taskID int64) (State, error) {
	return r.command(ctx, taskID, "start", func(ctx context.Context) (api.Task, error) {
		return r.cmds.StartTimer(ctx, taskID)
	})
}

// Pause pauses the task's timer on the server and applies the result.
func (r *Reconciler) Pause(ctx context.Context, taskID int64) (State, error) {
	return r.command(ctx, taskID, "pause", func(ctx context.Context) (api.Task, error) {
		return r.cmds.PauseTimer(ctx, taskID)
	})
}

// Reset resets the task's timer on the server and applies the result.
func (r *Reconciler) Reset(ctx context.Context, taskID int64) (State, error) {
	return r.command(ctx, taskID, "reset", func(ctx context.Context) (api.Task, error) {
		return r.cmds.ResetTimer(ctx, taskID)
	})
}

// SetDuration changes the pomodoro length and applies the result.
func (r *Reconciler) SetDuration(ctx context.Context, taskID int64, minutes int) (State, error) {
	return r.command(ctx, taskID, "set duration", func(ctx context.Context) (api.Task, error) {
		return r.cmds.UpdateTimerDuration(ctx, taskID, minutes)
	})
}

// command runs one collaborator call. Local state changes only after the
// server answered; on failure nothing is touched and the error is returned.
// A subscribe failure after a successful command is returned alongside the
// applied state.
func (r *Reconciler) command(ctx context.Context, taskID int64, name string, call func(context.Context) (api.Task, error)) (State, error) {
	task, err := call(ctx)
	if err != nil {
		r.log.Warn().Int64("task", taskID).Str("command", name).Err(err).Msg("timer: command failed")
		return State{}, err
	}
	if task.ID == 0 {
		task.ID = taskID
	}

	st := r.applyTask(task)
	if err := r.ensureSubscribed(taskID); err != nil {
		return st, err
	}
	return st, nil
}

// Observe seeds state from fetched task data and subscribes the task's
// topic. Tasks without timer data are ignored.
func (r *Reconciler) Observe(task api.Task) error {
	if !task.HasTimer() {
		return nil
	}
	r.applyTask(task)
	return r.ensureSubscribed(task.ID)
}

// Resync replaces every timer with freshly fetched server state. Tasks that
// no longer exist are forgotten and every timer task is subscribed.
func (r *Reconciler) Resync(ctx context.Context) error {
	tasks, err := r.cmds.FetchTasks(ctx)
	if err != nil {
		return fmt.Errorf("resync timers: %w", err)
	}

	now := r.now()
	fresh := make(map[int64]*State, len(tasks))
	for _, t := range tasks {
		if !t.HasTimer() {
			continue
		}
		fresh[t.ID] = stateFromTask(t, now)
	}

	r.mu.Lock()
	var gone []int64
	for id := range r.states {
		if _, ok := fresh[id]; !ok {
			gone = append(gone, id)
		}
	}
	r.states = fresh
	r.lastTick = now
	for _, st := range fresh {
		r.notifyLocked(*st)
	}
	r.mu.Unlock()

	for _, id := range gone {
		r.revoke(id)
	}

	var firstErr error
	for id := range fresh {
		if err := r.ensureSubscribed(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.log.Info().Int("timers", len(fresh)).Int("dropped", len(gone)).Msg("timer: resynced")
	return firstErr
}

// Forget drops a task's state and its topic subscription.
func (r *Reconciler) Forget(taskID int64) {
	r.mu.Lock()
	delete(r.states, taskID)
	r.mu.Unlock()
	r.revoke(taskID)
}

// Snapshot returns the task's state.
func (r *Reconciler) Snapshot(taskID int64) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[taskID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Phase returns the task's phase, Idle for unknown tasks.
func (r *Reconciler) Phase(taskID int64) Phase {
	st, ok := r.Snapshot(taskID)
	if !ok {
		return Idle
	}
	return st.Phase()
}

// Snapshots returns every state ordered by task id.
func (r *Reconciler) Snapshots() []State {
	r.mu.Lock()
	out := make([]State, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, *st)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Watch registers an observer that receives a snapshot after every change.
// Sends never block; a slow observer misses intermediate snapshots.
func (r *Reconciler) Watch(buffer int) <-chan State {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan State, buffer)
	r.mu.Lock()
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()
	return ch
}

// Suspend stops the tick loop from decrementing. State is kept.
func (r *Reconciler) Suspend() {
	r.mu.Lock()
	r.suspended = true
	r.mu.Unlock()
}

// Resume restarts ticking from the current values. Time spent suspended is
// not counted.
func (r *Reconciler) Resume() {
	r.mu.Lock()
	r.suspended = false
	r.lastTick = r.now()
	r.mu.Unlock()
}

// Suspended reports whether the tick loop is suspended.
func (r *Reconciler) Suspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspended
}

// Run drives the shared tick loop until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	r.mu.Lock()
	r.lastTick = r.now()
	r.mu.Unlock()

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(r.now())
		}
	}
}

// tick decrements by the whole milliseconds elapsed since the previous
// tick. The sub-millisecond remainder carries over to the next tick.
func (r *Reconciler) tick(now time.Time) {
	r.mu.Lock()
	elapsed := now.Sub(r.lastTick).Truncate(time.Millisecond)
	if elapsed <= 0 {
		r.mu.Unlock()
		return
	}
	r.lastTick = r.lastTick.Add(elapsed)
	r.mu.Unlock()

	r.Advance(elapsed)
}

// Advance decrements every running timer by elapsed, clamped at zero. A
// timer reaching zero is paused locally right away and a pause command is
// sent to converge with the server.
func (r *Reconciler) Advance(elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	if ms <= 0 {
		return
	}

	r.mu.Lock()
	if r.suspended {
		r.mu.Unlock()
		return
	}
	var expired []int64
	for id, st := range r.states {
		if !st.Active {
			continue
		}
		st.RemainingMillis -= ms
		if st.RemainingMillis <= 0 {
			st.RemainingMillis = 0
			st.Active = false
			expired = append(expired, id)
		}
		r.notifyLocked(*st)
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.log.Info().Int64("task", id).Msg("timer: finished locally, pausing")
		r.pauses.Add(1)
		go r.pauseExpired(id)
	}
}

func (r *Reconciler) pauseExpired(taskID int64) {
	defer r.pauses.Done()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PauseTimeout)
	defer cancel()

	task, err := r.cmds.PauseTimer(ctx, taskID)
	if err != nil {
		// The server pushes its own state; the next push or resync converges.
		r.log.Warn().Int64("task", taskID).Err(err).Msg("timer: pause after finish failed")
		return
	}
	if task.ID == 0 {
		task.ID = taskID
	}
	r.applyTask(task)
}

// handlePush applies an authoritative push unconditionally.
func (r *Reconciler) handlePush(taskID int64, msg channel.Message) {
	p, err := parsePush(msg.Body)
	if err != nil {
		r.log.Warn().Int64("task", taskID).Str("topic", msg.Topic).Err(err).Msg("timer: dropping message")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[taskID]
	if !ok {
		st = &State{TaskID: taskID}
		r.states[taskID] = st
	}
	st.RemainingMillis = *p.RemainingTimeMillis
	st.Active = *p.TimerActive
	if p.PomodoroTimeMillis != nil {
		st.TotalDurationMillis = *p.PomodoroTimeMillis
	}
	st.LastAuthoritativeAt = r.now()
	r.notifyLocked(*st)
}

func (r *Reconciler) applyTask(task api.Task) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := stateFromTask(task, r.now())
	if prev, ok := r.states[task.ID]; ok && st.TotalDurationMillis == 0 {
		st.TotalDurationMillis = prev.TotalDurationMillis
	}
	r.states[task.ID] = st
	r.notifyLocked(*st)
	return *st
}

func stateFromTask(t api.Task, now time.Time) *State {
	return &State{
		TaskID:              t.ID,
		RemainingMillis:     max(t.Remaining(), 0),
		Active:              t.TimerActive,
		TotalDurationMillis: t.PomodoroTimeMillis,
		LastAuthoritativeAt: now,
	}
}

func (r *Reconciler) ensureSubscribed(taskID int64) error {
	if r.reg == nil {
		return nil
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	_, ok := r.handles[taskID]
	r.mu.Unlock()
	if ok {
		return nil
	}

	topic := TopicFor(r.cfg.TopicPattern, taskID)
	h, err := r.reg.Subscribe(topic, func(m channel.Message) { r.handlePush(taskID, m) })
	if err != nil {
		r.log.Warn().Int64("task", taskID).Str("topic", topic).Err(err).Msg("timer: subscribe failed")
		return fmt.Errorf("subscribe timer %d: %w", taskID, err)
	}

	r.mu.Lock()
	r.handles[taskID] = h
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) revoke(taskID int64) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	h, ok := r.handles[taskID]
	delete(r.handles, taskID)
	r.mu.Unlock()

	if ok {
		if err := h.Unsubscribe(); err != nil {
			r.log.Warn().Int64("task", taskID).Err(err).Msg("timer: unsubscribe failed")
		}
	}
}

// Close ends the session: every subscription is revoked, state is dropped
// and observers are closed.
func (r *Reconciler) Close() {
	r.pauses.Wait()

	r.mu.Lock()
	ids := make([]int64, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.states = make(map[int64]*State)
	watchers := r.watchers
	r.watchers = nil
	r.mu.Unlock()

	for _, id := range ids {
		r.revoke(id)
	}
	for _, ch := range watchers {
		close(ch)
	}
}

func (r *Reconciler) notifyLocked(st State) {
	for _, ch := range r.watchers {
		select {
		case ch <- st:
		default:
		}
	}
}
