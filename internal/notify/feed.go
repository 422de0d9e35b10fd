// Package notify accumulates the notification feed: fetched once at session
// start, then kept current by pushes on the user's topic.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pengelbrecht/pomosync/internal/api"
	"github.com/pengelbrecht/pomosync/internal/channel"
	"github.com/pengelbrecht/pomosync/internal/subscription"
)

// ErrUnknownRecord is returned by MarkRead for an id not in the feed.
var ErrUnknownRecord = errors.New("unknown notification")

// maxPendingAlerts bounds the alert queue; the oldest alert is dropped.
const maxPendingAlerts = 32

// Commands is the REST collaborator for notifications.
type Commands interface {
	FetchNotifications(ctx context.Context) ([]api.Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Alerter is told about every record that arrives by push.
type Alerter interface {
	Alert(r Record) error
}

// Feed is the ordered, deduplicated notification list, most recent first.
// The record slice is replaced on every change and never mutated, so a
// slice returned by Records stays valid.
type Feed struct {
	cmds    Commands
	reg     *subscription.Registry
	alerter Alerter
	log     zerolog.Logger

	mu       sync.RWMutex
	records  []Record
	handle   *subscription.Handle
	watchers []chan []Record

	// Alerts run on their own goroutine, never on the channel read loop.
	pending  []Record
	alerting bool
}

// NewFeed creates an empty feed. reg may be nil for a fetch-only feed.
func NewFeed(cmds Commands, reg *subscription.Registry, logger zerolog.Logger) *Feed {
	return &Feed{
		cmds: cmds,
		reg:  reg,
		log:  logger.With().Str("component", "notify").Logger(),
	}
}

// SetAlerter installs an alerter for pushed records.
func (f *Feed) SetAlerter(a Alerter) {
	f.mu.Lock()
	f.alerter = a
	f.mu.Unlock()
}

// Init fetches the existing notifications and then subscribes to topic for
// new ones. Records already in the feed take the fetched read flag, so a
// refresh picks up reads made elsewhere. A fetch failure is returned before
// anything is subscribed.
func (f *Feed) Init(ctx context.Context, topic string) error {
	notes, err := f.cmds.FetchNotifications(ctx)
	if err != nil {
		return fmt.Errorf("init notifications: %w", err)
	}

	// Oldest first, so prepending leaves the newest on top.
	sort.SliceStable(notes, func(i, j int) bool { return notes[i].CreatedAt.Before(notes[j].CreatedAt) })
	added, updated := 0, 0
	for _, n := range notes {
		rec, err := FromAPI(n)
		if err != nil {
			f.log.Warn().Int64("id", n.ID).Err(err).Msg("notify: skipping fetched notification")
			continue
		}
		switch {
		case f.Ingest(rec):
			added++
		case f.syncRead(rec.ID, rec.Read):
			updated++
		}
	}
	f.log.Info().Int("fetched", len(notes)).Int("added", added).Int("updated", updated).Msg("notify: feed loaded")

	if f.reg == nil || topic == "" {
		return nil
	}
	f.mu.RLock()
	subscribed := f.handle != nil
	f.mu.RUnlock()
	if subscribed {
		return nil
	}

	h, err := f.reg.Subscribe(topic, f.handlePush)
	if err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	f.mu.Lock()
	f.handle = h
	f.mu.Unlock()
	return nil
}

// Ingest prepends rec unless a record with the same id is present. It
// reports whether the feed changed.
func (f *Feed) Ingest(rec Record) bool {
	f.mu.Lock()
	for _, r := range f.records {
		if r.ID == rec.ID {
			f.mu.Unlock()
			return false
		}
	}
	next := make([]Record, 0, len(f.records)+1)
	next = append(next, rec)
	next = append(next, f.records...)
	f.replaceLocked(next)
	f.mu.Unlock()
	return true
}

// syncRead replaces the record's read flag with the server's. It reports
// whether the feed changed.
func (f *Feed) syncRead(id int64, read bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := indexOf(f.records, id)
	if idx < 0 || f.records[idx].Read == read {
		return false
	}
	next := make([]Record, len(f.records))
	copy(next, f.records)
	next[idx].Read = read
	f.replaceLocked(next)
	return true
}

// MarkRead marks one record read on the server, then replaces it locally.
func (f *Feed) MarkRead(ctx context.Context, id int64) error {
	f.mu.RLock()
	idx := indexOf(f.records, id)
	alreadyRead := idx >= 0 && f.records[idx].Read
	f.mu.RUnlock()
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownRecord, id)
	}
	if alreadyRead {
		return nil
	}

	if err := f.cmds.MarkNotificationRead(ctx, id); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	idx = indexOf(f.records, id)
	if idx < 0 {
		return nil
	}
	next := make([]Record, len(f.records))
	copy(next, f.records)
	next[idx].Read = true
	f.replaceLocked(next)
	return nil
}

// MarkAllRead marks every record read on the server, then locally.
func (f *Feed) MarkAllRead(ctx context.Context) error {
	if err := f.cmds.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	next := make([]Record, len(f.records))
	copy(next, f.records)
	for i := range next {
		next[i].Read = true
	}
	f.replaceLocked(next)
	return nil
}

// UnreadCount counts unread records. It is computed on every call.
func (f *Feed) UnreadCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return countUnread(f.records)
}

// Records returns the current feed, most recent first. Callers must not
// modify the slice.
func (f *Feed) Records() []Record {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.records
}

// Len returns the number of records.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.records)
}

// Watch returns a channel receiving the feed after every change. Sends
// never block.
func (f *Feed) Watch(buffer int) <-chan []Record {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan []Record, buffer)
	f.mu.Lock()
	f.watchers = append(f.watchers, ch)
	f.mu.Unlock()
	return ch
}

// Reset ends the session: the topic is released and the feed emptied.
func (f *Feed) Reset() {
	f.mu.Lock()
	h := f.handle
	f.handle = nil
	f.pending = nil
	f.replaceLocked(nil)
	f.mu.Unlock()

	if h != nil {
		if err := h.Unsubscribe(); err != nil {
			f.log.Warn().Err(err).Msg("notify: unsubscribe failed")
		}
	}
}

func (f *Feed) handlePush(msg channel.Message) {
	rec, err := parsePush(msg.Body)
	if err != nil {
		f.log.Warn().Str("topic", msg.Topic).Err(err).Msg("notify: dropping message")
		return
	}
	if !f.Ingest(rec) {
		return
	}
	f.queueAlert(rec)
}

// queueAlert hands rec to the alert goroutine, starting it if idle.
func (f *Feed) queueAlert(rec Record) {
	f.mu.Lock()
	a := f.alerter
	if a == nil {
		f.mu.Unlock()
		return
	}
	if len(f.pending) >= maxPendingAlerts {
		f.log.Debug().Int64("id", f.pending[0].ID).Msg("notify: alert queue full, dropping oldest")
		f.pending = f.pending[1:]
	}
	f.pending = append(f.pending, rec)
	start := !f.alerting
	f.alerting = true
	f.mu.Unlock()

	if start {
		go f.drainAlerts(a)
	}
}

func (f *Feed) drainAlerts(a Alerter) {
	for {
		f.mu.Lock()
		if len(f.pending) == 0 {
			f.alerting = false
			f.mu.Unlock()
			return
		}
		rec := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()

		if err := a.Alert(rec); err != nil {
			f.log.Debug().Int64("id", rec.ID).Err(err).Msg("notify: alert failed")
		}
	}
}

func (f *Feed) replaceLocked(next []Record) {
	f.records = next
	for _, ch := range f.watchers {
		select {
		case ch <- next:
		default:
		}
	}
}

func indexOf(records []Record, id int64) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func countUnread(records []Record) int {
	n := 0
	for _, r := range records {
		if !r.Read {
			n++
		}
	}
	return n
}
