// Package subscription multiplexes local topic handlers onto wire
// subscriptions: one wire subscription per topic no matter how many callers
// are interested, restored after every reconnect.
package subscription

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pengelbrecht/pomosync/internal/channel"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("registry closed")

// Channel is the part of channel.Connection the registry needs.
type Channel interface {
	Subscribe(topic string) (string, error)
	Unsubscribe(id string) error
	OnEvent(fn func(channel.Event)) (remove func())
}

// Handler receives messages for one topic.
type Handler func(channel.Message)

type entry struct {
	id uint64
	fn Handler
}

// record is the registry's bookkeeping for one topic. wireID is empty while
// no wire subscription is live.
type record struct {
	topic    string
	wireID   string
	handlers []entry
}

// Registry owns every topic record. Records are only created and destroyed
// by Subscribe and Handle.Unsubscribe.
type Registry struct {
	ch  Channel
	log zerolog.Logger

	// wireMu serializes wire subscribe/unsubscribe calls. mu guards the
	// records and is never held across a wire call, so dispatch from the
	// read loop cannot block behind a pending receipt.
	wireMu sync.Mutex

	mu          sync.Mutex
	records     map[string]*record
	nextHandler uint64
	closed      bool
	onError     func(topic string, err error)

	removeListener func()
}

// New creates a registry and starts listening for connection events.
func New(ch Channel, logger zerolog.Logger) *Registry {
	r := &Registry{
		ch:      ch,
		log:     logger.With().Str("component", "subscription").Logger(),
		records: make(map[string]*record),
	}
	r.removeListener = ch.OnEvent(r.handleEvent)
	return r
}

// OnError sets the callback for replay failures after a reconnect. These are
// surfaced once; the registry does not retry them until the next reconnect.
func (r *Registry) OnError(fn func(topic string, err error)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// Subscribe attaches h to topic, opening the wire subscription if this is
// the first handler. While the channel is down the record is kept and the
// wire subscription is made on the next connect. A refusal from the server
// is returned and nothing is recorded.
func (r *Registry) Subscribe(topic string, h Handler) (*Handle, error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", topic)
	}

	r.wireMu.Lock()
	defer r.wireMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if rec, ok := r.records[topic]; ok {
		hd := r.attachLocked(rec, h)
		r.mu.Unlock()
		return hd, nil
	}
	r.mu.Unlock()

	wireID, err := r.ch.Subscribe(topic)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrNotConnected), errors.Is(err, channel.ErrConnection):
			r.log.Debug().Str("topic", topic).Err(err).Msg("subscription: deferred until connected")
			wireID = ""
		default:
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &record{topic: topic, wireID: wireID}
	r.records[topic] = rec
	return r.attachLocked(rec, h), nil
}

func (r *Registry) attachLocked(rec *record, h Handler) *Handle {
	r.nextHandler++
	id := r.nextHandler
	rec.handlers = append(rec.handlers, entry{id: id, fn: h})
	return &Handle{reg: r, topic: rec.topic, id: id}
}

// detach removes one handler and tears down the wire subscription when it
// was the last one.
func (r *Registry) detach(topic string, id uint64) error {
	r.wireMu.Lock()
	defer r.wireMu.Unlock()

	r.mu.Lock()
	rec, ok := r.records[topic]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	for i, e := range rec.handlers {
		if e.id == id {
			rec.handlers = append(rec.handlers[:i:i], rec.handlers[i+1:]...)
			break
		}
	}
	if len(rec.handlers) > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.records, topic)
	wireID := rec.wireID
	r.mu.Unlock()

	if wireID == "" {
		return nil
	}
	if err := r.ch.Unsubscribe(wireID); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Dispatch fans a message out to every handler of its topic, in
// registration order. Handlers run outside the lock.
func (r *Registry) Dispatch(msg channel.Message) {
	r.mu.Lock()
	rec, ok := r.records[msg.Topic]
	var fns []Handler
	if ok {
		fns = make([]Handler, len(rec.handlers))
		for i, e := range rec.handlers {
			fns[i] = e.fn
		}
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug().Str("topic", msg.Topic).Msg("subscription: message for unknown topic")
		return
	}
	for _, fn := range fns {
		fn(msg)
	}
}

// RefCount returns the number of live handlers for topic.
func (r *Registry) RefCount(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[topic]; ok {
		return len(rec.handlers)
	}
	return 0
}

// Topics returns every registered topic.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.records))
	for t := range r.records {
		topics = append(topics, t)
	}
	return topics
}

// Live reports whether topic currently has a wire subscription.
func (r *Registry) Live(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[topic]
	return ok && rec.wireID != ""
}

// Close stops listening for connection events and drops every record.
// Handles become no-ops.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.records = make(map[string]*record)
	r.mu.Unlock()
	r.removeListener()
}

func (r *Registry) handleEvent(e channel.Event) {
	switch e.Kind {
	case channel.EventConnected:
		r.replay()
	case channel.EventDisconnected, channel.EventExhausted:
		r.mu.Lock()
		for _, rec := range r.records {
			rec.wireID = ""
		}
		r.mu.Unlock()
	}
}

// replay re-issues the wire subscription for every record. Handlers are
// untouched.
func (r *Registry) replay() {
	r.wireMu.Lock()
	defer r.wireMu.Unlock()

	r.mu.Lock()
	topics := make([]string, 0, len(r.records))
	var stale []string
	for t, rec := range r.records {
		// Set by an earlier replay that overlapped a reconnect; it may be
		// live on the current session.
		if rec.wireID != "" {
			stale = append(stale, rec.wireID)
			rec.wireID = ""
		}
		topics = append(topics, t)
	}
	onError := r.onError
	r.mu.Unlock()

	for _, id := range stale {
		if err := r.ch.Unsubscribe(id); err != nil {
			r.log.Debug().Str("id", id).Err(err).Msg("subscription: dropping stale wire subscription")
		}
	}

	restored := 0
	for _, topic := range topics {
		wireID, err := r.ch.Subscribe(topic)
		if err != nil {
			r.log.Warn().Str("topic", topic).Err(err).Msg("subscription: replay failed")
			if onError != nil {
				onError(topic, err)
			}
			continue
		}

		r.mu.Lock()
		rec, ok := r.records[topic]
		if ok {
			rec.wireID = wireID
		}
		r.mu.Unlock()
		if !ok {
			_ = r.ch.Unsubscribe(wireID)
			continue
		}
		restored++
	}
	if len(topics) > 0 {
		r.log.Info().Int("topics", restored).Msg("subscription: restored after connect")
	}
}

// Handle is one caller's interest in a topic.
type Handle struct {
	reg   *Registry
	topic string
	id    uint64
	once  sync.Once
}

// Topic returns the subscribed topic.
func (h *Handle) Topic() string { return h.topic }

// Unsubscribe removes only this handler. Calling it again does nothing.
func (h *Handle) Unsubscribe() error {
	var err error
	h.once.Do(func() {
		err = h.reg.detach(h.topic, h.id)
	})
	return err
}
