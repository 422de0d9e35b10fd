// Package channel owns the single persistent STOMP-over-WebSocket channel to
// the server: connect, authenticate, heart-beat, detect closure and reconnect
// with capped exponential backoff.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pengelbrecht/pomosync/internal/stomp"
)

var (
	// ErrAuthMissing means no bearer credential was available. Not retried.
	ErrAuthMissing = errors.New("auth credential missing")
	// ErrConnection wraps transient network or channel failures.
	ErrConnection = errors.New("connection error")
	// ErrExhausted is carried by the Exhausted event once retries are spent.
	ErrExhausted = errors.New("connection retries exhausted")
	// ErrNotConnected is returned by wire operations while no session exists.
	ErrNotConnected = errors.New("not connected")
	// ErrSubscription means the server refused a subscription.
	ErrSubscription = errors.New("subscription error")
	// ErrClosed is returned when Disconnect raced an in-flight connect.
	ErrClosed = errors.New("connection closed")
)

const (
	DefaultHeartbeat        = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultReceiptTimeout   = 5 * time.Second
)

// Session is one established transport session carrying raw STOMP frames.
// Write must be safe to call from one goroutine at a time; Read from another.
type Session interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// Transport opens sessions. The token is offered for transports that
// authenticate during the upgrade as well.
type Transport interface {
	Dial(ctx context.Context, token string) (Session, error)
}

// CredentialSource supplies the bearer token at connect time.
type CredentialSource interface {
	Token() (string, error)
}

// TokenFunc adapts a function to CredentialSource.
type TokenFunc func() (string, error)

// Token implements CredentialSource.
func (f TokenFunc) Token() (string, error) { return f() }

// Message is a MESSAGE frame routed by destination.
type Message struct {
	Topic        string
	Subscription string
	ID           string
	Body         []byte
	ReceivedAt   time.Time
}

// MessageHandler receives every MESSAGE frame in channel order.
type MessageHandler func(Message)

// Config holds connection tuning.
type Config struct {
	// Host is sent in the CONNECT frame.
	Host string
	// Heartbeat is the client heart-beat offer in both directions.
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	// ReceiptTimeout bounds the wait for a SUBSCRIBE receipt. Zero sends
	// subscriptions without asking for receipts.
	ReceiptTimeout time.Duration
	Backoff        Backoff
}

// Connection manages the channel lifecycle.
type Connection struct {
	cfg       Config
	transport Transport
	creds     CredentialSource
	log       zerolog.Logger

	mu       sync.Mutex
	state    State
	attempt  int
	lastErr  error
	session  Session
	gen      uint64
	dialing  bool
	retry    *time.Timer
	subs     map[string]string // wire id -> topic
	pending  map[string]chan error
	handler  MessageHandler
	writeMu  sync.Mutex
	newSubID func() string

	listenersMu  sync.Mutex
	listeners    map[int]func(Event)
	nextListener int
}

// New creates a disconnected Connection.
func New(cfg Config, transport Transport, creds CredentialSource, logger zerolog.Logger) *Connection {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Connection{
		cfg:       cfg,
		transport: transport,
		creds:     creds,
		log:       logger.With().Str("component", "channel").Logger(),
		subs:      make(map[string]string),
		pending:   make(map[string]chan error),
		listeners: make(map[int]func(Event)),
		newSubID:  func() string { return uuid.NewString() },
	}
}

// SetHandler installs the message handler. Call before Connect.
func (c *Connection) SetHandler(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnEvent registers a lifecycle listener. Listeners run synchronously on the
// goroutine that caused the transition and must not block. The returned
// function removes the listener.
func (c *Connection) OnEvent(fn func(Event)) (remove func()) {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

// Status returns the current state, retry attempt and last error.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Attempt: c.attempt, LastError: c.lastErr}
}

// Connect establishes the session. It is a no-op while Connected or while a
// connect is already in flight. A missing credential fails with
// ErrAuthMissing and is not retried; any other failure is returned and a
// retry is scheduled.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected || c.state == Connecting || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.stopRetryLocked()
	c.state = Connecting
	c.attempt = 0
	c.dialing = true
	gen := c.gen
	c.mu.Unlock()

	return c.dial(ctx, gen)
}

// Disconnect tears the session down, cancels any pending retry, unsubscribes
// every wire subscription and resets the attempt count. Idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	active := c.state != Disconnected || c.session != nil
	c.gen++
	c.stopRetryLocked()
	sess := c.session
	subs := c.subs
	c.session = nil
	c.subs = make(map[string]string)
	c.state = Disconnected
	c.attempt = 0
	c.lastErr = nil
	c.failPendingLocked(ErrClosed)
	c.mu.Unlock()

	if sess != nil {
		for id := range subs {
			_ = c.write(sess, stomp.Unsubscribe(id).Marshal())
		}
		_ = c.write(sess, stomp.Disconnect(uuid.NewString()).Marshal())
		_ = sess.Close()
	}

	if active {
		c.log.Info().Msg("channel: disconnected")
		c.emit(Event{Kind: EventDisconnected, Requested: true, At: time.Now()})
	}
}

// Subscribe opens a wire subscription and returns its id. When receipts are
// enabled it waits for the server to confirm; a refusal is ErrSubscription.
func (c *Connection) Subscribe(topic string) (string, error) {
	c.mu.Lock()
	if c.state != Connected || c.session == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	sess := c.session
	id := c.newSubID()
	c.subs[id] = topic

	frame := stomp.Subscribe(id, topic)
	var wait chan error
	if c.cfg.ReceiptTimeout > 0 {
		receipt := "sub-" + id
		frame.Header[stomp.HdrReceipt] = receipt
		wait = make(chan error, 1)
		c.pending[receipt] = wait
		defer c.clearPending(receipt)
	}
	c.mu.Unlock()

	if err := c.write(sess, frame.Marshal()); err != nil {
		c.dropSub(id)
		return "", fmt.Errorf("%w: subscribe %s: %v", ErrConnection, topic, err)
	}

	if wait == nil {
		return id, nil
	}

	timer := time.NewTimer(c.cfg.ReceiptTimeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		if err != nil {
			c.dropSub(id)
			return "", err
		}
	case <-timer.C:
		c.log.Warn().Str("topic", topic).Msg("channel: no receipt for subscription, assuming accepted")
	}
	return id, nil
}

// Unsubscribe closes a wire subscription. Without a session the wire
// subscription is already gone and this only forgets the id.
func (c *Connection) Unsubscribe(id string) error {
	c.mu.Lock()
	_, known := c.subs[id]
	delete(c.subs, id)
	sess := c.session
	connected := c.state == Connected
	c.mu.Unlock()

	if !known || !connected || sess == nil {
		return nil
	}
	if err := c.write(sess, stomp.Unsubscribe(id).Marshal()); err != nil {
		return fmt.Errorf("%w: unsubscribe: %v", ErrConnection, err)
	}
	return nil
}

// dial runs one connect attempt. gen is the generation observed when the
// attempt was started; a Disconnect in between invalidates it.
func (c *Connection) dial(ctx context.Context, gen uint64) error {
	token, err := c.creds.Token()
	if err == nil && token == "" {
		err = ErrAuthMissing
	} else if err != nil && !errors.Is(err, ErrAuthMissing) {
		err = fmt.Errorf("%w: %v", ErrAuthMissing, err)
	}
	if err != nil {
		c.mu.Lock()
		c.dialing = false
		if c.gen != gen {
			c.mu.Unlock()
			return ErrClosed
		}
		c.stopRetryLocked()
		c.state = Disconnected
		c.attempt = 0
		c.lastErr = err
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("channel: cannot connect")
		c.emit(Event{Kind: EventDisconnected, Err: err, At: time.Now()})
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	sess, heartbeat, err := c.handshake(hctx, token)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConnection, err)
		c.mu.Lock()
		c.dialing = false
		if c.gen != gen {
			c.mu.Unlock()
			return ErrClosed
		}
		ev := c.scheduleRetryLocked(err)
		c.mu.Unlock()
		c.emit(ev)
		return err
	}

	c.mu.Lock()
	c.dialing = false
	if c.gen != gen {
		c.mu.Unlock()
		_ = sess.Close()
		return ErrClosed
	}
	c.gen++
	sessGen := c.gen
	c.session = sess
	c.state = Connected
	c.attempt = 0
	c.lastErr = nil
	c.subs = make(map[string]string)
	c.mu.Unlock()

	done := make(chan struct{})
	go c.readLoop(sessGen, sess, done)
	if heartbeat > 0 {
		go c.heartbeatLoop(sess, heartbeat, done)
	}

	c.log.Info().Dur("heartbeat", heartbeat).Msg("channel: connected")
	c.emit(Event{Kind: EventConnected, At: time.Now()})
	return nil
}

// handshake dials the transport and performs the STOMP CONNECT exchange.
func (c *Connection) handshake(ctx context.Context, token string) (Session, time.Duration, error) {
	sess, err := c.transport.Dial(ctx, token)
	if err != nil {
		return nil, 0, err
	}

	connect := stomp.Connect(c.cfg.Host, token, c.cfg.Heartbeat, c.cfg.Heartbeat)
	if err := c.write(sess, connect.Marshal()); err != nil {
		_ = sess.Close()
		return nil, 0, fmt.Errorf("send CONNECT: %w", err)
	}

	type result struct {
		frame stomp.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			data, err := sess.Read()
			if err != nil {
				ch <- result{err: err}
				return
			}
			f, err := stomp.Parse(data)
			if err != nil {
				ch <- result{err: err}
				return
			}
			if f.IsHeartbeat() {
				continue
			}
			ch <- result{frame: f}
			return
		}
	}()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return nil, 0, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			_ = sess.Close()
			return nil, 0, fmt.Errorf("await CONNECTED: %w", r.err)
		}
		switch r.frame.Command {
		case stomp.CmdConnected:
			return sess, stomp.NegotiateHeartbeat(c.cfg.Heartbeat, r.frame.Get(stomp.HdrHeartBeat)), nil
		case stomp.CmdError:
			_ = sess.Close()
			return nil, 0, fmt.Errorf("server refused CONNECT: %s", r.frame.Get(stomp.HdrMessage))
		default:
			_ = sess.Close()
			return nil, 0, fmt.Errorf("unexpected %s frame during handshake", r.frame.Command)
		}
	}
}

// readLoop processes frames until the session ends. Frames are handled one at
// a time, so delivery order equals channel order.
func (c *Connection) readLoop(gen uint64, sess Session, done chan struct{}) {
	defer close(done)

	for {
		data, err := sess.Read()
		if err != nil {
			c.sessionLost(gen, sess, err)
			return
		}

		f, err := stomp.Parse(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("channel: dropping malformed frame")
			continue
		}

		switch f.Command {
		case "":
			// heart-beat
		case stomp.CmdMessage:
			c.deliver(f)
		case stomp.CmdReceipt:
			c.resolvePending(f.Get(stomp.HdrReceiptID), nil)
		case stomp.CmdError:
			msg := f.Get(stomp.HdrMessage)
			if receipt := f.Get(stomp.HdrReceiptID); receipt != "" && c.resolvePending(receipt, fmt.Errorf("%w: %s", ErrSubscription, msg)) {
				c.log.Warn().Str("message", msg).Msg("channel: subscription refused")
				continue
			}
			c.log.Error().Str("message", msg).Msg("channel: server error")
			c.sessionLost(gen, sess, fmt.Errorf("server error: %s", msg))
			return
		default:
			c.log.Debug().Str("command", f.Command).Msg("channel: ignoring frame")
		}
	}
}

func (c *Connection) deliver(f stomp.Frame) {
	c.mu.Lock()
	h := c.handler
	topic := f.Get(stomp.HdrDestination)
	sub := f.Get(stomp.HdrSubscription)
	if topic == "" {
		topic = c.subs[sub]
	}
	c.mu.Unlock()

	if h == nil {
		return
	}
	h(Message{
		Topic:        topic,
		Subscription: sub,
		ID:           f.Get(stomp.HdrMessageID),
		Body:         f.Body,
		ReceivedAt:   time.Now(),
	})
}

func (c *Connection) heartbeatLoop(sess Session, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(sess, stomp.Heartbeat); err != nil {
				return
			}
		}
	}
}

// sessionLost handles closure that the caller did not ask for.
func (c *Connection) sessionLost(gen uint64, sess Session, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.subs = make(map[string]string)
	c.failPendingLocked(fmt.Errorf("%w: %v", ErrConnection, cause))
	err := fmt.Errorf("%w: %v", ErrConnection, cause)
	c.mu.Unlock()

	_ = sess.Close()
	c.log.Warn().Err(cause).Msg("channel: connection lost")
	c.emit(Event{Kind: EventDisconnected, Err: err, At: time.Now()})

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	ev := c.scheduleRetryLocked(err)
	c.mu.Unlock()
	c.emit(ev)
}

// scheduleRetryLocked bumps the attempt counter and either arms the next
// retry or gives up. It returns the event to emit once the lock is released.
func (c *Connection) scheduleRetryLocked(err error) Event {
	c.attempt++
	c.lastErr = err
	attempt := c.attempt

	if c.cfg.Backoff.Exhausted(attempt) {
		made := attempt - 1
		c.state = Disconnected
		c.attempt = made
		c.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrExhausted, made, err)
		c.log.Error().Err(err).Int("attempts", made).Msg("channel: giving up reconnect")
		return Event{Kind: EventExhausted, Attempt: made, Err: c.lastErr, At: time.Now()}
	}

	delay := c.cfg.Backoff.Delay(attempt)
	c.state = Reconnecting
	gen := c.gen
	c.retry = time.AfterFunc(delay, func() { c.retryNow(gen) })
	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("channel: reconnect scheduled")
	return Event{Kind: EventReconnecting, Attempt: attempt, Delay: delay, Err: err, At: time.Now()}
}

func (c *Connection) retryNow(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != Reconnecting || c.dialing {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.dialing = true
	c.mu.Unlock()

	_ = c.dial(context.Background(), gen)
}

func (c *Connection) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Connection) write(sess Session, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sess.Write(data)
}

func (c *Connection) dropSub(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Connection) clearPending(receipt string) {
	c.mu.Lock()
	delete(c.pending, receipt)
	c.mu.Unlock()
}

// resolvePending completes a waiting receipt. Reports whether one was waiting.
func (c *Connection) resolvePending(receipt string, err error) bool {
	c.mu.Lock()
	ch, ok := c.pending[receipt]
	delete(c.pending, receipt)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

func (c *Connection) failPendingLocked(err error) {
	for receipt, ch := range c.pending {
		ch <- err
		delete(c.pending, receipt)
	}
}

func (c *Connection) emit(e Event) {
	c.listenersMu.Lock()
	fns := make([]func(Event), 0, len(c.listeners))
	for i := 0; i < c.nextListener; i++ {
		if fn, ok := c.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
