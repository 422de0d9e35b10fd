// Package engine wires the channel, subscription registry, timer reconciler,
// notification feed and visibility coordinator into one session object.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/pengelbrecht/pomosync/internal/api"
	"github.com/pengelbrecht/pomosync/internal/channel"
	"github.com/pengelbrecht/pomosync/internal/config"
	"github.com/pengelbrecht/pomosync/internal/notify"
	"github.com/pengelbrecht/pomosync/internal/subscription"
	"github.com/pengelbrecht/pomosync/internal/timer"
	"github.com/pengelbrecht/pomosync/internal/visibility"
)

// ErrStarted is returned by Start on an engine that is already running or
// has been closed.
var ErrStarted = errors.New("engine already started")

// Options configures an Engine.
type Options struct {
	Config      config.Config
	Credentials *config.Credentials
	Logger      zerolog.Logger

	// Transport overrides the WebSocket transport built from the config.
	Transport channel.Transport
	// Alerter overrides the desktop alerter enabled by desktop_alerts.
	Alerter notify.Alerter
	// WatchCredentials reconnects when the credentials file changes after
	// the channel gave up.
	WatchCredentials bool
}

// Engine is the explicit per-session context. Build one with New, call
// Start once and Close when done.
type Engine struct {
	API        *api.Client
	Conn       *channel.Connection
	Registry   *subscription.Registry
	Timers     *timer.Reconciler
	Feed       *notify.Feed
	Visibility *visibility.Coordinator

	creds       *config.Credentials
	notifyTopic string
	watch       bool
	log         zerolog.Logger

	mu             sync.Mutex
	started        bool
	closed         bool
	cancel         context.CancelFunc
	removeListener func()
	watcher        *config.CredentialWatcher
	wg             sync.WaitGroup

	runCtx   context.Context
	starting atomic.Bool
	resyncMu sync.Mutex
}

// New builds every component from the config. Nothing is dialed yet.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	creds := opts.Credentials
	if creds == nil {
		creds = config.NewCredentials("")
	}
	if override := creds.URL(); override != "" {
		cfg.APIURL = override
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := opts.Logger

	client, err := api.NewClient(cfg.GetAPIURL(), creds)
	if err != nil {
		return nil, err
	}

	wsURL := cfg.GetWSURL()
	transport := opts.Transport
	if transport == nil {
		transport = &channel.WebSocketTransport{URL: wsURL}
	}
	conn := channel.New(channel.Config{
		Host:           hostOf(wsURL),
		Heartbeat:      cfg.Connection.GetHeartbeat(),
		ReceiptTimeout: channel.DefaultReceiptTimeout,
		Backoff: channel.Backoff{
			Base:        cfg.Connection.GetBackoffBase(),
			Max:         cfg.Connection.GetBackoffMax(),
			MaxAttempts: cfg.Connection.GetMaxAttempts(),
		},
	}, transport, creds, log)

	reg := subscription.New(conn, log)
	conn.SetHandler(reg.Dispatch)

	timers := timer.New(timer.Config{
		TickInterval: cfg.Timer.GetTickInterval(),
		TopicPattern: cfg.Timer.GetTopic(),
	}, client, reg, log)

	feed := notify.NewFeed(client, reg, log)
	switch {
	case opts.Alerter != nil:
		feed.SetAlerter(opts.Alerter)
	case cfg.Notifications.AlertsEnabled():
		feed.SetAlerter(notify.DesktopAlerter{AppName: "pomo"})
	}

	topic := ""
	pattern := cfg.Notifications.GetTopic()
	if cfg.User != "" || !strings.Contains(pattern, "{user}") {
		topic = notify.TopicFor(pattern, cfg.User)
	}

	e := &Engine{
		API:         client,
		Conn:        conn,
		Registry:    reg,
		Timers:      timers,
		Feed:        feed,
		Visibility:  visibility.New(timers, cfg.Timer.GetResyncAfter(), log),
		creds:       creds,
		notifyTopic: topic,
		watch:       opts.WatchCredentials,
		log:         log.With().Str("component", "engine").Logger(),
	}
	reg.OnError(func(topic string, err error) {
		e.log.Warn().Str("topic", topic).Err(err).Msg("engine: subscription lost after reconnect")
	})
	return e, nil
}

// Start starts the tick loop, connects, loads the notification feed and
// resyncs every timer. A transient connect failure is not fatal: the channel
// keeps retrying and subscriptions are replayed once it connects. A missing
// credential is returned; with WatchCredentials the engine connects and
// loads once a token is written.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return ErrStarted
	}
	e.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.runCtx = runCtx
	e.cancel = cancel
	e.removeListener = e.Conn.OnEvent(e.handleEvent)
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.Timers.Run(runCtx)
	}()
	if e.watch {
		e.startWatcher(runCtx)
	}

	e.starting.Store(true)
	defer e.starting.Store(false)

	if err := e.Conn.Connect(ctx); err != nil {
		if errors.Is(err, channel.ErrAuthMissing) {
			return err
		}
		e.log.Warn().Err(err).Msg("engine: channel not connected yet, retrying in background")
	}

	if err := e.Feed.Init(ctx, e.notifyTopic); err != nil {
		return err
	}
	if err := e.Timers.Resync(ctx); err != nil {
		return err
	}
	e.log.Info().Str("topic", e.notifyTopic).Msg("engine: started")
	return nil
}

// Close disconnects and resets every component. Safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	remove := e.removeListener
	watcher := e.watcher
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		watcher.Stop()
	}
	e.wg.Wait()
	if remove != nil {
		remove()
	}

	e.Timers.Close()
	e.Feed.Reset()
	e.Registry.Close()
	e.Conn.Disconnect()
	e.log.Info().Msg("engine: closed")
}

// Reconnect starts a fresh connect cycle, for example after the retry
// budget was spent.
func (e *Engine) Reconnect(ctx context.Context) error {
	return e.Conn.Connect(ctx)
}

// handleEvent runs on the channel goroutine and must not block.
func (e *Engine) handleEvent(ev channel.Event) {
	switch ev.Kind {
	case channel.EventConnected:
		// Start fetches right after its own connect.
		if e.starting.Load() {
			return
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.wg.Add(1)
		e.mu.Unlock()
		go func() {
			defer e.wg.Done()
			e.resync()
		}()
	case channel.EventExhausted:
		e.log.Error().Int("attempt", ev.Attempt).Msg("engine: channel gave up reconnecting")
	case channel.EventDisconnected:
		if ev.Err != nil {
			e.log.Warn().Err(ev.Err).Msg("engine: channel down")
		}
	}
}

// resync refetches state missed while the channel was down, or loads it for
// the first time when Start could not connect. Overlapping reconnects share
// one resync.
func (e *Engine) resync() {
	if !e.resyncMu.TryLock() {
		return
	}
	defer e.resyncMu.Unlock()

	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if err := e.Timers.Resync(ctx); err != nil {
		e.log.Warn().Err(err).Msg("engine: timer resync after reconnect failed")
	}
	if err := e.Feed.Init(ctx, e.notifyTopic); err != nil {
		e.log.Warn().Err(err).Msg("engine: notification refresh after reconnect failed")
	}
}

// Stalled reports whether the channel stopped retrying on its own and
// needs a new connect.
func (e *Engine) Stalled() bool {
	st := e.Conn.Status()
	if st.State != channel.Disconnected || st.LastError == nil {
		return false
	}
	return errors.Is(st.LastError, channel.ErrAuthMissing) || errors.Is(st.LastError, channel.ErrExhausted)
}

func (e *Engine) startWatcher(ctx context.Context) {
	w := config.NewCredentialWatcher(e.creds.Path())
	if err := w.Start(); err != nil {
		e.log.Warn().Err(err).Str("path", e.creds.Path()).Msg("engine: cannot watch credentials")
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		w.Stop()
		return
	}
	e.watcher = w
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events():
				if !ok {
					return
				}
				if ev.Type != config.Changed || !e.Stalled() {
					continue
				}
				e.log.Info().Str("path", ev.Path).Msg("engine: credentials changed, reconnecting")
				if err := e.Conn.Connect(ctx); err != nil {
					e.log.Warn().Err(err).Msg("engine: reconnect failed")
				}
			}
		}
	}()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
