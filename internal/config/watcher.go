package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventType represents the type of credentials file event.
type EventType int

const (
	// Changed indicates the credentials file was created or written.
	Changed EventType = iota
	// Removed indicates the credentials file was removed or renamed away.
	Removed
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// CredentialEvent represents a change to the credentials file.
type CredentialEvent struct {
	Type EventType
	Path string
}

// CredentialWatcher monitors the credentials file. The parent directory is
// watched so editors that replace the file by rename are seen too.
type CredentialWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	events  chan CredentialEvent

	// Debouncing
	debounceDelay time.Duration
	timer         *time.Timer
	lastOp        fsnotify.Op
	timerMu       sync.Mutex

	// Lifecycle
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	runningMu sync.Mutex
}

// NewCredentialWatcher creates a watcher for the given credentials file.
func NewCredentialWatcher(path string) *CredentialWatcher {
	return &CredentialWatcher{
		path:          filepath.Clean(path),
		events:        make(chan CredentialEvent, 10),
		debounceDelay: 100 * time.Millisecond,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
}

// Start begins watching. Calling Start on a running watcher does nothing.
func (w *CredentialWatcher) Start() error {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()

	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	w.running = true
	go w.watchLoop()
	return nil
}

// Stop terminates the watcher and closes the events channel.
func (w *CredentialWatcher) Stop() {
	w.runningMu.Lock()
	if !w.running {
		w.runningMu.Unlock()
		return
	}
	w.running = false
	w.runningMu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh

	if w.watcher != nil {
		w.watcher.Close()
	}

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerMu.Unlock()

	close(w.events)
}

// Events returns the channel for receiving credential events.
func (w *CredentialWatcher) Events() <-chan CredentialEvent {
	return w.events
}

func (w *CredentialWatcher) watchLoop() {
	defer close(w.stoppedCh)

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.debounce(event.Op)

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// debounce collapses bursts of writes into one event carrying the last op.
func (w *CredentialWatcher) debounce(op fsnotify.Op) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	w.lastOp = op
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.fire)
}

func (w *CredentialWatcher) fire() {
	w.timerMu.Lock()
	op := w.lastOp
	w.timer = nil
	w.timerMu.Unlock()

	w.runningMu.Lock()
	defer w.runningMu.Unlock()
	if !w.running {
		return
	}

	eventType := Changed
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		eventType = Removed
	}

	select {
	case w.events <- CredentialEvent{Type: eventType, Path: w.path}:
	default:
		// Channel full, drop event
	}
}
