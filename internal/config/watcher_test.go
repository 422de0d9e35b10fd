package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCredentialWatcher_StartStop(t *testing.T) {
	w := NewCredentialWatcher(filepath.Join(t.TempDir(), CredentialsFileName))

	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Second Start() error = %v", err)
	}
	w.Stop()
	w.Stop()

	select {
	case _, ok := <-w.Events():
		if ok {
			t.Error("Events channel should be closed after Stop()")
		}
	default:
	}
}

func TestCredentialWatcher_StopWithoutStart(t *testing.T) {
	w := NewCredentialWatcher(filepath.Join(t.TempDir(), CredentialsFileName))
	w.Stop()
}

func TestCredentialWatcher_MissingDir(t *testing.T) {
	w := NewCredentialWatcher(filepath.Join(t.TempDir(), "nope", CredentialsFileName))
	if err := w.Start(); err == nil {
		w.Stop()
		t.Fatal("Start() should fail when the directory does not exist")
	}
}

func TestCredentialWatcher_DetectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CredentialsFileName)

	w := NewCredentialWatcher(path)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write other: %v", err)
	}
	if err := os.WriteFile(path, []byte("token=abc\n"), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Type != Changed {
			t.Errorf("Type = %s, want changed", ev.Type)
		}
		if ev.Path != path {
			t.Errorf("Path = %q, want %q", ev.Path, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for credentials event")
	}
}

func TestCredentialWatcher_DetectsRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CredentialsFileName)
	if err := os.WriteFile(path, []byte("token=abc\n"), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}

	w := NewCredentialWatcher(path)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Type != Removed {
			t.Errorf("Type = %s, want removed", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for credentials event")
	}
}

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		e    EventType
		want string
	}{
		{Changed, "changed"},
		{Removed, "removed"},
		{EventType(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.e.String(); got != tt.want {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.e, got, tt.want)
		}
	}
}
