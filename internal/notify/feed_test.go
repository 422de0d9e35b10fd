package notify

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
}

func (f *fakeChannel) Subscribe(topic string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("sub-%d", f.nextID), nil
}

func (f *fakeChannel) Unsubscribe(string) error { return nil }
func (f *fakeChannel) OnEvent(func(channel.Event)) func() { return func() {} }

type fakeCommands struct {
	notes     []api.Notification
	fetchErr  error
	markErr   error
	marked    []int64
	markedAll int
}

func (f *fakeCommands) FetchNotifications(context.Context) ([]api.Notification, error) {
	return f.notes, f.fetchErr
}

func (f *fakeCommands) MarkNotificationRead(_ context.Context, id int64) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeCommands) MarkAllNotificationsRead(context.Context) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.markedAll++
	return nil
}

type recordingAlerter struct {
	mu   sync.Mutex
	got  []Record
	gate chan struct{}
}

func (a *recordingAlerter) Alert(r Record) error {
	if a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	a.got = append(a.got, r)
	a.mu.Unlock()
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

func waitAlerts(t *testing.T, a *recordingAlerter, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("alerts = %d, want %d", a.count(), want)
}

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func rec(id int64, read bool) Record {
	return Record{ID: id, Kind: FriendRequest, Message: fmt.Sprintf("n%d", id), Read: read, CreatedAt: base.Add(time.Duration(id) * time.Minute)}
}

func assertUnread(t *testing.T, f *Feed) {
	t.Helper()
	want := 0
	for _, r := range f.Records() {
		if !r.Read {
			want++
		}
	}
	if got := f.UnreadCount(); got != want {
		t.Errorf("UnreadCount() = %d, want %d", got, want)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	f := NewFeed(&fakeCommands{}, nil, zerolog.Nop())

	if !f.Ingest(rec(1, false)) {
		t.Error("first Ingest() = false")
	}
	if f.Ingest(rec(1, true)) {
		t.Error("duplicate Ingest() = true")
	}
	if f.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.Len())
	}
	if f.Records()[0].Read {
		t.Error("duplicate must not replace the existing record")
	}
	assertUnread(t, f)
}

func TestIngestPrepends(t *testing.T) {
	f := NewFeed(&fakeCommands{}, nil, zerolog.Nop())
	f.Ingest(rec(1, false))
	f.Ingest(rec(2, false))
	f.Ingest(rec(3, true))

	var ids []int64
	for _, r := range f.Records() {
		ids = append(ids, r.ID)
	}
	if fmt.Sprint(ids) != "[3 2 1]" {
		t.Errorf("order = %v, want most recent first", ids)
	}
	assertUnread(t, f)
}

func TestMarkReadReplacesRecord(t *testing.T) {
	cmds := &fakeCommands{}
	f := NewFeed(cmds, nil, zerolog.Nop())
	f.Ingest(rec(1, false))
	f.Ingest(rec(2, false))

	before := f.Records()
	if err := f.MarkRead(context.Background(), 1); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	after := f.Records()

	if before[1].Read {
		t.Error("old snapshot was mutated")
	}
	if !after[1].Read || after[0].Read {
		t.Errorf("after = %+v", after)
	}
	if fmt.Sprint(cmds.marked) != "[1]" {
		t.Errorf("marked = %v", cmds.marked)
	}
	assertUnread(t, f)

	// Already read: no second request.
	if err := f.MarkRead(context.Background(), 1); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if len(cmds.marked) != 1 {
		t.Errorf("marked = %v, want a single request", cmds.marked)
	}

	if err := f.MarkRead(context.Background(), 42); !errors.Is(err, ErrUnknownRecord) {
		t.Errorf("MarkRead(42) error = %v, want ErrUnknownRecord", err)
	}
}

func TestMarkReadFailureLeavesFeed(t *testing.T) {
	cmds := &fakeCommands{markErr: fmt.Errorf("mark read: %w", api.ErrCommandRejected)}
	f := NewFeed(cmds, nil, zerolog.Nop())
	f.Ingest(rec(1, false))

	if err := f.MarkRead(context.Background(), 1); !errors.Is(err, api.ErrCommandRejected) {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if err := f.MarkAllRead(context.Background()); err == nil {
		t.Fatal("MarkAllRead() error = nil")
	}
	if f.UnreadCount() != 1 {
		t.Errorf("UnreadCount() = %d, want 1", f.UnreadCount())
	}
}

func TestMarkAllRead(t *testing.T) {
	cmds := &fakeCommands{}
	f := NewFeed(cmds, nil, zerolog.Nop())
	for i := int64(1); i <= 4; i++ {
		f.Ingest(rec(i, i%2 == 0))
	}
	if f.UnreadCount() != 2 {
		t.Fatalf("UnreadCount() = %d, want 2", f.UnreadCount())
	}

	if err := f.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("MarkAllRead() error = %v", err)
	}
	if f.UnreadCount() != 0 {
		t.Errorf("UnreadCount() = %d, want 0", f.UnreadCount())
	}
	if cmds.markedAll != 1 {
		t.Errorf("markedAll = %d", cmds.markedAll)
	}
	assertUnread(t, f)
}

func TestInitFetchesThenSubscribes(t *testing.T) {
	cmds := &fakeCommands{notes: []api.Notification{
		{ID: 2, Type: "TASK_SHARED", Message: "newer", CreatedAt: base.Add(time.Hour)},
		{ID: 1, Type: "FRIEND_REQUEST", Message: "older", CreatedAt: base},
		{ID: 3, Type: "BOGUS", Message: "skipped", CreatedAt: base},
	}}
	reg := subscription.New(&fakeChannel{}, zerolog.Nop())
	f := NewFeed(cmds, reg, zerolog.Nop())
	alerts := &recordingAlerter{}
	f.SetAlerter(alerts)

	topic := TopicFor("", "alice")
	if err := f.Init(context.Background(), topic); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if f.Len() != 2 || f.Records()[0].ID != 2 {
		t.Fatalf("records = %+v", f.Records())
	}
	if reg.RefCount(topic) != 1 {
		t.Errorf("RefCount = %d, want 1", reg.RefCount(topic))
	}

	push := func(body string) {
		reg.Dispatch(channel.Message{Topic: topic, Body: []byte(body)})
	}
	push(`{"id":5,"recipient":"alice","type":"ACHIEVEMENT_UNLOCKED","message":"10 pomodoros","payload":{"badge":"ten"},"read":false,"createdAt":"2024-05-01T12:00:00Z"}`)
	push(`{"id":5,"recipient":"alice","type":"ACHIEVEMENT_UNLOCKED","message":"dup","read":false,"createdAt":"2024-05-01T12:00:00Z"}`)
	push(`{"id":"broken"`)
	push(`{"id":6,"type":"NOT_A_KIND","message":"x"}`)

	if f.Len() != 3 {
		t.Errorf("Len() = %d, want 3", f.Len())
	}
	top := f.Records()[0]
	if top.ID != 5 || top.Kind != AchievementUnlocked || string(top.Payload) != `{"badge":"ten"}` {
		t.Errorf("top = %+v", top)
	}
	waitAlerts(t, alerts, 1)
	assertUnread(t, f)

	// A second Init does not subscribe twice.
	if err := f.Init(context.Background(), topic); err != nil {
		t.Fatalf("second Init() error = %v", err)
	}
	if reg.RefCount(topic) != 1 {
		t.Errorf("RefCount after second Init = %d, want 1", reg.RefCount(topic))
	}
}

func TestInitRefreshTakesServerReadFlag(t *testing.T) {
	cmds := &fakeCommands{notes: []api.Notification{
		{ID: 1, Type: "FRIEND_REQUEST", Message: "a", CreatedAt: base},
		{ID: 2, Type: "TASK_SHARED", Message: "b", CreatedAt: base.Add(time.Minute)},
	}}
	f := NewFeed(cmds, nil, zerolog.Nop())
	if err := f.Init(context.Background(), ""); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	before := f.Records()
	if f.UnreadCount() != 2 {
		t.Fatalf("UnreadCount = %d, want 2", f.UnreadCount())
	}

	// Read on another device while this client was offline.
	cmds.notes[0].Read = true
	cmds.notes = append(cmds.notes, api.Notification{ID: 3, Type: "TASK_COMPLETED", Message: "c", CreatedAt: base.Add(time.Hour)})
	if err := f.Init(context.Background(), ""); err != nil {
		t.Fatalf("refresh Init() error = %v", err)
	}

	if f.Len() != 3 || f.UnreadCount() != 2 {
		t.Errorf("len=%d unread=%d, want 3/2", f.Len(), f.UnreadCount())
	}
	recs := f.Records()
	if !recs[indexOf(recs, 1)].Read {
		t.Error("record 1 should be read after the refresh")
	}
	if before[indexOf(before, 1)].Read {
		t.Error("an earlier snapshot must not be mutated")
	}
	assertUnread(t, f)
}

func TestSlowAlerterDoesNotBlockPushes(t *testing.T) {
	reg := subscription.New(&fakeChannel{}, zerolog.Nop())
	f := NewFeed(&fakeCommands{}, reg, zerolog.Nop())
	alerts := &recordingAlerter{gate: make(chan struct{})}
	f.SetAlerter(alerts)
	topic := TopicFor("", "alice")
	if err := f.Init(context.Background(), topic); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		for id := 1; id <= 3; id++ {
			body := fmt.Sprintf(`{"id":%d,"type":"TASK_SHARED","message":"m","createdAt":"2024-05-01T12:00:00Z"}`, id)
			reg.Dispatch(channel.Message{Topic: topic, Body: []byte(body)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked behind the alerter")
	}
	if f.Len() != 3 {
		t.Errorf("Len() = %d, want 3", f.Len())
	}

	close(alerts.gate)
	waitAlerts(t, alerts, 3)
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	for i, r := range alerts.got {
		if r.ID != int64(i+1) {
			t.Errorf("alert %d = record %d, want in arrival order", i, r.ID)
		}
	}
}

func TestInitFetchFailureDoesNotSubscribe(t *testing.T) {
	reg := subscription.New(&fakeChannel{}, zerolog.Nop())
	f := NewFeed(&fakeCommands{fetchErr: errors.New("offline")}, reg, zerolog.Nop())

	if err := f.Init(context.Background(), "/topic/notifications/bob"); err == nil {
		t.Fatal("Init() error = nil")
	}
	if len(reg.Topics()) != 0 {
		t.Errorf("Topics() = %v, want none", reg.Topics())
	}
}

func TestResetClearsFeed(t *testing.T) {
	reg := subscription.New(&fakeChannel{}, zerolog.Nop())
	f := NewFeed(&fakeCommands{notes: []api.Notification{{ID: 1, Type: "TASK_COMPLETED", CreatedAt: base}}}, reg, zerolog.Nop())
	topic := TopicFor("", "carol")
	if err := f.Init(context.Background(), topic); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	watch := f.Watch(4)

	f.Reset()
	if f.Len() != 0 || f.UnreadCount() != 0 {
		t.Errorf("feed not empty after Reset")
	}
	if reg.RefCount(topic) != 0 {
		t.Errorf("RefCount = %d, want 0", reg.RefCount(topic))
	}
	select {
	case recs := <-watch:
		if len(recs) != 0 {
			t.Errorf("watch got %d records", len(recs))
		}
	default:
		t.Error("watch should see the reset")
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		kind  Kind
		valid bool
	}{
		{FriendRequest, true},
		{FriendRequestAccepted, true},
		{AchievementUnlocked, true},
		{TaskShared, true},
		{TaskCompleted, true},
		{"friend_request", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.valid {
			t.Errorf("Kind(%q).Valid() = %v, want %v", tt.kind, got, tt.valid)
		}
	}
	if TaskShared.Title() != "Task shared" {
		t.Errorf("Title() = %q", TaskShared.Title())
	}
}
