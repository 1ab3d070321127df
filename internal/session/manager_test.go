package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nmorag/attune/internal/observability"
	"github.com/nmorag/attune/internal/protocol"
	"github.com/nmorag/attune/internal/store"
	"github.com/nmorag/attune/internal/transport"
)

var testMetrics = observability.NewMetrics("session_test")

type fakeTransport struct {
	mu         sync.Mutex
	startErr   error
	startCalls int
	stopCalls  int
	active     bool
	sent       []string
	lastConfig transport.SessionConfig
}

func (f *fakeTransport) Start(_ context.Context, cfg transport.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.lastConfig = cfg
	if f.startErr != nil {
		return f.startErr
	}
	f.active = true
	return nil
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.active = false
}

func (f *fakeTransport) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return transport.ErrNotActive
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// newTestManager uses a one-hour heartbeat interval so the background loop
// never fires; tests drive Heartbeat directly.
func newTestManager(st store.Store, tr Transport) *Manager {
	return NewManager(st, tr, testMetrics, 50, 10*time.Minute, time.Hour)
}

func seedCompleted(t *testing.T, st store.Store, userID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("done-%d", i)
		if err := st.Insert(ctx, store.VoiceSession{ID: id, UserID: userID, StartedAt: time.Now()}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := st.Complete(ctx, id, 60, time.Now()); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
}

func TestStartAtQuotaBoundary(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	tr := &fakeTransport{}
	m := newTestManager(st, tr)

	seedCompleted(t, st, "u1", 49)

	// 49 used of 50: the 50th session starts.
	rec, err := m.Start(ctx, "u1", StartOptions{UserName: "Ada"})
	if err != nil {
		t.Fatalf("start at 49/50: %v", err)
	}
	if err := m.End(ctx, rec.ID, 30); err != nil {
		t.Fatalf("end: %v", err)
	}

	// 50 used of 50: the next one is refused.
	if _, err := m.Start(ctx, "u1", StartOptions{}); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

// gatedStore holds Insert open so a second caller can try to slip through the
// creation guards while the first is mid-insert.
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Insert(ctx context.Context, s store.VoiceSession) error {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.Insert(ctx, s)
}

func TestConcurrentStartsCreateOneSession(t *testing.T) {
	ctx := context.Background()
	gs := &gatedStore{
		Store:   store.NewInMemoryStore(),
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	tr := &fakeTransport{}
	m := NewManager(gs, tr, testMetrics, 50, 10*time.Minute, time.Hour)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.Start(ctx, "u1", StartOptions{})
			errs <- err
		}()
	}

	// First caller is parked inside Insert; give the second every chance to
	// race past the guards before letting the insert land.
	<-gs.entered
	time.Sleep(50 * time.Millisecond)
	close(gs.release)

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) != 1 {
		t.Fatalf("expected exactly one refused start, got failures=%v", failures)
	}
	if !errors.Is(failures[0], ErrSessionActive) && !errors.Is(failures[0], ErrIncompleteSession) {
		t.Fatalf("unexpected refusal: %v", failures[0])
	}

	sessions, err := gs.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	incomplete := 0
	for _, s := range sessions {
		if !s.IsCompleted {
			incomplete++
		}
	}
	if incomplete != 1 {
		t.Fatalf("expected exactly one incomplete session, got %d", incomplete)
	}

	// The loser must not have torn down the winner's transport.
	tr.mu.Lock()
	stops := tr.stopCalls
	active := tr.active
	tr.mu.Unlock()
	if stops != 0 || !active {
		t.Fatalf("winner's transport disturbed: stops=%d active=%v", stops, active)
	}
	if m.ActiveSessionID() == "" {
		t.Fatalf("winner's run missing")
	}
}

func TestStartIgnoresPreviousCycleSessions(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	m := newTestManager(st, &fakeTransport{})

	// A full quota's worth of sessions, all from before this cycle began.
	lastCycle := store.CycleStart(time.Now()).Add(-time.Hour)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("old-%d", i)
		_ = st.Insert(ctx, store.VoiceSession{ID: id, UserID: "u1", StartedAt: lastCycle})
		_ = st.Complete(ctx, id, 60, lastCycle.Add(time.Minute))
	}

	if _, err := m.Start(ctx, "u1", StartOptions{}); err != nil {
		t.Fatalf("previous cycle's sessions must not consume quota: %v", err)
	}
}

func TestStartRefusedWhileIncompleteExists(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	m := newTestManager(st, &fakeTransport{})

	_ = st.Insert(ctx, store.VoiceSession{ID: "open", UserID: "u1", DurationSeconds: 120, StartedAt: time.Now()})

	if _, err := m.Start(ctx, "u1", StartOptions{}); !errors.Is(err, ErrIncompleteSession) {
		t.Fatalf("expected ErrIncompleteSession, got %v", err)
	}
}

func TestStartRefusedWhileRunActive(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	m := newTestManager(st, &fakeTransport{})

	rec, err := m.Start(ctx, "u1", StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.ActiveSessionID() != rec.ID {
		t.Fatalf("expected active run %s, got %q", rec.ID, m.ActiveSessionID())
	}

	if _, err := m.Start(ctx, "u2", StartOptions{}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestTransportFailureLeavesRecordResumable(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	tr := &fakeTransport{startErr: fmt.Errorf("%w: upstream 500", transport.ErrCredential)}
	m := newTestManager(st, tr)

	if _, err := m.Start(ctx, "u1", StartOptions{}); !errors.Is(err, transport.ErrCredential) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if m.ActiveSessionID() != "" {
		t.Fatalf("no run should be active after a failed start")
	}

	// The record exists, incomplete, and blocks a fresh start.
	rec, ok, err := st.FindIncomplete(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("expected a resumable record, got ok=%v err=%v", ok, err)
	}
	if rec.IsCompleted {
		t.Fatalf("record must stay incomplete")
	}

	// Once the transport recovers, ResumeLatest continues the same record.
	tr.startErr = nil
	resumed, err := m.ResumeLatest(ctx, "u1", StartOptions{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID != rec.ID {
		t.Fatalf("resumed wrong record: %s != %s", resumed.ID, rec.ID)
	}
}

func TestResumeCountsFromPersistedDuration(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	m := newTestManager(st, &fakeTransport{})

	_ = st.Insert(ctx, store.VoiceSession{ID: "open", UserID: "u1", DurationSeconds: 300, StartedAt: time.Now()})

	if _, err := m.Resume(ctx, "open", StartOptions{}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// A heartbeat below the persisted value is superseded, never a regression.
	if err := m.Heartbeat(ctx, "open", 290); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	rec, _ := st.Get(ctx, "open")
	if rec.DurationSeconds != 300 {
		t.Fatalf("duration regressed to %d", rec.DurationSeconds)
	}

	if err := m.Heartbeat(ctx, "open", 305); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	rec, _ = st.Get(ctx, "open")
	if rec.DurationSeconds != 305 {
		t.Fatalf("duration not advanced: %d", rec.DurationSeconds)
	}
}

func TestResumeCompletedSessionRefused(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	m := newTestManager(st, &fakeTransport{})

	_ = st.Insert(ctx, store.VoiceSession{ID: "old", UserID: "u1", StartedAt: time.Now()})
	_ = st.Complete(ctx, "old", 60, time.Now())

	if _, err := m.Resume(ctx, "old", StartOptions{}); !errors.Is(err, store.ErrCompleted) {
		t.Fatalf("expected ErrCompleted, got %v", err)
	}
}

func TestHeartbeatAtCapEndsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	tr := &fakeTransport{}
	m := newTestManager(st, tr)

	rec, err := m.Start(ctx, "u1", StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Approaching the cap: nothing ends.
	if err := m.Heartbeat(ctx, rec.ID, 595); err != nil {
		t.Fatalf("heartbeat 595: %v", err)
	}
	if m.ActiveSessionID() != rec.ID {
		t.Fatalf("session ended early")
	}

	// Crossing the cap ends the session with the duration clamped to the cap.
	if err := m.Heartbeat(ctx, rec.ID, 601); err != nil {
		t.Fatalf("heartbeat 601: %v", err)
	}
	if m.ActiveSessionID() != "" {
		t.Fatalf("session still active past the cap")
	}

	got, _ := st.Get(ctx, rec.ID)
	if !got.IsCompleted {
		t.Fatalf("record not completed")
	}
	if got.DurationSeconds != 600 {
		t.Fatalf("final duration must be clamped to the cap, got %d", got.DurationSeconds)
	}
	if tr.stopCalls != 1 {
		t.Fatalf("transport stopped %d times, want 1", tr.stopCalls)
	}

	// Heartbeats after completion are rejected.
	if err := m.Heartbeat(ctx, rec.ID, 610); !errors.Is(err, store.ErrCompleted) {
		t.Fatalf("expected ErrCompleted after end, got %v", err)
	}
	got, _ = st.Get(ctx, rec.ID)
	if got.DurationSeconds != 600 {
		t.Fatalf("duration moved after completion: %d", got.DurationSeconds)
	}
}

func TestExternalHeartbeatAtCapCompletesSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	tr := &fakeTransport{}
	m := newTestManager(st, tr)

	// A client that negotiated its own transport leg drives this record
	// purely through heartbeats; the manager holds no run for it.
	live, err := m.Start(ctx, "u2", StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = st.Insert(ctx, store.VoiceSession{ID: "open", UserID: "u1", DurationSeconds: 590, StartedAt: time.Now()})

	if err := m.Heartbeat(ctx, "open", 700); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	rec, _ := st.Get(ctx, "open")
	if !rec.IsCompleted {
		t.Fatalf("cap must finalize an externally driven session")
	}
	if rec.DurationSeconds != 600 {
		t.Fatalf("final duration must equal the cap, got %d", rec.DurationSeconds)
	}

	// The unrelated live run keeps its transport.
	if !tr.Active() || m.ActiveSessionID() != live.ID {
		t.Fatalf("live run disturbed by an external session's cap")
	}

	// Heartbeats after the cap-triggered end are rejected.
	if err := m.Heartbeat(ctx, "open", 800); !errors.Is(err, store.ErrCompleted) {
		t.Fatalf("expected ErrCompleted, got %v", err)
	}
}

func TestEndIsScopedToItsSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	tr := &fakeTransport{}
	m := newTestManager(st, tr)

	rec, err := m.Start(ctx, "u1", StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Finalizing an unrelated old record must not touch the live transport.
	_ = st.Insert(ctx, store.VoiceSession{ID: "stale", UserID: "u2", StartedAt: time.Now()})
	if err := m.End(ctx, "stale", 40); err != nil {
		t.Fatalf("end stale: %v", err)
	}
	if !tr.Active() {
		t.Fatalf("live transport was stopped by an unrelated end")
	}
	if m.ActiveSessionID() != rec.ID {
		t.Fatalf("live run cleared by an unrelated end")
	}

	if err := m.End(ctx, rec.ID, 120); err != nil {
		t.Fatalf("end: %v", err)
	}
	if tr.Active() {
		t.Fatalf("transport still active after end")
	}
}

func TestShutdownPersistsActiveRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	m := newTestManager(st, &fakeTransport{})

	rec, err := m.Start(ctx, "u1", StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	m.Shutdown(ctx)

	got, _ := st.Get(ctx, rec.ID)
	if !got.IsCompleted {
		t.Fatalf("shutdown left the session incomplete")
	}
	if m.ActiveSessionID() != "" {
		t.Fatalf("run still active after shutdown")
	}
}

func TestSendTextRequiresActiveRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	tr := &fakeTransport{}
	m := newTestManager(st, tr)

	if err := m.SendText("hello"); !errors.Is(err, transport.ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}

	if _, err := m.Start(ctx, "u1", StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.SendText("hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(tr.sent) != 1 || tr.sent[0] != "hello" {
		t.Fatalf("text not forwarded: %v", tr.sent)
	}
}

func TestSubscribeReceivesStatusEvents(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	m := newTestManager(st, &fakeTransport{})

	ch, cancel := m.Subscribe("")
	defer cancel()

	rec, err := m.Start(ctx, "u1", StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.End(ctx, rec.ID, 15); err != nil {
		t.Fatalf("end: %v", err)
	}

	statuses := drainStatuses(ch)
	if len(statuses) != 2 || statuses[0] != "active" || statuses[1] != "completed" {
		t.Fatalf("unexpected status sequence: %v", statuses)
	}
}

func drainStatuses(ch <-chan any) []string {
	var out []string
	for {
		select {
		case msg := <-ch:
			if s, ok := msg.(protocol.SessionStatus); ok {
				out = append(out, s.Status)
			}
		default:
			return out
		}
	}
}
