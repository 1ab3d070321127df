// Package session orchestrates the lifecycle of persisted voice sessions:
// quota enforcement, creation, resumption, heartbeats, the hard duration cap,
// and completion. It bridges UI intent to the transport controller and the
// store.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmorag/attune/internal/observability"
	"github.com/nmorag/attune/internal/protocol"
	"github.com/nmorag/attune/internal/realtime"
	"github.com/nmorag/attune/internal/store"
	"github.com/nmorag/attune/internal/transport"
)

// Transport is the surface the manager drives; the concrete controller lives
// in internal/transport.
type Transport interface {
	Start(ctx context.Context, cfg transport.SessionConfig) error
	Stop()
	SendText(text string) error
	Active() bool
}

// activeRun is the process-local state for one live session: the wall-clock
// base the timer counts from and the heartbeat loop's cancellation.
type activeRun struct {
	sessionID   string
	userID      string
	baseSeconds int
	startedAt   time.Time
	cancel      context.CancelFunc
	capped      bool
}

type subscriber struct {
	sessionID string
	ch        chan any
}

type Manager struct {
	store     store.Store
	transport Transport
	metrics   *observability.Metrics

	totalPerCycle     int
	durationCap       time.Duration
	heartbeatInterval time.Duration

	// opMu serializes the create/resume path end to end, so the quota and
	// single-incomplete-session guards and the insert they protect act as
	// one step. mu guards only the fast-changing run/subscriber state.
	opMu sync.Mutex

	mu      sync.Mutex
	run     *activeRun
	subs    map[int]*subscriber
	nextSub int
}

func NewManager(st store.Store, tr Transport, metrics *observability.Metrics, totalPerCycle int, durationCap, heartbeatInterval time.Duration) *Manager {
	if totalPerCycle <= 0 {
		totalPerCycle = 50
	}
	if durationCap <= 0 {
		durationCap = 10 * time.Minute
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}
	return &Manager{
		store:             st,
		transport:         tr,
		metrics:           metrics,
		totalPerCycle:     totalPerCycle,
		durationCap:       durationCap,
		heartbeatInterval: heartbeatInterval,
		subs:              make(map[int]*subscriber),
	}
}

// AttachStreams wires the parser's turn streams to the UI event fan-out.
// Called once at composition time, before any session starts.
func (m *Manager) AttachStreams(user, agent *realtime.Stream) {
	user.OnDelta(func(delta, accumulated string) {
		m.publish(protocol.UserTranscriptDelta{
			Type:      protocol.TypeUserTranscriptDelta,
			SessionID: m.currentSessionID(),
			Delta:     delta,
			Text:      accumulated,
		})
	})
	user.OnComplete(func(final string) {
		m.publish(protocol.UserTranscriptFinal{
			Type:      protocol.TypeUserTranscriptFinal,
			SessionID: m.currentSessionID(),
			Text:      final,
		})
	})
	agent.OnDelta(func(delta, accumulated string) {
		m.publish(protocol.AgentTranscriptDelta{
			Type:      protocol.TypeAgentTranscriptDelta,
			SessionID: m.currentSessionID(),
			Delta:     delta,
			Text:      accumulated,
		})
	})
	agent.OnComplete(func(final string) {
		m.publish(protocol.AgentTranscriptFinal{
			Type:      protocol.TypeAgentTranscriptFinal,
			SessionID: m.currentSessionID(),
			Text:      final,
		})
	})
}

// Get fetches one session record.
func (m *Manager) Get(ctx context.Context, sessionID string) (store.VoiceSession, error) {
	return m.store.Get(ctx, sessionID)
}

// List returns the user's sessions plus stats recomputed from the collection.
func (m *Manager) List(ctx context.Context, userID string) (Overview, error) {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return Overview{}, err
	}
	return Overview{
		Sessions: sessions,
		Stats:    store.DeriveStats(sessions, m.totalPerCycle, store.CycleStart(time.Now())),
	}, nil
}

// Start creates a new session record and brings up the transport. Quota and
// the single-incomplete-session invariant are checked first; when either guard
// trips, nothing is created. The whole path holds opMu, so two concurrent
// creates for one user cannot both pass the guards and both insert.
func (m *Manager) Start(ctx context.Context, userID string, opts StartOptions) (store.VoiceSession, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.run != nil {
		m.mu.Unlock()
		return store.VoiceSession{}, ErrSessionActive
	}
	m.mu.Unlock()

	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return store.VoiceSession{}, err
	}
	stats := store.DeriveStats(sessions, m.totalPerCycle, store.CycleStart(time.Now()))
	if stats.IncompleteID != "" {
		return store.VoiceSession{}, ErrIncompleteSession
	}
	if stats.UsedSessions >= stats.TotalSessions {
		return store.VoiceSession{}, ErrQuotaExceeded
	}

	rec := store.VoiceSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: time.Now().UTC(),
	}
	if err := m.store.Insert(ctx, rec); err != nil {
		return store.VoiceSession{}, err
	}
	m.metrics.SessionEvents.WithLabelValues("created").Inc()

	if err := m.startRun(ctx, rec, 0, opts); err != nil {
		// The record stays incomplete and therefore resumable; the next
		// attempt goes through Resume with a clean transport.
		return store.VoiceSession{}, err
	}
	return rec, nil
}

// Resume continues an abandoned session, counting from its last persisted
// duration rather than zero.
func (m *Manager) Resume(ctx context.Context, sessionID string, opts StartOptions) (store.VoiceSession, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.resume(ctx, sessionID, opts)
}

// ResumeLatest resumes the user's open session without the caller naming its
// id. When the user has none, ErrNotFound is returned.
func (m *Manager) ResumeLatest(ctx context.Context, userID string, opts StartOptions) (store.VoiceSession, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	rec, ok, err := m.store.FindIncomplete(ctx, userID)
	if err != nil {
		return store.VoiceSession{}, err
	}
	if !ok {
		return store.VoiceSession{}, store.ErrNotFound
	}
	return m.resume(ctx, rec.ID, opts)
}

// resume is the body of Resume; callers hold opMu.
func (m *Manager) resume(ctx context.Context, sessionID string, opts StartOptions) (store.VoiceSession, error) {
	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return store.VoiceSession{}, err
	}
	if rec.IsCompleted {
		return store.VoiceSession{}, store.ErrCompleted
	}

	if err := m.startRun(ctx, rec, rec.DurationSeconds, opts); err != nil {
		return store.VoiceSession{}, err
	}
	m.metrics.SessionEvents.WithLabelValues("resumed").Inc()
	return rec, nil
}

// startRun claims the run slot before touching the transport, so a claim
// conflict never tears down a connection this call did not start. Callers
// hold opMu.
func (m *Manager) startRun(ctx context.Context, rec store.VoiceSession, baseSeconds int, opts StartOptions) error {
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{
		sessionID:   rec.ID,
		userID:      rec.UserID,
		baseSeconds: baseSeconds,
		startedAt:   time.Now(),
		cancel:      cancel,
	}

	m.mu.Lock()
	if m.run != nil {
		m.mu.Unlock()
		cancel()
		return ErrSessionActive
	}
	m.run = run
	m.mu.Unlock()

	if err := m.transport.Start(ctx, transport.SessionConfig{
		SessionID: rec.ID,
		UserName:  opts.UserName,
		Topic:     opts.Topic,
	}); err != nil {
		m.mu.Lock()
		if m.run == run {
			m.run = nil
		}
		m.mu.Unlock()
		cancel()
		return err
	}

	m.mu.Lock()
	if m.run != run {
		// The session was ended while the transport was coming up.
		m.mu.Unlock()
		cancel()
		m.transport.Stop()
		return context.Canceled
	}
	m.mu.Unlock()

	m.metrics.ActiveSessions.Set(1)
	m.publishStatus(rec.ID, "active", baseSeconds)
	go m.heartbeatLoop(runCtx, run)
	return nil
}

// heartbeatLoop persists the running duration on a fixed cadence. The value
// comes from wall-clock elapsed time, not from the previous write, so a slow
// or failed write is superseded by the next tick's larger value.
func (m *Manager) heartbeatLoop(ctx context.Context, run *activeRun) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seconds := run.baseSeconds + int(time.Since(run.startedAt).Seconds())
			if err := m.Heartbeat(context.Background(), run.sessionID, seconds); err != nil {
				return
			}
		}
	}
}

// Heartbeat upserts the running duration. Persistence failures are logged and
// swallowed; the next tick retries implicitly. A heartbeat at or past the hard
// cap is clamped to it and triggers exactly one End, so a persisted duration
// never exceeds the cap. Heartbeats for a completed session are rejected.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string, seconds int) error {
	capSeconds := int(m.durationCap.Seconds())
	reachedCap := seconds >= capSeconds
	if reachedCap {
		seconds = capSeconds
	}

	if err := m.store.UpdateDuration(ctx, sessionID, seconds); err != nil {
		if errors.Is(err, store.ErrCompleted) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		log.Printf("session: heartbeat write failed for %s: %v", sessionID, err)
		m.metrics.HeartbeatFailures.Inc()
		return nil
	}
	m.metrics.SessionEvents.WithLabelValues("heartbeat").Inc()

	if !reachedCap {
		return nil
	}

	// The cap finalizes the session whether or not this process owns the
	// run: externally driven sessions (clients holding their own transport
	// leg) hit this path through the update endpoint. For the owned run the
	// capped flag keeps End exactly-once; for external sessions the store's
	// completed guard rejects every heartbeat after the first.
	m.mu.Lock()
	run := m.run
	owned := run != nil && run.sessionID == sessionID
	trigger := true
	if owned {
		if run.capped {
			trigger = false
		} else {
			run.capped = true
		}
	}
	m.mu.Unlock()

	if trigger {
		log.Printf("session: %s reached the duration cap, ending", sessionID)
		m.metrics.SessionEvents.WithLabelValues("capped").Inc()
		if err := m.End(ctx, sessionID, capSeconds); err != nil {
			log.Printf("session: cap-triggered end failed for %s: %v", sessionID, err)
		}
	}
	return nil
}

// End finalizes the record and tears the transport down. Safe to call for a
// session that is not the active run; the transport is only stopped when it
// belongs to this session.
func (m *Manager) End(ctx context.Context, sessionID string, seconds int) error {
	m.mu.Lock()
	run := m.run
	owned := run != nil && run.sessionID == sessionID
	if owned {
		m.run = nil
		run.cancel()
	}
	idle := m.run == nil
	m.mu.Unlock()

	if owned || idle {
		m.transport.Stop()
	}
	if owned {
		m.metrics.ActiveSessions.Set(0)
	}

	if err := m.store.Complete(ctx, sessionID, seconds, time.Now().UTC()); err != nil {
		return err
	}
	m.metrics.SessionEvents.WithLabelValues("ended").Inc()
	m.publishStatus(sessionID, "completed", seconds)
	return nil
}

// SendText forwards a typed message into the live conversation.
func (m *Manager) SendText(text string) error {
	return m.transport.SendText(text)
}

// ActiveSessionID returns the live run's session id, or empty when idle.
func (m *Manager) ActiveSessionID() string {
	return m.currentSessionID()
}

// Shutdown ends the active run, if any, persisting its current duration so the
// record is either completed cleanly or left resumable by a crash.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	run := m.run
	m.mu.Unlock()
	if run == nil {
		return
	}
	seconds := run.baseSeconds + int(time.Since(run.startedAt).Seconds())
	if err := m.End(ctx, run.sessionID, seconds); err != nil {
		log.Printf("session: shutdown end failed for %s: %v", run.sessionID, err)
	}
}

// Subscribe registers a UI listener for one session's events. The returned
// cancel func must be called when the listener goes away.
func (m *Manager) Subscribe(sessionID string) (<-chan any, func()) {
	ch := make(chan any, 256)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = &subscriber{sessionID: sessionID, ch: ch}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) currentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return ""
	}
	return m.run.sessionID
}

func (m *Manager) publishStatus(sessionID, status string, seconds int) {
	m.publish(protocol.SessionStatus{
		Type:            protocol.TypeSessionStatus,
		SessionID:       sessionID,
		Status:          status,
		DurationSeconds: seconds,
	})
}

// publish fans an event out to matching subscribers, dropping when a listener
// is saturated so the event path never blocks.
func (m *Manager) publish(msg any) {
	sessionID := protocol.SessionIDOf(msg)
	m.mu.Lock()
	targets := make([]*subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.sessionID == "" || sub.sessionID == sessionID {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}
