package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nmorag/attune/internal/config"
	"github.com/nmorag/attune/internal/observability"
	"github.com/nmorag/attune/internal/protocol"
	"github.com/nmorag/attune/internal/session"
	"github.com/nmorag/attune/internal/store"
	"github.com/nmorag/attune/internal/transport"
)

var testMetrics = observability.NewMetrics("httpapi_test")

type stubTransport struct{ active bool }

func (s *stubTransport) Start(context.Context, transport.SessionConfig) error {
	s.active = true
	return nil
}
func (s *stubTransport) Stop()                 { s.active = false }
func (s *stubTransport) SendText(string) error { return nil }
func (s *stubTransport) Active() bool          { return s.active }

type stubMinter struct {
	token string
	err   error
}

func (s *stubMinter) Mint(context.Context) (string, error) { return s.token, s.err }

func newTestServer(t *testing.T, st store.Store) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{AllowAnyOrigin: true}
	sessions := session.NewManager(st, &stubTransport{}, testMetrics, 50, 10*time.Minute, time.Hour)
	api := New(cfg, sessions, &stubMinter{token: "ek_test"}, testMetrics)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return srv, sessions
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, store.NewInMemoryStore())

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, res.StatusCode)
		}
	}
}

func TestMintTokenEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, store.NewInMemoryStore())

	res := postJSON(t, srv.URL+"/v1/voice/token", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	var out map[string]string
	decodeBody(t, res, &out)
	if out["token"] != "ek_test" {
		t.Fatalf("unexpected token payload %v", out)
	}
}

func TestCreateAndListSessions(t *testing.T) {
	srv, sessions := newTestServer(t, store.NewInMemoryStore())

	res := postJSON(t, srv.URL+"/v1/voice/sessions", map[string]string{
		"user_id":   "u1",
		"user_name": "Ada",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create returned %d", res.StatusCode)
	}
	var rec store.VoiceSession
	decodeBody(t, res, &rec)
	if rec.ID == "" || rec.UserID != "u1" || rec.IsCompleted {
		t.Fatalf("unexpected record %+v", rec)
	}

	if err := sessions.End(context.Background(), rec.ID, 30); err != nil {
		t.Fatalf("end: %v", err)
	}

	listRes, err := http.Get(srv.URL + "/v1/voice/sessions?user_id=u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var overview session.Overview
	decodeBody(t, listRes, &overview)
	if len(overview.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(overview.Sessions))
	}
	if overview.Stats.UsedSessions != 1 || overview.Stats.RemainingSessions != 49 {
		t.Fatalf("unexpected stats %+v", overview.Stats)
	}
}

func TestCreateSessionQuotaExceeded(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("done-%d", i)
		_ = st.Insert(ctx, store.VoiceSession{ID: id, UserID: "u1", StartedAt: time.Now()})
		_ = st.Complete(ctx, id, 60, time.Now())
	}
	srv, _ := newTestServer(t, st)

	res := postJSON(t, srv.URL+"/v1/voice/sessions", map[string]string{"user_id": "u1"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.StatusCode)
	}
	var out map[string]any
	decodeBody(t, res, &out)
	if out["limit"] != true {
		t.Fatalf("quota response missing limit flag: %v", out)
	}
}

func TestCreateSessionIncompleteConflict(t *testing.T) {
	st := store.NewInMemoryStore()
	_ = st.Insert(context.Background(), store.VoiceSession{ID: "open", UserID: "u1", StartedAt: time.Now()})
	srv, _ := newTestServer(t, st)

	res := postJSON(t, srv.URL+"/v1/voice/sessions", map[string]string{"user_id": "u1"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.StatusCode)
	}
	var out map[string]any
	decodeBody(t, res, &out)
	if out["hasIncompleteSession"] != true {
		t.Fatalf("conflict response missing flag: %v", out)
	}
}

func TestUpdateSessionHeartbeatAndComplete(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	_ = st.Insert(ctx, store.VoiceSession{ID: "s1", UserID: "u1", StartedAt: time.Now()})
	srv, _ := newTestServer(t, st)

	put := func(body map[string]any) *http.Response {
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/voice/sessions/s1", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		return res
	}

	res := put(map[string]any{"duration_seconds": 35})
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat returned %d", res.StatusCode)
	}
	rec, _ := st.Get(ctx, "s1")
	if rec.DurationSeconds != 35 {
		t.Fatalf("duration not persisted: %d", rec.DurationSeconds)
	}

	res = put(map[string]any{"duration_seconds": 62, "is_completed": true})
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete returned %d", res.StatusCode)
	}
	rec, _ = st.Get(ctx, "s1")
	if !rec.IsCompleted || rec.DurationSeconds != 62 {
		t.Fatalf("completion not applied: %+v", rec)
	}

	// Heartbeat after completion conflicts.
	res = put(map[string]any{"duration_seconds": 70})
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 after completion, got %d", res.StatusCode)
	}
}

func TestResumeEndpoint(t *testing.T) {
	st := store.NewInMemoryStore()
	_ = st.Insert(context.Background(), store.VoiceSession{ID: "open", UserID: "u1", DurationSeconds: 200, StartedAt: time.Now()})
	srv, _ := newTestServer(t, st)

	res := postJSON(t, srv.URL+"/v1/voice/sessions/open/resume", map[string]string{"user_name": "Ada"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resume returned %d", res.StatusCode)
	}
	var rec store.VoiceSession
	decodeBody(t, res, &rec)
	if rec.ID != "open" || rec.DurationSeconds != 200 {
		t.Fatalf("unexpected resumed record %+v", rec)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t, store.NewInMemoryStore())

	res, err := http.Get(srv.URL + "/v1/voice/sessions/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestSessionWSReceivesStatusEvents(t *testing.T) {
	st := store.NewInMemoryStore()
	srv, sessions := newTestServer(t, st)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/voice/sessions/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	rec, err := sessions.Start(context.Background(), "u1", session.StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var status protocol.SessionStatus
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("read: %v", err)
	}
	if status.Type != protocol.TypeSessionStatus || status.SessionID != rec.ID || status.Status != "active" {
		t.Fatalf("unexpected event %+v", status)
	}
}

func TestSessionWSRejectsUnknownClientMessage(t *testing.T) {
	srv, _ := newTestServer(t, store.NewInMemoryStore())

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/voice/sessions/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("read: %v", err)
	}
	if errEvent.Type != protocol.TypeErrorEvent {
		t.Fatalf("expected error event, got %+v", errEvent)
	}
}
