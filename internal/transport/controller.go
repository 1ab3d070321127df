// Package transport owns the bidirectional audio+control connection to the
// remote conversational agent: credential fetch, offer/answer negotiation,
// the microphone track, the playback sink, and the JSON control channel.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/nmorag/attune/internal/observability"
	"github.com/nmorag/attune/internal/realtime"
	"github.com/nmorag/attune/internal/reliability"
)

const controlChannelLabel = "oai-events"

// CredentialSource issues one ephemeral bearer token per negotiation.
type CredentialSource interface {
	Mint(ctx context.Context) (string, error)
}

// SessionConfig carries the per-session persona parameters sent over the
// control channel right after it opens.
type SessionConfig struct {
	SessionID string
	UserName  string
	Topic     string
}

type Config struct {
	BaseURL            string
	Model              string
	Voice              string
	TranscriptionModel string
	STUNServer         string
	Temperature        float64
	MaxResponseTokens  int
}

// peerSession is the single explicitly owned object holding all connection
// state for one negotiation. Every mutation goes through the controller's
// mutex; nothing about the connection lives in free-floating variables.
type peerSession struct {
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	stopTrack func()
	sink      PlaybackSink

	connecting bool
	active     bool
	stopped    bool
}

// Controller negotiates and tears down one connection at a time.
type Controller struct {
	cfg         Config
	credentials CredentialSource
	capture     CaptureDevice
	newSink     func() PlaybackSink
	parser      *realtime.Parser
	metrics     *observability.Metrics
	httpClient  *http.Client

	mu   sync.Mutex
	sess *peerSession
}

func NewController(cfg Config, credentials CredentialSource, capture CaptureDevice, newSink func() PlaybackSink, metrics *observability.Metrics) *Controller {
	c := &Controller{
		cfg:         cfg,
		credentials: credentials,
		capture:     capture,
		newSink:     newSink,
		parser:      realtime.NewParser(),
		metrics:     metrics,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	c.parser.OnParseError(func(error) {
		metrics.ParseErrors.Inc()
	})
	c.parser.OnUpstreamError(func(ue realtime.UpstreamError) {
		retryable := reliability.IsRetryableRealtimeEventType(ue.Type)
		log.Printf("transport: upstream error %s (%s): %s retryable=%v", ue.Type, ue.Code, ue.Message, retryable)
		label := "upstream_error"
		if retryable {
			label = "upstream_error_retryable"
		}
		metrics.TransportEvents.WithLabelValues(label).Inc()
	})
	return c
}

// Parser exposes the turn streams decoded from the control channel. Handlers
// should be registered once, before the first Start.
func (c *Controller) Parser() *realtime.Parser { return c.parser }

func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.active
}

// Start negotiates a new connection. It is a no-op when a negotiation is in
// flight or a session is active. Any failure tears down everything created so
// far before returning, so the caller always retries from a clean slate.
func (c *Controller) Start(ctx context.Context, sc SessionConfig) error {
	c.mu.Lock()
	if c.sess != nil && (c.sess.connecting || c.sess.active) {
		c.mu.Unlock()
		return nil
	}
	s := &peerSession{connecting: true}
	c.sess = s
	c.mu.Unlock()

	c.parser.Reset()
	c.metrics.TransportEvents.WithLabelValues("start_attempt").Inc()

	token, err := c.credentials.Mint(ctx)
	if err != nil {
		c.abort(s)
		return fmt.Errorf("%w: %w", ErrCredential, err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{c.cfg.STUNServer}}},
	})
	if err != nil {
		c.abort(s)
		return fmt.Errorf("%w: create peer connection: %w", ErrNegotiation, err)
	}
	if !c.attach(s, func(s *peerSession) { s.pc = pc }) {
		_ = pc.Close()
		return context.Canceled
	}

	track, stopTrack, err := c.capture.OpenTrack(defaultCaptureOptions())
	if err != nil {
		c.abort(s)
		return fmt.Errorf("%w: %w", ErrMediaAccess, err)
	}
	if !c.attach(s, func(s *peerSession) { s.stopTrack = stopTrack }) {
		stopTrack()
		return context.Canceled
	}
	if _, err := pc.AddTrack(track); err != nil {
		c.abort(s)
		return fmt.Errorf("%w: add track: %w", ErrNegotiation, err)
	}

	sink := c.newSink()
	if !c.attach(s, func(s *peerSession) { s.sink = sink }) {
		sink.Release()
		return context.Canceled
	}
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() == webrtc.RTPCodecTypeAudio {
			sink.Play(remote)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		// Transient ICE failures can self-heal; only user action or the
		// duration cap terminates a session.
		log.Printf("transport: connection state %s", state)
		c.metrics.TransportEvents.WithLabelValues("state_" + state.String()).Inc()
	})

	ordered := true
	dc, err := pc.CreateDataChannel(controlChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		c.abort(s)
		return fmt.Errorf("%w: create control channel: %w", ErrNegotiation, err)
	}
	if !c.attach(s, func(s *peerSession) { s.dc = dc }) {
		return context.Canceled
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.parser.HandleMessage(msg.Data)
	})
	dc.OnOpen(func() {
		if err := c.sendSessionConfig(dc, sc); err != nil {
			log.Printf("transport: send session config: %v", err)
			c.metrics.TransportEvents.WithLabelValues("config_send_failed").Inc()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.abort(s)
		return fmt.Errorf("%w: create offer: %w", ErrNegotiation, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.abort(s)
		return fmt.Errorf("%w: set local description: %w", ErrNegotiation, err)
	}

	answerSDP, err := c.negotiate(ctx, token, offer.SDP)
	if err != nil {
		c.abort(s)
		return err
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		c.abort(s)
		return fmt.Errorf("%w: set remote description: %w", ErrNegotiation, err)
	}

	c.mu.Lock()
	if c.sess != s || s.stopped {
		c.mu.Unlock()
		return context.Canceled
	}
	s.connecting = false
	s.active = true
	c.mu.Unlock()

	c.metrics.TransportEvents.WithLabelValues("started").Inc()
	return nil
}

// negotiate POSTs the raw SDP offer and returns the SDP answer body.
func (c *Controller) negotiate(ctx context.Context, token, offerSDP string) (string, error) {
	url := fmt.Sprintf("%s?model=%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %w", ErrNegotiation, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", ErrNegotiation, res.StatusCode, strings.TrimSpace(string(body)))
	}
	c.metrics.ObserveNegotiationLatency(time.Since(start))

	answer := string(body)
	if !strings.Contains(answer, "v=0") {
		return "", fmt.Errorf("%w: response is not an SDP answer", ErrNegotiation)
	}
	return answer, nil
}

// sendSessionConfig sends the two post-open configuration messages: persona
// instructions first, then the transcription enablement.
func (c *Controller) sendSessionConfig(dc *webrtc.DataChannel, sc SessionConfig) error {
	name := strings.TrimSpace(sc.UserName)
	if name == "" {
		name = "there"
	}
	instructions := fmt.Sprintf(
		"You are Attune, a warm, attentive companion speaking with %s. Listen closely, respond gently, and keep answers brief and conversational.", name)
	if topic := strings.TrimSpace(sc.Topic); topic != "" {
		instructions += fmt.Sprintf(" They would like to talk about: %s.", topic)
	}

	persona := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions":               instructions,
			"voice":                      c.cfg.Voice,
			"temperature":                c.cfg.Temperature,
			"max_response_output_tokens": c.cfg.MaxResponseTokens,
		},
	}
	transcription := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities": []string{"audio", "text"},
			"input_audio_transcription": map[string]any{
				"model": c.cfg.TranscriptionModel,
			},
		},
	}

	for _, msg := range []map[string]any{persona, transcription} {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := dc.SendText(string(data)); err != nil {
			return err
		}
	}
	return nil
}

// SendText injects a typed user message into the conversation and asks the
// agent to respond.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	var dc *webrtc.DataChannel
	if c.sess != nil && c.sess.active {
		dc = c.sess.dc
	}
	c.mu.Unlock()
	if dc == nil {
		return ErrNotActive
	}

	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	for _, msg := range []map[string]any{item, {"type": "response.create"}} {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := dc.SendText(string(data)); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears down the current session unconditionally: local track stopped,
// control channel closed, peer connection closed, playback sink released.
// Idempotent, and safe mid-negotiation; the in-flight Start observes the
// stopped flag and unwinds.
func (c *Controller) Stop() {
	c.mu.Lock()
	s := c.sess
	if s != nil {
		s.stopped = true
		c.sess = nil
	}
	c.mu.Unlock()

	if s == nil {
		return
	}
	teardown(s)
	c.metrics.TransportEvents.WithLabelValues("stopped").Inc()
}

// attach records a freshly created resource on the session, unless Stop won
// the race, in which case the caller must release the resource itself.
func (c *Controller) attach(s *peerSession, fn func(*peerSession)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || s.stopped {
		return false
	}
	fn(s)
	return true
}

// abort unwinds a failed start attempt. Afterwards no media track, channel,
// or connection created by that attempt remains open.
func (c *Controller) abort(s *peerSession) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	s.stopped = true
	c.mu.Unlock()

	teardown(s)
	c.metrics.TransportEvents.WithLabelValues("start_failed").Inc()
}

func teardown(s *peerSession) {
	if s.stopTrack != nil {
		s.stopTrack()
	}
	if s.dc != nil {
		_ = s.dc.Close()
	}
	if s.pc != nil {
		_ = s.pc.Close()
	}
	if s.sink != nil {
		s.sink.Release()
	}
}
