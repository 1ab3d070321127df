// Package realtime decodes the ordered JSON event stream arriving on the
// control channel into two independent turn streams: what the user said and
// what the agent said. Dispatch is single-threaded; HandleMessage must be
// called from one goroutine, which matches the ordered data channel feeding it.
package realtime

import (
	"encoding/json"
	"log"
	"strings"
)

// Event types consumed from the control channel. Deltas carry their text in
// the "delta" field and completions in "transcript"; older protocol revisions
// used alternate keys, which are treated as deprecated and handled by falling
// back to the accumulated buffer when a completion arrives empty.
const (
	eventUserTranscriptDelta     = "conversation.item.input_audio_transcription.delta"
	eventUserTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	eventAgentTranscriptDelta    = "response.audio_transcript.delta"
	eventAgentTranscriptDone     = "response.audio_transcript.done"
	eventResponseCreated         = "response.created"
	eventResponseDone            = "response.done"
	eventOutputItemDone          = "response.output_item.done"
	eventConversationItemCreated = "conversation.item.created"
	eventError                   = "error"
)

// UpstreamError is an error event emitted by the remote agent on the control
// channel. It is informational; the stream continues.
type UpstreamError struct {
	Type    string
	Code    string
	Message string
}

type turnState int

const (
	turnIdle turnState = iota
	turnAccumulating
)

// Stream is one direction of the conversation (user or agent). Handlers fire
// in emission order: zero or more deltas, then at most one completion per turn.
type Stream struct {
	state      turnState
	buf        strings.Builder
	onDelta    func(delta, accumulated string)
	onComplete func(final string)
}

// OnDelta registers the incremental handler. The second argument is the text
// accumulated so far, including the new delta.
func (s *Stream) OnDelta(fn func(delta, accumulated string)) { s.onDelta = fn }

// OnComplete registers the turn-completion handler. It receives trimmed text
// and is never invoked for an empty turn.
func (s *Stream) OnComplete(fn func(final string)) { s.onComplete = fn }

func (s *Stream) appendDelta(delta string) {
	if delta == "" {
		return
	}
	s.state = turnAccumulating
	s.buf.WriteString(delta)
	if s.onDelta != nil {
		s.onDelta(delta, s.buf.String())
	}
}

// complete flushes the turn. The canonical transcript wins; an empty one falls
// back to the accumulated buffer. Whitespace-only turns produce no callback.
func (s *Stream) complete(transcript string) {
	final := strings.TrimSpace(transcript)
	if final == "" {
		final = strings.TrimSpace(s.buf.String())
	}
	s.reset()
	if final == "" {
		return
	}
	if s.onComplete != nil {
		s.onComplete(final)
	}
}

// completeIfAccumulating flushes only when deltas arrived without a matching
// completion event, so a turn is never completed twice.
func (s *Stream) completeIfAccumulating() {
	if s.state != turnAccumulating {
		return
	}
	s.complete("")
}

func (s *Stream) reset() {
	s.state = turnIdle
	s.buf.Reset()
}

type event struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Parser turns raw control-channel messages into turn stream callbacks.
type Parser struct {
	user  Stream
	agent Stream

	// onParseError is invoked for malformed messages after logging; the
	// message is discarded and the stream continues.
	onParseError func(err error)

	onUpstreamError func(UpstreamError)
}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) UserTurns() *Stream  { return &p.user }
func (p *Parser) AgentTurns() *Stream { return &p.agent }

func (p *Parser) OnParseError(fn func(err error)) { p.onParseError = fn }

// OnUpstreamError registers the handler for error events from the remote
// agent.
func (p *Parser) OnUpstreamError(fn func(UpstreamError)) { p.onUpstreamError = fn }

// Reset clears both directions. Called when a new transport session begins so
// a previous connection's partial turn can never leak into the next.
func (p *Parser) Reset() {
	p.user.reset()
	p.agent.reset()
}

// HandleMessage consumes one raw inbound message. Malformed JSON and unknown
// event types never halt processing of subsequent messages.
func (p *Parser) HandleMessage(data []byte) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("realtime: discarding unparseable event: %v", err)
		if p.onParseError != nil {
			p.onParseError(err)
		}
		return
	}

	switch ev.Type {
	case eventUserTranscriptDelta:
		p.user.appendDelta(ev.Delta)
	case eventUserTranscriptCompleted:
		p.user.complete(ev.Transcript)
	case eventAgentTranscriptDelta:
		p.agent.appendDelta(ev.Delta)
	case eventAgentTranscriptDone:
		p.agent.complete(ev.Transcript)
	case eventResponseCreated:
		// Agent turn started. Reset unconditionally: duplicate or
		// out-of-order starts must not corrupt the next accumulation.
		p.agent.reset()
	case eventResponseDone:
		// Terminator. Flushes an agent turn whose transcript-done event
		// never arrived; inert when the turn already completed.
		p.agent.completeIfAccumulating()
	case eventOutputItemDone, eventConversationItemCreated:
		// Consumed, no transition.
	case eventError:
		if p.onUpstreamError != nil {
			p.onUpstreamError(UpstreamError{
				Type:    ev.Error.Type,
				Code:    ev.Error.Code,
				Message: ev.Error.Message,
			})
		}
	default:
		// Unknown types are forward compatibility, not errors.
	}
}
