package transport

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// CaptureOptions mirror the processing constraints requested from the host
// media stack when a microphone track is opened.
type CaptureOptions struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func defaultCaptureOptions() CaptureOptions {
	return CaptureOptions{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// CaptureDevice provides local microphone tracks. Codec and DSP concerns live
// behind this interface; the controller only requires a sendable track and a
// stop function that releases microphone access.
type CaptureDevice interface {
	OpenTrack(opts CaptureOptions) (track webrtc.TrackLocal, stop func(), err error)
}

// PlaybackSink receives the remote agent's audio track. Release must be safe
// to call at any point, including before Play was ever invoked.
type PlaybackSink interface {
	Play(track *webrtc.TrackRemote)
	Release()
}

// RTPCapture is a CaptureDevice fed by the embedding host: the host pushes
// Opus RTP packets via WriteRTP and the controller forwards them upstream.
type RTPCapture struct {
	mu    sync.Mutex
	track *webrtc.TrackLocalStaticRTP
}

func NewRTPCapture() *RTPCapture {
	return &RTPCapture{}
}

func (c *RTPCapture) OpenTrack(_ CaptureOptions) (webrtc.TrackLocal, func(), error) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "attune-mic")
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	c.track = track
	c.mu.Unlock()

	stop := func() {
		c.mu.Lock()
		if c.track == track {
			c.track = nil
		}
		c.mu.Unlock()
	}
	return track, stop, nil
}

// WriteRTP forwards one captured packet. Packets arriving after the track was
// stopped are dropped silently; the session is simply over.
func (c *RTPCapture) WriteRTP(pkt *rtp.Packet) error {
	c.mu.Lock()
	track := c.track
	c.mu.Unlock()
	if track == nil {
		return nil
	}
	return track.WriteRTP(pkt)
}

// BufferedPlayback drains the remote track into a payload channel the host can
// hand to its audio output. Dropping is preferred over blocking the reader.
type BufferedPlayback struct {
	payloads chan []byte
	done     chan struct{}
	once     sync.Once
}

func NewBufferedPlayback() *BufferedPlayback {
	return &BufferedPlayback{
		payloads: make(chan []byte, 512),
		done:     make(chan struct{}),
	}
}

// Payloads yields raw Opus payloads in arrival order.
func (p *BufferedPlayback) Payloads() <-chan []byte { return p.payloads }

func (p *BufferedPlayback) Play(track *webrtc.TrackRemote) {
	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			select {
			case <-p.done:
				return
			case p.payloads <- pkt.Payload:
			default:
				// Output buffer saturated; realtime audio favors freshness.
			}
		}
	}()
}

func (p *BufferedPlayback) Release() {
	p.once.Do(func() { close(p.done) })
}
