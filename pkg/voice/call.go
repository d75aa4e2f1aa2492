package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/aurelia-labs/companion/pkg/companion"
)

// CallState is the lifecycle phase of a Call.
type CallState int32

const (
	StateIdle CallState = iota
	StateOffering
	StateAwaitingAnswer
	StateConnected
	StateClosed
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultSignalURL = "https://api.openai.com/v1/realtime"

	// How long to wait for server-side turn detection to produce the first
	// response before forcing one.
	greetingFallback = 5 * time.Second
)

// CallConfig configures a client-side realtime call.
type CallConfig struct {
	// ClientSecret is the ephemeral credential minted by Bridge.CreateSession.
	ClientSecret string
	Model        string
	// SignalURL is the SDP exchange endpoint. Defaults to the provider's
	// realtime endpoint.
	SignalURL string

	// Sink receives completed transcripts. Optional.
	Sink TranscriptSink
	// OnTranscript is invoked for each completed utterance.
	OnTranscript func(Transcript)
	// OnDelta is invoked for incremental assistant text. Deltas are display
	// hints only and are never persisted.
	OnDelta func(sender companion.Sender, delta string)
	// OnRemoteRTP is invoked for each inbound audio packet. Optional; the
	// remote track is drained either way so the transport does not stall.
	OnRemoteRTP func(pkt *rtp.Packet)

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Call is a client-side realtime voice call over WebRTC. Audio flows over
// the peer connection; control events flow over the "oai-events" data
// channel. Completed transcripts are recorded in arrival order.
type Call struct {
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	localTrack *webrtc.TrackLocalStaticSample
	rec        *recorder
	log        *slog.Logger

	state     atomic.Int32
	muted     atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error

	fallbackTimer *time.Timer
}

// Dial establishes a realtime call: peer connection, SDP exchange signed
// with the ephemeral secret, and the control channel handshake.
func Dial(ctx context.Context, cfg CallConfig) (*Call, error) {
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("voice: client secret required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultRealtimeModel
	}
	if cfg.SignalURL == "" {
		cfg.SignalURL = defaultSignalURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("voice: create peer connection: %w", err)
	}

	c := &Call{
		pc:      pc,
		rec:     newRecorder(cfg.Sink, log),
		log:     log,
		closeCh: make(chan struct{}),
	}
	c.rec.onTranscript = cfg.OnTranscript
	c.rec.onDelta = cfg.OnDelta
	c.state.Store(int32(StateIdle))

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("voice: add audio transceiver: %w", err)
	}

	localTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "companion-mic",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("voice: create local track: %w", err)
	}
	if _, err := pc.AddTrack(localTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("voice: add local track: %w", err)
	}
	c.localTrack = localTrack

	dc, err := pc.CreateDataChannel("oai-events", nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("voice: create data channel: %w", err)
	}
	c.dc = dc

	dc.OnOpen(func() {
		log.Debug("control channel open")
		if err := c.sendEvent(sessionUpdateEvent()); err != nil {
			log.Error("session.update send failed", "err", err)
		}
		if err := c.sendEvent(responseCreateEvent(greetingInstructions)); err != nil {
			log.Error("greeting request failed", "err", err)
		}
		c.armFallback()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var ev serverEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn("undecodable control event", "err", err, "len", len(msg.Data))
			return
		}
		c.rec.dispatch(context.Background(), &ev)
	})
	dc.OnClose(func() {
		log.Debug("control channel closed")
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Debug("remote audio track", "codec", track.Codec().MimeType)
		go c.drainRemote(track, cfg.OnRemoteRTP)
	})

	c.state.Store(int32(StateOffering))
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("voice: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("voice: set local description: %w", err)
	}
	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	c.state.Store(int32(StateAwaitingAnswer))
	answer, err := exchangeSDP(ctx, cfg, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("voice: set remote description: %w", err)
	}

	c.state.Store(int32(StateConnected))
	return c, nil
}

// exchangeSDP posts the offer to the signaling endpoint and returns the
// answer SDP. The request is signed with the ephemeral client secret, not
// the server's API key.
func exchangeSDP(ctx context.Context, cfg CallConfig, sdp string) (string, error) {
	url := fmt.Sprintf("%s?model=%s", cfg.SignalURL, cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(sdp)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("voice: sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("voice: sdp exchange: status %d: %s", resp.StatusCode, body)
	}
	return string(body), nil
}

// armFallback forces a response.create if server-side turn detection never
// produces one after the greeting.
func (c *Call) armFallback() {
	c.fallbackTimer = time.AfterFunc(greetingFallback, func() {
		select {
		case <-c.rec.responded:
			return
		case <-c.closeCh:
			return
		default:
		}
		c.log.Debug("no response from turn detection, forcing one")
		if err := c.sendEvent(responseCreateEvent("")); err != nil {
			c.log.Warn("forced response request failed", "err", err)
		}
	})
}

func (c *Call) drainRemote(track *webrtc.TrackRemote, onRTP func(*rtp.Packet)) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}
		n, _, err := track.Read(buf)
		if err != nil {
			if err != io.EOF {
				c.log.Debug("remote track read ended", "err", err)
			}
			return
		}
		if onRTP == nil {
			continue
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			c.log.Warn("bad rtp packet", "err", err)
			continue
		}
		onRTP(pkt)
	}
}

// State reports the call's current lifecycle phase.
func (c *Call) State() CallState {
	return CallState(c.state.Load())
}

// WriteAudio sends a captured audio sample upstream. Samples are dropped
// while muted; the connection is not renegotiated.
func (c *Call) WriteAudio(sample media.Sample) error {
	if c.State() != StateConnected {
		return fmt.Errorf("voice: call not connected")
	}
	if c.muted.Load() {
		return nil
	}
	return c.localTrack.WriteSample(sample)
}

// Mute toggles dropping of locally captured audio.
func (c *Call) Mute(on bool) {
	c.muted.Store(on)
}

// Muted reports whether local audio is currently dropped.
func (c *Call) Muted() bool {
	return c.muted.Load()
}

// SendText injects a typed user message into the live session and asks for
// a reply.
func (c *Call) SendText(text string) error {
	if err := c.sendEvent(userTextEvent(text)); err != nil {
		return err
	}
	return c.sendEvent(responseCreateEvent(""))
}

// Transcripts returns the utterances captured so far, in arrival order.
func (c *Call) Transcripts() []Transcript {
	return c.rec.Transcripts()
}

// Err returns the last provider error event received, if any.
func (c *Call) Err() error {
	return c.rec.Err()
}

// Close tears the call down: local capture first, then the control channel,
// then the transport. Safe to call more than once.
func (c *Call) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if c.fallbackTimer != nil {
			c.fallbackTimer.Stop()
		}
		c.muted.Store(true)
		if c.dc != nil {
			c.dc.Close()
		}
		c.closeErr = c.pc.Close()
		c.state.Store(int32(StateClosed))
	})
	return c.closeErr
}

func (c *Call) sendEvent(event map[string]any) error {
	if c.dc == nil || c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("voice: control channel not open")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.dc.Send(data)
}
