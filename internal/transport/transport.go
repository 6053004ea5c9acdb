// Package transport negotiates the WebRTC connection carrying a session:
// one peer connection with an outbound microphone track, an inbound
// assistant audio track, and the "oai-events" data channel for control
// messages. The negotiator owns connection ordering, the audio-only
// degradation path, ICE recovery, and silent teardown.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ControlChannelLabel is the data channel label the remote peer expects.
const ControlChannelLabel = "oai-events"

// ErrNotConnected is returned by Send when no control channel is open and
// the session is not in audio-only mode.
var ErrNotConnected = errors.New("transport: not connected")

// ErrOfferMissingDataChannel indicates the local offer lacked the
// application media section, meaning the channel was created after the
// offer. This is a bug in the connection ordering, not a remote failure.
var ErrOfferMissingDataChannel = errors.New("transport: offer is missing the data channel media section")

// AudioSource supplies captured microphone audio. Implementations apply the
// voice-call capture constraints (echo cancellation, noise suppression,
// automatic gain) before writing encoded samples to the track.
type AudioSource interface {
	Start(ctx context.Context, track *webrtc.TrackLocalStaticSample) error
	Stop() error
}

// Callbacks receive asynchronous transport events. All fields are optional.
type Callbacks struct {
	// OnMessage delivers raw control-channel payloads.
	OnMessage func(data []byte)

	// OnOpen fires once the control channel reaches the open state.
	OnOpen func()

	// OnRemoteAudio delivers depacketized assistant audio payloads.
	OnRemoteAudio func(payload []byte)

	// OnDegrade fires when the session continues audio-only: the control
	// channel never opened, or it failed mid-session.
	OnDegrade func()

	// OnChannelError reports a control-channel failure observed on a live
	// connection, immediately before the audio-only degradation.
	OnChannelError func(err error)

	// OnFatal reports an unrecoverable connection failure. kind is one of
	// "ice_connection_failed" or "peer_connection_failed".
	OnFatal func(kind string, err error)
}

// Config configures a [Negotiator].
type Config struct {
	// RealtimeBase is the SDP exchange endpoint.
	RealtimeBase string

	// Model is appended to the exchange URL as ?model=.
	Model string

	// STUNServers configure ICE.
	STUNServers []string

	// OpenTimeout bounds the control channel open wait. Default 15s.
	OpenTimeout time.Duration

	// ICERecoveryWait is the grace period after an ICE disconnect.
	// Default 2s.
	ICERecoveryWait time.Duration

	// ICEMaxRecoveries bounds consecutive ICE recoveries. Default 3.
	ICEMaxRecoveries int

	// AudioOnlySend attempts control sends in audio-only mode when the
	// channel happens to be open, instead of dropping them unconditionally.
	// Off by default; the remote runs on its server-side defaults.
	AudioOnlySend bool

	// Source provides microphone audio. Nil negotiates a receive-only
	// audio transceiver, which the tests and the headless client use.
	Source AudioSource

	// HTTPClient performs the SDP exchange. Default: 30s timeout client.
	HTTPClient *http.Client
}

// Negotiator manages one WebRTC connection at a time. Connect tears down any
// previous connection before dialing; Close is always safe to call.
type Negotiator struct {
	cfg  Config
	cb   Callbacks
	http *http.Client

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	localTrack *webrtc.TrackLocalStaticSample
	pcClosed   chan struct{}
	connected  bool
	audioOnly  bool
	recoveries int
	recovery   *time.Timer
	generation int
}

// New creates a Negotiator.
func New(cfg Config, cb Callbacks) *Negotiator {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 15 * time.Second
	}
	if cfg.ICERecoveryWait <= 0 {
		cfg.ICERecoveryWait = 2 * time.Second
	}
	if cfg.ICEMaxRecoveries <= 0 {
		cfg.ICEMaxRecoveries = 3
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Negotiator{cfg: cfg, cb: cb, http: httpc}
}

// Connect establishes a new connection authenticated with ephemeralKey.
// Any previous connection is closed and awaited first. On return the control
// channel is open, or the session has degraded to audio-only.
func (n *Negotiator) Connect(ctx context.Context, ephemeralKey string) error {
	n.Close()

	api, err := newAPI()
	if err != nil {
		return err
	}

	iceServers := make([]webrtc.ICEServer, 0, len(n.cfg.STUNServers))
	for _, u := range n.cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("transport: create peer connection: %w", err)
	}

	n.mu.Lock()
	n.generation++
	gen := n.generation
	n.pc = pc
	n.pcClosed = make(chan struct{})
	n.connected = false
	n.audioOnly = false
	n.recoveries = 0
	pcClosed := n.pcClosed
	n.mu.Unlock()

	fail := func(err error) error {
		n.Close()
		return err
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.onConnectionState(gen, state, pcClosed)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.onICEState(gen, state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go n.readRemote(track)
		}
	})

	// The control channel must exist before the offer so its media section
	// is negotiated up front.
	dc, err := pc.CreateDataChannel(ControlChannelLabel, &webrtc.DataChannelInit{
		Ordered: boolPtr(true),
	})
	if err != nil {
		return fail(fmt.Errorf("transport: create data channel: %w", err))
	}
	opened := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if n.cb.OnMessage != nil {
			n.cb.OnMessage(msg.Data)
		}
	})
	dc.OnError(func(err error) {
		n.onChannelFailure(gen, fmt.Errorf("transport: control channel error: %w", err))
	})
	dc.OnClose(func() {
		n.onChannelFailure(gen, errors.New("transport: control channel closed by remote"))
	})
	n.mu.Lock()
	n.dc = dc
	n.mu.Unlock()

	if err := n.setupAudio(ctx, pc); err != nil {
		return fail(err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("transport: create offer: %w", err))
	}
	if diag := AnalyzeSDP(offer.SDP); !diag.SupportsDataChannel() {
		return fail(ErrOfferMissingDataChannel)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("transport: set local description: %w", err))
	}
	if state := pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		return fail(fmt.Errorf("transport: unexpected signaling state %s after local offer", state))
	}

	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	answerSDP, err := n.exchangeSDP(ctx, ephemeralKey, pc.LocalDescription().SDP)
	if err != nil {
		return fail(err)
	}

	answerDiag := AnalyzeSDP(answerSDP)
	if !answerDiag.SupportsDataChannel() {
		slog.Warn("answer declined the data channel, expecting audio-only session")
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		return fail(fmt.Errorf("transport: set remote description: %w", err))
	}
	if state := pc.SignalingState(); state != webrtc.SignalingStateStable {
		return fail(fmt.Errorf("transport: unexpected signaling state %s after answer", state))
	}

	return n.awaitOpen(ctx, dc, opened)
}

// awaitOpen waits for the control channel using both the OnOpen callback and
// readyState polling; the poll covers callbacks lost during renegotiation
// races. Timeout degrades to audio-only instead of failing.
func (n *Negotiator) awaitOpen(ctx context.Context, dc *webrtc.DataChannel, opened <-chan struct{}) error {
	deadline := time.NewTimer(n.cfg.OpenTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-opened:
			n.markConnected()
			return nil
		case <-poll.C:
			if dc.ReadyState() == webrtc.DataChannelStateOpen {
				n.markConnected()
				return nil
			}
		case <-deadline.C:
			slog.Warn("control channel never opened, continuing audio-only",
				"timeout", n.cfg.OpenTimeout)
			n.mu.Lock()
			n.audioOnly = true
			n.connected = true
			partial := n.dc
			n.dc = nil
			n.mu.Unlock()
			if partial != nil {
				if err := partial.Close(); err != nil {
					slog.Debug("partial data channel close failed", "err", err)
				}
			}
			if n.cb.OnDegrade != nil {
				n.cb.OnDegrade()
			}
			return nil
		case <-ctx.Done():
			n.Close()
			return ctx.Err()
		}
	}
}

func (n *Negotiator) markConnected() {
	n.mu.Lock()
	n.connected = true
	n.mu.Unlock()
	if n.cb.OnOpen != nil {
		n.cb.OnOpen()
	}
}

// setupAudio attaches the outbound microphone track, or a receive-only
// transceiver when no source is configured.
func (n *Negotiator) setupAudio(ctx context.Context, pc *webrtc.PeerConnection) error {
	if n.cfg.Source == nil {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("transport: add audio transceiver: %w", err)
		}
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "saem-mic")
	if err != nil {
		return fmt.Errorf("transport: create local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("transport: add local track: %w", err)
	}
	if err := n.cfg.Source.Start(ctx, track); err != nil {
		return fmt.Errorf("transport: start audio source: %w", err)
	}
	n.mu.Lock()
	n.localTrack = track
	n.mu.Unlock()
	return nil
}

// exchangeSDP posts the offer and returns the answer SDP.
func (n *Negotiator) exchangeSDP(ctx context.Context, ephemeralKey, offerSDP string) (string, error) {
	url := n.cfg.RealtimeBase
	if n.cfg.Model != "" {
		url += "?model=" + n.cfg.Model
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(offerSDP)))
	if err != nil {
		return "", fmt.Errorf("transport: build sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ephemeralKey)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := n.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("transport: read sdp answer: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("transport: sdp exchange returned status %d: %s", resp.StatusCode, firstLine(body))
	}
	return string(body), nil
}

// readRemote forwards inbound audio payloads without touching the codec.
func (n *Negotiator) readRemote(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		n.forwardRemote(pkt)
	}
}

func (n *Negotiator) forwardRemote(pkt *rtp.Packet) {
	if pkt == nil || len(pkt.Payload) == 0 {
		return
	}
	if n.cb.OnRemoteAudio != nil {
		n.cb.OnRemoteAudio(pkt.Payload)
	}
}

func (n *Negotiator) onConnectionState(gen int, state webrtc.PeerConnectionState, pcClosed chan struct{}) {
	slog.Debug("peer connection state changed", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateClosed:
		select {
		case <-pcClosed:
		default:
			close(pcClosed)
		}
	case webrtc.PeerConnectionStateFailed:
		if n.isCurrent(gen) && n.cb.OnFatal != nil {
			n.cb.OnFatal("peer_connection_failed", errors.New("transport: peer connection failed"))
		}
	}
}

func (n *Negotiator) onICEState(gen int, state webrtc.ICEConnectionState) {
	slog.Debug("ice connection state changed", "state", state.String())
	n.mu.Lock()
	if gen != n.generation {
		n.mu.Unlock()
		return
	}

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		n.recoveries = 0
		if n.recovery != nil {
			n.recovery.Stop()
			n.recovery = nil
		}
		n.mu.Unlock()

	case webrtc.ICEConnectionStateDisconnected:
		if n.recovery != nil {
			n.mu.Unlock()
			return
		}
		wait := n.cfg.ICERecoveryWait
		n.recovery = time.AfterFunc(wait, func() { n.iceRecoveryExpired(gen) })
		n.mu.Unlock()
		slog.Warn("ice disconnected, waiting for recovery", "wait", wait)

	case webrtc.ICEConnectionStateFailed:
		n.mu.Unlock()
		if n.cb.OnFatal != nil {
			n.cb.OnFatal("ice_connection_failed", errors.New("transport: ice connection failed"))
		}

	default:
		n.mu.Unlock()
	}
}

func (n *Negotiator) iceRecoveryExpired(gen int) {
	n.mu.Lock()
	if gen != n.generation {
		n.mu.Unlock()
		return
	}
	n.recovery = nil
	pc := n.pc
	if pc != nil {
		state := pc.ICEConnectionState()
		if state == webrtc.ICEConnectionStateConnected || state == webrtc.ICEConnectionStateCompleted {
			n.mu.Unlock()
			return
		}
	}
	n.recoveries++
	count := n.recoveries
	max := n.cfg.ICEMaxRecoveries
	n.mu.Unlock()

	if count > max {
		if n.cb.OnFatal != nil {
			n.cb.OnFatal("ice_connection_failed",
				fmt.Errorf("transport: ice did not recover after %d attempts", max))
		}
		return
	}
	slog.Warn("ice still disconnected after recovery wait", "attempt", count, "max", max)
}

// Send transmits a control message. In audio-only mode messages are logged
// and dropped, never failed: the session is alive, just mute on the control
// side. A send failing on a live connection degrades the session to
// audio-only before the error is surfaced.
func (n *Negotiator) Send(data []byte) error {
	n.mu.Lock()
	gen := n.generation
	dc := n.dc
	audioOnly := n.audioOnly
	n.mu.Unlock()

	if audioOnly {
		if n.cfg.AudioOnlySend && dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
			if err := dc.Send(data); err != nil {
				slog.Debug("audio-only control send failed, dropping", "err", err)
			}
			return nil
		}
		slog.Debug("dropping control message, session is audio-only", "bytes", len(data))
		return nil
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	if err := dc.Send(data); err != nil {
		err = fmt.Errorf("transport: send: %w", err)
		n.onChannelFailure(gen, err)
		return err
	}
	return nil
}

// onChannelFailure handles a control channel that errored, closed, or refused
// a send under an otherwise live connection. The session degrades to
// audio-only instead of tearing down; the audio path keeps running. Stale
// generations, a channel already superseded by Close or a reconnect, are
// ignored.
func (n *Negotiator) onChannelFailure(gen int, err error) {
	n.mu.Lock()
	if gen != n.generation || !n.connected || n.audioOnly {
		n.mu.Unlock()
		return
	}
	n.audioOnly = true
	n.mu.Unlock()

	slog.Warn("control channel failed mid-session, continuing audio-only", "err", err)
	if n.cb.OnChannelError != nil {
		n.cb.OnChannelError(err)
	}
	if n.cb.OnDegrade != nil {
		n.cb.OnDegrade()
	}
}

// Connected reports whether a session connection is established (including
// audio-only sessions).
func (n *Negotiator) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// AudioOnly reports whether the current session degraded to audio-only.
func (n *Negotiator) AudioOnly() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.audioOnly
}

// Close tears the connection down in the fixed order: audio source, local
// track, data channel, peer connection. Every step swallows its error; Close
// never fails and is idempotent. It waits briefly for the peer connection to
// reach closed so a follow-up Connect starts from a clean slate.
func (n *Negotiator) Close() {
	n.mu.Lock()
	n.generation++
	pc := n.pc
	dc := n.dc
	pcClosed := n.pcClosed
	if n.recovery != nil {
		n.recovery.Stop()
		n.recovery = nil
	}
	n.pc = nil
	n.dc = nil
	n.localTrack = nil
	n.connected = false
	n.audioOnly = false
	n.recoveries = 0
	n.mu.Unlock()

	if n.cfg.Source != nil {
		if err := n.cfg.Source.Stop(); err != nil {
			slog.Debug("audio source stop failed", "err", err)
		}
	}
	if dc != nil {
		if err := dc.Close(); err != nil {
			slog.Debug("data channel close failed", "err", err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			slog.Debug("peer connection close failed", "err", err)
		}
		if pcClosed != nil {
			select {
			case <-pcClosed:
			case <-time.After(2 * time.Second):
				slog.Debug("timed out waiting for peer connection to close")
			}
		}
	}
}

func (n *Negotiator) isCurrent(gen int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return gen == n.generation
}

// newAPI builds a pion API with the opus codec and the default interceptors.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("transport: register codec: %w", err)
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("transport: register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(reg)), nil
}

func boolPtr(b bool) *bool { return &b }

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
