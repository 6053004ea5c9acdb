// Package orchestrator owns the session lifecycle: it runs every public
// mutating operation through the serializing queue, admits starts through
// the resilience gates, drives token fetch and transport negotiation, and
// keeps the externally observable state machine consistent with the bus
// traffic the UI relies on.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saem-app/saem/internal/audiodevice"
	"github.com/saem-app/saem/internal/bus"
	"github.com/saem-app/saem/internal/observe"
	"github.com/saem-app/saem/internal/opqueue"
	"github.com/saem-app/saem/internal/protocol"
	"github.com/saem-app/saem/internal/resilience"
	"github.com/saem-app/saem/internal/token"
	"github.com/saem-app/saem/pkg/realtime"
)

// State is the externally observable lifecycle phase.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateStopping   State = "stopping"
)

// Snapshot is a synchronous read of the state machine.
type Snapshot struct {
	State      State
	SessionID  string
	ScenarioID string
	Level      string
	AudioOnly  bool
	AISpeaking bool

	Connecting    bool
	Connected     bool
	SessionActive bool
}

// TokenSource provides ephemeral realtime credentials.
type TokenSource interface {
	EphemeralToken(ctx context.Context, req token.Request) (token.Credential, error)
}

// Transport is the connection layer contract the orchestrator drives.
type Transport interface {
	Connect(ctx context.Context, ephemeralKey string) error
	Send(data []byte) error
	Connected() bool
	AudioOnly() bool
	Close()
}

// StartRequest carries the parameters of a session start.
type StartRequest struct {
	ScenarioID      string
	Level           string
	User            *token.User
	IsUserInitiated bool
	IsLessonBased   bool
	LessonDetails   string
}

// Config wires an Orchestrator. Events, Tokens and Transport are required.
type Config struct {
	Events    *bus.Bus
	Tokens    TokenSource
	Transport Transport
	Audio     audiodevice.Adapter

	// Gates default to the production tuning when nil.
	Gates *resilience.Gates

	// Metrics receives the setup latency histograms. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// AudioOnlySessionUpdate attempts the session.update handshake even
	// when the session degraded to audio-only. Best effort; the transport
	// may still drop the message.
	AudioOnlySessionUpdate bool

	// Session parameters forwarded to the broker and the protocol layer.
	Model              string
	Voice              string
	TranscriptionModel string
	VAD                realtime.TurnDetectionParams
	Temperature        float64

	SpeakingGrace       time.Duration
	SpeakingExtension   time.Duration
	ResponseCreateDelay time.Duration
}

// Orchestrator is the session manager. Create with New, call Initialize
// before the first start, and Destroy when done.
type Orchestrator struct {
	events    *bus.Bus
	tokens    TokenSource
	transport Transport
	audio     audiodevice.Adapter
	gates     *resilience.Gates
	queue     *opqueue.Queue
	protocol  *protocol.Handler
	metrics   *observe.Metrics

	model           string
	voice           string
	audioOnlyUpdate bool

	mu          sync.Mutex
	state       State
	sessionID   string
	scenarioID  string
	level       string
	audioOnly   bool
	initialized bool
	destroyed   bool
}

// errDebounced marks a start suppressed by the debounce gate; it resolves as
// a no-op success at the public boundary.
var errDebounced = errors.New("orchestrator: start debounced")

// ErrDestroyed is returned by operations after Destroy.
var ErrDestroyed = errors.New("orchestrator: destroyed")

// New creates an Orchestrator in the Idle state.
func New(cfg Config) *Orchestrator {
	gates := cfg.Gates
	if gates == nil {
		gates = resilience.NewGates(resilience.GatesConfig{
			Breaker: resilience.CircuitBreakerConfig{Name: "session-connect"},
		})
	}
	audio := cfg.Audio
	if audio == nil {
		audio = audiodevice.NewStatic(cfg.Events)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	o := &Orchestrator{
		events:          cfg.Events,
		tokens:          cfg.Tokens,
		transport:       cfg.Transport,
		audio:           audio,
		gates:           gates,
		queue:           opqueue.New(),
		metrics:         metrics,
		model:           cfg.Model,
		voice:           cfg.Voice,
		audioOnlyUpdate: cfg.AudioOnlySessionUpdate,
		state:           StateIdle,
	}
	o.protocol = protocol.New(protocol.Config{
		Events:              cfg.Events,
		Send:                cfg.Transport,
		Voice:               cfg.Voice,
		TranscriptionModel:  cfg.TranscriptionModel,
		VAD:                 cfg.VAD,
		Temperature:         cfg.Temperature,
		SpeakingGrace:       cfg.SpeakingGrace,
		SpeakingExtension:   cfg.SpeakingExtension,
		ResponseCreateDelay: cfg.ResponseCreateDelay,
	})
	return o
}

// Initialize prepares the audio mode and resets the resilience gates.
// Idempotent; an audio setup failure is surfaced but does not block session
// starts, which fall back to the speaker route.
func (o *Orchestrator) Initialize() error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return ErrDestroyed
	}
	already := o.initialized
	o.initialized = true
	o.mu.Unlock()

	if already {
		return nil
	}

	if err := o.audio.ConfigureForSession(); err != nil {
		slog.Warn("audio mode setup failed, continuing with speaker fallback", "err", err)
		o.events.Emit(bus.TopicError, bus.ErrorPayload{Type: "initialization", Err: err})
	}
	o.gates.ResetToCleanState()
	o.events.Emit(bus.TopicInitialized, nil)
	return nil
}

// StartSession requests a session for the scenario. It returns true when a
// session is active on return (including the debounced-duplicate no-op),
// false on a non-fatal rejection such as a concurrent duplicate start, and
// an error on fatal rejections (open breaker, user-stop latch) or failures.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (bool, error) {
	err := o.queue.Do(opqueue.Operation{
		Kind:       opqueue.KindStart,
		ScenarioID: req.ScenarioID,
		Run: func(opCtx context.Context) error {
			return o.doStart(mergeCtx(ctx, opCtx), req)
		},
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errDebounced):
		return true, nil
	case errors.Is(err, opqueue.ErrDuplicateStart):
		return false, nil
	default:
		return false, err
	}
}

func (o *Orchestrator) doStart(ctx context.Context, req StartRequest) error {
	adm, err := o.gates.Admit(ctx, req.ScenarioID, req.IsUserInitiated)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			o.events.Emit(bus.TopicError, bus.ErrorPayload{Type: "circuit_open", Err: err})
		}
		return err
	}
	if adm.Duplicate {
		slog.Debug("start debounced", "scenario_id", req.ScenarioID)
		return errDebounced
	}

	// A live session is replaced, not stacked.
	if snap := o.State(); snap.SessionActive || snap.Connecting {
		o.teardown("replaced by new start")
	}

	setupStart := time.Now()
	o.setState(StateStarting, func() {})
	o.events.Emit(bus.TopicConnecting, bus.SessionPayload{ScenarioID: req.ScenarioID, Level: req.Level})
	o.setState(StateConnecting, func() {
		o.scenarioID = req.ScenarioID
		o.level = req.Level
		o.audioOnly = false
	})

	tokenStart := time.Now()
	cred, err := o.tokens.EphemeralToken(ctx, token.Request{
		Model:           o.model,
		Voice:           o.voice,
		ScenarioID:      req.ScenarioID,
		IsScenarioBased: req.ScenarioID != "",
		IsLessonBased:   req.IsLessonBased,
		LessonDetails:   req.LessonDetails,
		Level:           req.Level,
		User:            req.User,
	})
	if err != nil {
		return o.failStart("token", fmt.Errorf("orchestrator: token fetch: %w", err))
	}
	o.metrics.TokenFetchDuration.Record(ctx, time.Since(tokenStart).Seconds())

	if err := o.transport.Connect(ctx, cred.EphemeralKey); err != nil {
		return o.failStart("connection", fmt.Errorf("orchestrator: connect: %w", err))
	}

	sessionID := newSessionID()
	audioOnly := o.transport.AudioOnly()
	o.setState(StateActive, func() {
		o.sessionID = sessionID
		o.audioOnly = audioOnly
	})
	o.gates.Breaker.RecordSuccess()
	o.metrics.SessionSetupDuration.Record(ctx, time.Since(setupStart).Seconds())

	o.events.Emit(bus.TopicSessionStarted, bus.SessionPayload{
		SessionID:  sessionID,
		ScenarioID: req.ScenarioID,
		Level:      req.Level,
		AudioOnly:  audioOnly,
	})
	slog.Info("session started",
		"session_id", sessionID,
		"scenario_id", req.ScenarioID,
		"level", req.Level,
		"audio_only", audioOnly,
	)
	return nil
}

// failStart records the breaker failure, tears the half-built session down,
// and surfaces both the stage error and the orchestrator-level one.
func (o *Orchestrator) failStart(kind string, err error) error {
	o.gates.Breaker.RecordFailure()
	o.teardown("start failed")
	o.events.Emit(bus.TopicError, bus.ErrorPayload{Type: kind, Err: err})
	o.events.Emit(bus.TopicError, bus.ErrorPayload{Type: "session_start", Err: err})
	return err
}

// StopSession tears the session down without touching the user-intent latch.
// Calling it while Idle is a no-op success.
func (o *Orchestrator) StopSession(ctx context.Context) error {
	return o.queue.Do(opqueue.Operation{
		Kind: opqueue.KindStop,
		Run: func(context.Context) error {
			o.stopLocked(false)
			return nil
		},
	})
}

// StopSessionByUser arms the user-intent latch before tearing down, so
// automated restarts are held off for the latch window.
func (o *Orchestrator) StopSessionByUser(ctx context.Context) error {
	return o.queue.Do(opqueue.Operation{
		Kind: opqueue.KindStop,
		Run: func(context.Context) error {
			o.gates.Latch.NoteUserStop()
			o.stopLocked(true)
			return nil
		},
	})
}

func (o *Orchestrator) stopLocked(byUser bool) {
	snap := o.State()
	if snap.State == StateIdle {
		return
	}
	o.setState(StateStopping, func() {})
	o.teardown("stop requested")
	if byUser {
		o.events.Emit(bus.TopicUserEndedSession, bus.SessionPayload{
			SessionID:  snap.SessionID,
			ScenarioID: snap.ScenarioID,
			Level:      snap.Level,
		})
	}
}

// teardown closes everything best-effort and re-enters Idle. It never fails;
// sessionStopped fires only when a session or connection attempt existed.
func (o *Orchestrator) teardown(reason string) {
	o.mu.Lock()
	had := o.state != StateIdle
	sessionID := o.sessionID
	scenarioID := o.scenarioID
	level := o.level
	audioOnly := o.audioOnly
	o.mu.Unlock()

	o.protocol.Reset()
	o.transport.Close()

	o.setState(StateIdle, func() {
		o.sessionID = ""
		o.audioOnly = false
	})

	if had {
		slog.Info("session stopped", "session_id", sessionID, "reason", reason)
		o.events.Emit(bus.TopicSessionStopped, bus.SessionPayload{
			SessionID:  sessionID,
			ScenarioID: scenarioID,
			Level:      level,
			AudioOnly:  audioOnly,
		})
	}
}

// ChangeScenario re-sends the session configuration for a new scenario
// without rebuilding the transport. The session must be active.
func (o *Orchestrator) ChangeScenario(ctx context.Context, scenarioID, level string) error {
	return o.queue.Do(opqueue.Operation{
		Kind:       opqueue.KindChange,
		ScenarioID: scenarioID,
		Run: func(context.Context) error {
			snap := o.State()
			if !snap.SessionActive {
				err := fmt.Errorf("orchestrator: no active session to change scenario on")
				o.events.Emit(bus.TopicError, bus.ErrorPayload{Type: "scenario_change", Err: err})
				return err
			}
			if err := o.protocol.SendSessionUpdate(); err != nil {
				o.events.Emit(bus.TopicError, bus.ErrorPayload{Type: "scenario_change", Err: err})
				return err
			}
			o.setState(StateActive, func() {
				o.scenarioID = scenarioID
				o.level = level
			})
			slog.Info("scenario changed", "session_id", snap.SessionID, "scenario_id", scenarioID)
			return nil
		},
	})
}

// State returns a snapshot of the state machine.
func (o *Orchestrator) State() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		State:         o.state,
		SessionID:     o.sessionID,
		ScenarioID:    o.scenarioID,
		Level:         o.level,
		AudioOnly:     o.audioOnly,
		AISpeaking:    o.protocol.Speaking(),
		Connecting:    o.state == StateStarting || o.state == StateConnecting,
		Connected:     o.state == StateActive,
		SessionActive: o.state == StateActive,
	}
}

// History returns the finalized conversation turns of the current session.
func (o *Orchestrator) History() []protocol.Turn {
	return o.protocol.History()
}

// NotifyPlaybackComplete forwards real audio-drain instrumentation to the
// speaking-state tracker.
func (o *Orchestrator) NotifyPlaybackComplete() {
	o.protocol.NotifyPlaybackComplete()
}

// Destroy stops everything and renders the orchestrator unusable. A fresh
// instance (or Initialize on a new one) is required afterwards.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	o.initialized = false
	o.mu.Unlock()

	o.queue.Destroy()
	o.teardown("destroyed")
	o.gates.ResetToCleanState()
	if err := o.audio.Release(); err != nil {
		slog.Debug("audio release failed", "err", err)
	}
	o.events.RemoveAll()
}

// ── transport callbacks ──────────────────────────────────────────────────────

// HandleControlMessage is the transport's OnMessage callback.
func (o *Orchestrator) HandleControlMessage(data []byte) {
	o.protocol.HandleMessage(data)
}

// HandleChannelOpen is the transport's OnOpen callback: it announces the
// connection and runs the protocol handshake, so session.update precedes
// the sessionStarted emission.
func (o *Orchestrator) HandleChannelOpen() {
	snap := o.State()
	o.events.Emit(bus.TopicConnected, bus.SessionPayload{
		ScenarioID: snap.ScenarioID,
		Level:      snap.Level,
	})
	o.protocol.OnChannelOpen()
}

// HandleDegrade is the transport's OnDegrade callback. With the audio-only
// session.update knob enabled it still attempts the configuration handshake,
// in case the remote accepts late control messages.
func (o *Orchestrator) HandleDegrade() {
	o.setState(o.currentState(), func() { o.audioOnly = true })
	o.events.Emit(bus.TopicAudioOnlyMode, nil)
	if o.audioOnlyUpdate {
		if err := o.protocol.SendSessionUpdate(); err != nil {
			slog.Debug("audio-only session.update failed", "err", err)
		}
	}
}

// HandleChannelError is the transport's OnChannelError callback: a control
// channel failure on a live connection, surfaced just before the degrade.
func (o *Orchestrator) HandleChannelError(err error) {
	o.events.Emit(bus.TopicError, bus.ErrorPayload{Type: "data_channel", Err: err})
}

// HandleTransportFatal is the transport's OnFatal callback. It surfaces the
// typed error and schedules a teardown off the callback goroutine.
func (o *Orchestrator) HandleTransportFatal(kind string, err error) {
	o.events.Emit(bus.TopicError, bus.ErrorPayload{Type: kind, Err: err})
	go func() {
		if stopErr := o.StopSession(context.Background()); stopErr != nil {
			slog.Debug("teardown after transport failure failed", "err", stopErr)
		}
	}()
}

// ── helpers ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) currentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// setState applies mutate under the lock, records the new state, and emits a
// stateChanged snapshot.
func (o *Orchestrator) setState(s State, mutate func()) {
	o.mu.Lock()
	o.state = s
	mutate()
	o.mu.Unlock()
	o.events.Emit(bus.TopicStateChanged, o.State())
}

func newSessionID() string {
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// mergeCtx returns caller unless it is already done, falling back to the
// queue's context so destroyed queues still cancel long operations.
func mergeCtx(caller, op context.Context) context.Context {
	if caller.Err() != nil {
		return caller
	}
	if op.Err() != nil {
		return op
	}
	return caller
}
