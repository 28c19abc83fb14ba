package voice

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ventline/vent-app/internal/metrics"
)

// State is the connection state machine's current state.
type State string

const (
	StateRequestingPermissions State = "requesting_permissions"
	StateInitializing          State = "initializing"
	StateConnecting            State = "connecting"
	StateConnected             State = "connected"
	StateReconnecting          State = "reconnecting"
	StateFailed                State = "failed"
	StateDisconnected          State = "disconnected"
)

// RetryPolicy bounds the automatic join retries: MaxAttempts tries total
// with a fixed Delay between them, no jitter.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy returns the 3-attempt, 2-second policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second}
}

// Config holds machine tuning parameters.
type Config struct {
	Retry RetryPolicy

	// ReconcileInterval is how often the machine compares the transport's
	// authoritative in-room flag against its own connected state.
	ReconcileInterval time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Retry:             DefaultRetryPolicy(),
		ReconcileInterval: 2 * time.Second,
	}
}

// Machine drives the voice-transport lifecycle for one call:
//
//	requesting_permissions -> initializing -> connecting -> connected
//
// with connecting -> reconnecting -> connecting on transient failure, any
// state -> failed on unrecoverable error, and any state -> disconnected on
// explicit Close. Exactly one Machine exists per active call.
type Machine struct {
	factory   EngineFactory
	perms     PermissionRequester
	engineCfg EngineConfig
	cfg       Config
	clock     clockwork.Clock

	mu       sync.Mutex
	state    State
	engine   Engine
	remote   map[string]struct{}
	attempts int
	roomID   string
	userID   string
	joinCtx  context.Context
	lastErr  error
	closed   bool
	done     chan struct{}

	onState func(State)
	onPeers func(int)
}

// NewMachine creates a connection state machine. The engine is not
// constructed until Start.
func NewMachine(factory EngineFactory, perms PermissionRequester, engineCfg EngineConfig, cfg Config, clock clockwork.Clock) *Machine {
	return &Machine{
		factory:   factory,
		perms:     perms,
		engineCfg: engineCfg,
		cfg:       cfg,
		clock:     clock,
		state:     StateDisconnected,
		remote:    make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// OnStateChange registers the single state observer. Must be set before
// Start; the orchestrator fans out to further listeners.
func (m *Machine) OnStateChange(cb func(State)) {
	m.mu.Lock()
	m.onState = cb
	m.mu.Unlock()
}

// OnPeerCountChange registers the single remote-participant observer.
func (m *Machine) OnPeerCountChange(cb func(int)) {
	m.mu.Lock()
	m.onPeers = cb
	m.mu.Unlock()
}

// Start runs the entry sequence: permission request, engine construction,
// and the first join attempt. Permission denial and engine construction
// failures are returned synchronously; join failures are retried in the
// background and surface through the state observer as StateFailed.
func (m *Machine) Start(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.roomID = roomID
	m.userID = userID
	m.joinCtx = ctx
	m.mu.Unlock()

	m.setState(StateRequestingPermissions)

	granted, err := m.perms.RequestMicrophone(ctx)
	if err != nil || !granted {
		// Notify once, no silent retry: the user must act.
		m.fail(ErrPermissionDenied)
		return ErrPermissionDenied
	}

	m.setState(StateInitializing)

	engine, err := m.factory(m.engineCfg, m)
	if err != nil {
		err = fmt.Errorf("voice: engine init: %w", err)
		m.fail(err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		engine.Release()
		return ErrClosed
	}
	m.engine = engine
	m.mu.Unlock()

	go m.reconcileLoop()

	m.setState(StateConnecting)
	m.connect()
	return nil
}

// Retry resets the attempt counter and re-runs the join sequence. It is the
// manual affordance offered after the automatic retry bound is exhausted.
func (m *Machine) Retry() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateFailed {
		m.mu.Unlock()
		return fmt.Errorf("voice: retry from state %q", m.state)
	}
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.setState(StateConnecting)
	go m.connect()
	return nil
}

// Mute toggles the local microphone. Rejected unless connected; the FSM
// state is unchanged either way.
func (m *Machine) Mute(muted bool) error {
	engine, err := m.connectedEngine()
	if err != nil {
		return err
	}
	return engine.Mute(muted)
}

// SetSpeaker toggles speakerphone output. Rejected unless connected.
func (m *Machine) SetSpeaker(enabled bool) error {
	engine, err := m.connectedEngine()
	if err != nil {
		return err
	}
	return engine.SetSpeaker(enabled)
}

// State returns the current FSM state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error that drove the machine to StateFailed, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// RemoteParticipants returns the ids of remote users currently in the room.
func (m *Machine) RemoteParticipants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.remote))
	for id := range m.remote {
		ids = append(ids, id)
	}
	return ids
}

// Close leaves the channel and releases the engine. It runs on every exit
// path, is idempotent, and leaves the machine in StateDisconnected.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	engine := m.engine
	m.engine = nil
	m.remote = make(map[string]struct{})
	m.mu.Unlock()

	if engine != nil {
		if err := engine.Leave(); err != nil {
			log.Printf("[voice] leave: %v", err)
		}
		engine.Release()
	}

	m.setState(StateDisconnected)
}

// ---------------------------------------------------------------------------
// EventHandler — transport callbacks
// ---------------------------------------------------------------------------

// OnJoinSuccess implements EventHandler.
func (m *Machine) OnJoinSuccess() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.mu.Unlock()

	m.setState(StateConnected)
}

// OnPeerJoined implements EventHandler.
func (m *Machine) OnPeerJoined(userID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.remote[userID] = struct{}{}
	count := len(m.remote)
	cb := m.onPeers
	m.mu.Unlock()

	log.Printf("[voice] peer joined: %s", userID)
	if cb != nil {
		cb(count)
	}
}

// OnPeerLeft implements EventHandler.
func (m *Machine) OnPeerLeft(userID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.remote, userID)
	count := len(m.remote)
	cb := m.onPeers
	m.mu.Unlock()

	log.Printf("[voice] peer left: %s", userID)
	if cb != nil {
		cb(count)
	}
}

// OnStateChanged implements EventHandler.
func (m *Machine) OnStateChanged(ts TransportState) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	state := m.state
	m.mu.Unlock()

	switch ts {
	case TransportConnected:
		if state == StateConnecting || state == StateReconnecting {
			m.OnJoinSuccess()
		}
	case TransportReconnecting:
		if state == StateConnected {
			m.setState(StateReconnecting)
		}
	case TransportDisconnected:
		// An unsolicited disconnect; the reconcile loop and transport
		// events settle the final state.
		if state == StateConnected {
			m.setState(StateReconnecting)
		}
	case TransportFailed:
		m.handleJoinFailure(fmt.Errorf("voice: transport reported failure"))
	}
}

// OnError implements EventHandler. Code 110 is a known transport false
// positive and is dropped; the fatal subset ends the call; everything else
// is logged and ignored.
func (m *Machine) OnError(code int, message string) {
	if code == spuriousErrorCode {
		log.Printf("[voice] ignoring spurious transport error %d", code)
		return
	}
	if IsFatalTransportCode(code) {
		m.fail(&TransportError{Code: code, Message: message})
		return
	}
	log.Printf("[voice] non-fatal transport error %d: %s", code, message)
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// connect issues one join attempt. Failures feed the bounded retry policy.
func (m *Machine) connect() {
	m.mu.Lock()
	if m.closed || m.engine == nil {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	if attempt > 1 {
		metrics.JoinRetriesTotal.Inc()
	}
	engine := m.engine
	ctx := m.joinCtx
	roomID, userID := m.roomID, m.userID
	m.mu.Unlock()

	log.Printf("[voice] join attempt %d/%d room=%s", attempt, m.cfg.Retry.MaxAttempts, roomID)

	if err := engine.Join(ctx, roomID, userID); err != nil {
		m.handleJoinFailure(err)
	}
}

// handleJoinFailure retries with the fixed delay while attempts remain,
// otherwise parks in StateFailed awaiting a manual Retry.
func (m *Machine) handleJoinFailure(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.Retry.MaxAttempts {
		m.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrConnectionFailed, m.attempts, cause)
		m.mu.Unlock()
		log.Printf("[voice] join failed, retries exhausted: %v", cause)
		m.setState(StateFailed)
		return
	}
	delay := m.cfg.Retry.Delay
	m.mu.Unlock()

	log.Printf("[voice] join failed, retrying in %s: %v", delay, cause)

	go func() {
		t := m.clock.NewTimer(delay)
		defer func() {
			if !t.Stop() {
				select {
				case <-t.Chan():
				default:
				}
			}
		}()

		select {
		case <-t.Chan():
			m.connect()
		case <-m.done:
		}
	}()
}

// reconcileLoop periodically compares the transport's authoritative in-room
// flag against the local state and corrects drift. Transport callbacks were
// found unreliable; this check is required self-healing, not polish.
func (m *Machine) reconcileLoop() {
	ticker := m.clock.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.Chan():
			m.reconcile()
		}
	}
}

func (m *Machine) reconcile() {
	m.mu.Lock()
	engine := m.engine
	state := m.state
	m.mu.Unlock()

	if engine == nil {
		return
	}

	inRoom := engine.InRoom()
	switch {
	case inRoom && (state == StateConnecting || state == StateReconnecting):
		log.Printf("[voice] reconcile: transport in room, state was %q", state)
		m.OnJoinSuccess()
	case !inRoom && state == StateConnected:
		log.Printf("[voice] reconcile: transport left room, state was %q", state)
		m.setState(StateReconnecting)
	}
}

// connectedEngine returns the engine if and only if the machine is connected.
func (m *Machine) connectedEngine() (Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.state != StateConnected || m.engine == nil {
		return nil, ErrNotConnected
	}
	return m.engine, nil
}

// fail moves the machine to StateFailed with the given cause.
func (m *Machine) fail(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.lastErr = cause
	m.mu.Unlock()

	m.setState(StateFailed)
}

// setState records a transition and notifies the observer outside the lock.
func (m *Machine) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	cb := m.onState
	m.mu.Unlock()

	log.Printf("[voice] state -> %s", s)
	if cb != nil {
		cb(s)
	}
}
