// Package call composes the matchmaking queue, session store, voice
// connection state machine, and session timer into the caller-facing call
// lifecycle: start as venter, join as listener, countdown, warnings, and the
// single teardown path every ending runs through.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ventline/vent-app/internal/metrics"
	"github.com/ventline/vent-app/internal/session"
	"github.com/ventline/vent-app/internal/timer"
	"github.com/ventline/vent-app/internal/voice"
)

// Matchmaker is the queue collaborator the orchestrator pairs through.
type Matchmaker interface {
	FindMatch(ctx context.Context, userID, ventText string, plan session.Plan) (*session.Session, error)
	Cancel(ctx context.Context, userID, entryID string) error
}

// SessionStore is the session-record collaborator.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	JoinAsListener(ctx context.Context, id, listenerID string) error
	MarkActive(ctx context.Context, id string) error
	Leave(ctx context.Context, id string, asListener bool) error
	Heartbeat(ctx context.Context, id string) error
	SubscribeOne(id string, callback func(*session.Session)) (func(), error)
}

// Summary is the final call report returned from EndCall.
type Summary struct {
	SessionID      string
	Plan           session.Plan
	ElapsedSeconds int
	AutoEnded      bool // countdown expired
	PeerEnded      bool // the other party ended first
}

// ErrCallEnded is returned from operations on an orchestrator whose call has
// already been torn down.
var ErrCallEnded = errors.New("call: already ended")

// Orchestrator runs one voice call end to end. It owns exactly one voice
// machine and one timer, constructed per call and destroyed on teardown —
// never shared across calls.
type Orchestrator struct {
	userID     string
	store      SessionStore
	matchmaker Matchmaker
	factory    voice.EngineFactory
	perms      voice.PermissionRequester
	engineCfg  voice.EngineConfig
	voiceCfg   voice.Config
	clock      clockwork.Clock

	mu         sync.Mutex
	sess       *session.Session
	asListener bool
	machine    *voice.Machine
	clockTimer *timer.Timer
	unsub      func()
	summary    Summary
	ended      bool

	startOnce sync.Once // timer starts on the first connect only
	endOnce   sync.Once
	endedCh   chan struct{}

	onConnState func(voice.State)
	onPeers     func(int)
	onWarning   func(secondsLeft int)
}

// New creates an orchestrator for one user. A fresh orchestrator is needed
// per call.
func New(userID string, store SessionStore, matchmaker Matchmaker, factory voice.EngineFactory,
	perms voice.PermissionRequester, engineCfg voice.EngineConfig, voiceCfg voice.Config,
	clock clockwork.Clock) *Orchestrator {
	return &Orchestrator{
		userID:     userID,
		store:      store,
		matchmaker: matchmaker,
		factory:    factory,
		perms:      perms,
		engineCfg:  engineCfg,
		voiceCfg:   voiceCfg,
		clock:      clock,
		endedCh:    make(chan struct{}),
	}
}

// OnConnectionState registers the connection-state observer. Set before
// starting the call.
func (o *Orchestrator) OnConnectionState(cb func(voice.State)) { o.onConnState = cb }

// OnRemoteParticipants registers the remote-participant-count observer.
func (o *Orchestrator) OnRemoteParticipants(cb func(int)) { o.onPeers = cb }

// OnTimeWarning registers the low-time warning observer.
func (o *Orchestrator) OnTimeWarning(cb func(secondsLeft int)) { o.onWarning = cb }

// StartAsVenter finds a listener (blocking in the queue if none is waiting),
// then runs the call as the session owner. Returns the session id once the
// call is set up; connection progress arrives through the observers.
func (o *Orchestrator) StartAsVenter(ctx context.Context, ventText string, plan session.Plan) (string, error) {
	sess, err := o.matchmaker.FindMatch(ctx, o.userID, ventText, plan)
	if err != nil {
		return "", err
	}

	if err := o.run(ctx, sess, false); err != nil {
		return "", err
	}
	return sess.ID, nil
}

// JoinAsListener claims the listener seat on an existing session and runs
// the call. The claim is conditional; a room that is already active or ended
// rejects the join with no write.
func (o *Orchestrator) JoinAsListener(ctx context.Context, sessionID string) error {
	if err := o.store.JoinAsListener(ctx, sessionID, o.userID); err != nil {
		return err
	}

	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.run(ctx, sess, true)
}

// run wires up the machine, timer, and session watch for a call. Any setup
// failure tears everything down before returning.
func (o *Orchestrator) run(ctx context.Context, sess *session.Session, asListener bool) (err error) {
	plan := session.Plan(sess.Plan)

	machine := voice.NewMachine(o.factory, o.perms, o.engineCfg, o.voiceCfg, o.clock)
	clockTimer := timer.New(o.clock, plan.DurationSeconds(), o.handleWarning, o.handleExpiry)

	o.mu.Lock()
	o.sess = sess
	o.asListener = asListener
	o.machine = machine
	o.clockTimer = clockTimer
	o.mu.Unlock()

	machine.OnStateChange(o.handleConnState)
	machine.OnPeerCountChange(o.handlePeerCount)

	metrics.ActiveCalls.Inc()

	defer func() {
		if err != nil {
			o.teardown("manual", false, false)
		}
	}()

	unsub, err := o.store.SubscribeOne(sess.ID, o.handleSessionUpdate)
	if err != nil {
		return fmt.Errorf("call: watch session: %w", err)
	}
	o.mu.Lock()
	o.unsub = unsub
	o.mu.Unlock()

	if err := machine.Start(ctx, sess.ID, o.userID); err != nil {
		return err
	}

	log.Printf("[call] started session=%s listener=%v plan=%q", sess.ID, asListener, sess.Plan)
	return nil
}

// Retry re-runs the voice join after an exhausted retry bound. The session
// and timer are untouched.
func (o *Orchestrator) Retry() error {
	o.mu.Lock()
	machine := o.machine
	ended := o.ended
	o.mu.Unlock()

	if ended || machine == nil {
		return ErrCallEnded
	}
	return machine.Retry()
}

// Mute toggles the local microphone; rejected unless connected.
func (o *Orchestrator) Mute(muted bool) error {
	o.mu.Lock()
	machine := o.machine
	o.mu.Unlock()
	if machine == nil {
		return ErrCallEnded
	}
	return machine.Mute(muted)
}

// SetSpeaker toggles speakerphone output; rejected unless connected.
func (o *Orchestrator) SetSpeaker(enabled bool) error {
	o.mu.Lock()
	machine := o.machine
	o.mu.Unlock()
	if machine == nil {
		return ErrCallEnded
	}
	return machine.SetSpeaker(enabled)
}

// ConnState returns the voice machine's current state.
func (o *Orchestrator) ConnState() voice.State {
	o.mu.Lock()
	machine := o.machine
	o.mu.Unlock()
	if machine == nil {
		return voice.StateDisconnected
	}
	return machine.State()
}

// TimerSnapshot returns the elapsed and remaining seconds of the session
// clock.
func (o *Orchestrator) TimerSnapshot() (elapsed, remaining int) {
	o.mu.Lock()
	t := o.clockTimer
	o.mu.Unlock()
	if t == nil {
		return 0, 0
	}
	return t.Snapshot()
}

// EndCall ends the session manually and returns the final summary. Safe to
// call more than once; later calls return the summary of the first.
func (o *Orchestrator) EndCall() Summary {
	o.teardown("manual", false, false)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summary
}

// Done is closed once the call has been torn down, however it ended.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.endedCh
}

// Summary returns the final call report; valid after Done is closed.
func (o *Orchestrator) Summary() Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summary
}

// ---------------------------------------------------------------------------
// event handlers
// ---------------------------------------------------------------------------

func (o *Orchestrator) handleConnState(s voice.State) {
	if s == voice.StateConnected {
		o.startOnce.Do(o.onFirstConnect)
	}
	if cb := o.onConnState; cb != nil {
		cb(s)
	}
}

// onFirstConnect runs when the machine first reaches connected: the venter's
// own join flips the session active, and the countdown starts — never
// before the transport is up.
func (o *Orchestrator) onFirstConnect() {
	o.mu.Lock()
	sess := o.sess
	asListener := o.asListener
	clockTimer := o.clockTimer
	o.mu.Unlock()

	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !asListener {
		if err := o.store.MarkActive(ctx, sess.ID); err != nil &&
			!errors.Is(err, session.ErrSessionEnded) {
			log.Printf("[call] mark active %s: %v", sess.ID, err)
		}
	}
	if err := o.store.Heartbeat(ctx, sess.ID); err != nil {
		log.Printf("[call] heartbeat %s: %v", sess.ID, err)
	}

	clockTimer.Start()
	log.Printf("[call] connected, countdown started session=%s", sess.ID)
}

func (o *Orchestrator) handlePeerCount(count int) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()

	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.store.Heartbeat(ctx, sess.ID); err != nil {
			log.Printf("[call] heartbeat %s: %v", sess.ID, err)
		}
	}

	if cb := o.onPeers; cb != nil {
		cb(count)
	}
}

// handleSessionUpdate watches the shared record for the peer ending the
// call: an observed terminal status, or the record disappearing entirely.
func (o *Orchestrator) handleSessionUpdate(sess *session.Session) {
	if sess == nil {
		o.teardown("peer", false, true)
		return
	}
	if sess.Status == session.StatusEnded {
		o.teardown("peer", false, true)
	}
}

func (o *Orchestrator) handleWarning(secondsLeft int) {
	log.Printf("[call] %ds remaining", secondsLeft)
	if cb := o.onWarning; cb != nil {
		cb(secondsLeft)
	}
}

func (o *Orchestrator) handleExpiry() {
	log.Printf("[call] session time expired")
	o.teardown("expired", true, false)
}

// ---------------------------------------------------------------------------
// teardown
// ---------------------------------------------------------------------------

// teardown is the single exit path: stop the timer, release the watch and
// the voice machine, write the terminal session status, and record the
// summary. Exactly once per call.
func (o *Orchestrator) teardown(reason string, autoEnded, peerEnded bool) {
	o.endOnce.Do(func() {
		o.mu.Lock()
		sess := o.sess
		asListener := o.asListener
		machine := o.machine
		clockTimer := o.clockTimer
		unsub := o.unsub
		o.unsub = nil
		o.ended = true
		o.mu.Unlock()

		elapsed := 0
		if clockTimer != nil {
			clockTimer.Stop()
			elapsed, _ = clockTimer.Snapshot()
		}
		if unsub != nil {
			unsub()
		}
		if machine != nil {
			machine.Close()
		}

		if sess != nil && !peerEnded {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := o.store.Leave(ctx, sess.ID, asListener); err != nil &&
				!errors.Is(err, session.ErrSessionEnded) &&
				!errors.Is(err, session.ErrNotFound) {
				log.Printf("[call] leave %s: %v", sess.ID, err)
			}
			cancel()
		}

		summary := Summary{
			ElapsedSeconds: elapsed,
			AutoEnded:      autoEnded,
			PeerEnded:      peerEnded,
		}
		if sess != nil {
			summary.SessionID = sess.ID
			summary.Plan = session.Plan(sess.Plan)
		}

		o.mu.Lock()
		o.summary = summary
		o.mu.Unlock()

		metrics.ActiveCalls.Dec()
		metrics.CallsEndedTotal.WithLabelValues(reason).Inc()
		close(o.endedCh)

		log.Printf("[call] ended session=%s reason=%s elapsed=%ds", summary.SessionID, reason, elapsed)
	})
}
