package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ventline/vent-app/internal/messaging"
	"github.com/ventline/vent-app/internal/metrics"
	"github.com/ventline/vent-app/internal/session"
)

// ErrWaitCancelled is returned from a listener wait that was cancelled,
// either explicitly or by a newer wait from the same user.
var ErrWaitCancelled = errors.New("queue: wait cancelled")

// MatchFound is the notification payload sent to a claimed listener.
type MatchFound struct {
	SessionID string `json:"session_id"`
	VentText  string `json:"vent_text,omitempty"`
}

// TimeoutNotice is the notification payload for an expired queue entry.
type TimeoutNotice struct {
	EntryID string `json:"entry_id"`
}

// Matchmaker pairs waiting venters with listeners. A venter either claims a
// listener immediately or parks in the queue and waits for one to appear;
// claimed listeners are told which session to join over NATS.
type Matchmaker struct {
	store    *Store
	sessions *session.Store
	nats     *messaging.NATSClient
	clock    clockwork.Clock

	mu    sync.Mutex
	waits map[string]*waiter // one outstanding wait per user
}

type waiter struct {
	cancel context.CancelFunc
}

// NewMatchmaker creates a matchmaker over the given stores.
func NewMatchmaker(store *Store, sessions *session.Store, nats *messaging.NATSClient, clock clockwork.Clock) *Matchmaker {
	return &Matchmaker{
		store:    store,
		sessions: sessions,
		nats:     nats,
		clock:    clock,
		waits:    make(map[string]*waiter),
	}
}

// FindMatch pairs the venter with a listener. If a listener is already
// waiting the session is created immediately; otherwise the venter is
// enqueued and the call blocks until a listener appears or the default max
// wait elapses, failing with ErrNoListenerAvailable.
func (m *Matchmaker) FindMatch(ctx context.Context, userID, ventText string, plan session.Plan) (*session.Session, error) {
	start := m.clock.Now()

	claimed, err := m.store.ClaimOldestListener(ctx)
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		sess, err := m.createMatched(ctx, userID, ventText, plan, claimed)
		if err == nil {
			metrics.MatchesTotal.WithLabelValues("matched").Inc()
			metrics.MatchDuration.Observe(m.clock.Since(start).Seconds())
		}
		return sess, err
	}

	entry, err := m.store.Enqueue(ctx, userID, RoleVenter, ventText, DefaultMaxWaitSeconds)
	if err != nil {
		return nil, err
	}

	sess, err := m.WaitForListener(ctx, entry, plan)
	if err == nil {
		metrics.MatchesTotal.WithLabelValues("matched").Inc()
		metrics.MatchDuration.Observe(m.clock.Since(start).Seconds())
	}
	return sess, err
}

// WaitForListener blocks until a listener can be claimed for the queued
// venter entry, the entry's max wait elapses, or the wait is cancelled. Only
// one wait may be outstanding per user; starting a second cancels the first.
//
// On timeout the venter's queue entry is removed before returning
// ErrNoListenerAvailable, so no ghost entry lingers in the queue.
func (m *Matchmaker) WaitForListener(ctx context.Context, entry *Entry, plan session.Plan) (*session.Session, error) {
	waitCtx, cleanup := m.registerWait(entry.UserID)
	defer cleanup()

	// Wake on every listener-join announcement. The buffered channel
	// coalesces bursts; a spurious wake just re-runs the claim.
	wake := make(chan struct{}, 1)
	subKey := "wait:" + entry.ID
	if err := m.nats.SubscribeQueueJoined(string(RoleListener), subKey, func([]byte) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}); err != nil {
		m.removeEntry(entry.ID)
		return nil, fmt.Errorf("queue: wait subscribe: %w", err)
	}
	defer func() {
		if err := m.nats.Unsubscribe(subKey); err != nil {
			log.Printf("[queue] unsubscribe %s: %v", subKey, err)
		}
	}()

	maxWait := time.Duration(entry.MaxWaitSeconds) * time.Second
	deadline := m.clock.NewTimer(maxWait)
	defer stopAndDrain(deadline)

	for {
		claimed, err := m.store.ClaimOldestListener(ctx)
		if err != nil {
			m.removeEntry(entry.ID)
			return nil, err
		}
		if claimed != nil {
			m.removeEntry(entry.ID)
			return m.createMatched(ctx, entry.UserID, entry.VentText, plan, claimed)
		}

		select {
		case <-wake:
		case <-deadline.Chan():
			m.removeEntry(entry.ID)
			m.notifyTimeout(entry)
			metrics.MatchesTotal.WithLabelValues("timeout").Inc()
			return nil, ErrNoListenerAvailable
		case <-waitCtx.Done():
			metrics.MatchesTotal.WithLabelValues("cancelled").Inc()
			return nil, ErrWaitCancelled
		case <-ctx.Done():
			m.removeEntry(entry.ID)
			return nil, ctx.Err()
		}
	}
}

// EnqueueListener adds a listener to the queue and announces the join so
// waiting venters re-run their claim.
func (m *Matchmaker) EnqueueListener(ctx context.Context, userID string) (*Entry, error) {
	entry, err := m.store.Enqueue(ctx, userID, RoleListener, "", DefaultMaxWaitSeconds)
	if err != nil {
		return nil, err
	}
	if err := m.nats.PublishQueueJoined(string(RoleListener), nil); err != nil {
		log.Printf("[queue] announce listener join: %v", err)
	}
	return entry, nil
}

// AwaitMatch blocks a queued listener until a venter claims them, returning
// the session id to join. Times out after maxWait.
func (m *Matchmaker) AwaitMatch(ctx context.Context, userID string, maxWait time.Duration) (string, error) {
	found := make(chan string, 1)
	if err := m.nats.SubscribeMatchFound(userID, func(data []byte) {
		var mf MatchFound
		if err := json.Unmarshal(data, &mf); err != nil {
			log.Printf("[queue] invalid match notification: %v", err)
			return
		}
		select {
		case found <- mf.SessionID:
		default:
		}
	}); err != nil {
		return "", fmt.Errorf("queue: await subscribe: %w", err)
	}
	defer func() {
		if err := m.nats.UnsubscribeMatchFound(userID); err != nil {
			log.Printf("[queue] unsubscribe match found: %v", err)
		}
	}()

	deadline := m.clock.NewTimer(maxWait)
	defer stopAndDrain(deadline)

	select {
	case sessionID := <-found:
		return sessionID, nil
	case <-deadline.Chan():
		return "", ErrNoListenerAvailable
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel aborts any pending wait for the user and deletes their queue entry.
// Idempotent: cancelling an absent wait or entry is a no-op.
func (m *Matchmaker) Cancel(ctx context.Context, userID, entryID string) error {
	m.mu.Lock()
	if w, ok := m.waits[userID]; ok {
		w.cancel()
		delete(m.waits, userID)
	}
	m.mu.Unlock()

	if entryID == "" {
		return nil
	}
	return m.store.Remove(ctx, entryID)
}

// createMatched creates the session record for a venter/listener pair and
// notifies the listener which session to join. The session starts waiting
// with one participant; the listener's conditional join flips it active.
func (m *Matchmaker) createMatched(ctx context.Context, venterID, ventText string, plan session.Plan, listener *Entry) (*session.Session, error) {
	sess, err := m.sessions.Create(ctx, venterID, ventText, plan)
	if err != nil {
		// The listener entry was already consumed by the claim; put it
		// back so the listener is not silently dropped from the queue.
		if _, reErr := m.store.Enqueue(ctx, listener.UserID, RoleListener, "", DefaultMaxWaitSeconds); reErr != nil {
			log.Printf("[queue] re-enqueue listener %s: %v", listener.UserID, reErr)
		}
		return nil, err
	}

	data, _ := json.Marshal(MatchFound{SessionID: sess.ID, VentText: ventText})
	if err := m.nats.PublishMatchFound(listener.UserID, data); err != nil {
		log.Printf("[queue] notify listener %s: %v", listener.UserID, err)
	}

	log.Printf("[queue] matched venter=%s listener=%s session=%s", venterID, listener.UserID, sess.ID)
	return sess, nil
}

// registerWait records a wait for the user, cancelling any previous one.
func (m *Matchmaker) registerWait(userID string) (context.Context, func()) {
	waitCtx, cancel := context.WithCancel(context.Background())
	w := &waiter{cancel: cancel}

	m.mu.Lock()
	if prev, ok := m.waits[userID]; ok {
		prev.cancel()
	}
	m.waits[userID] = w
	m.mu.Unlock()

	return waitCtx, func() {
		m.mu.Lock()
		if m.waits[userID] == w {
			delete(m.waits, userID)
		}
		m.mu.Unlock()
		cancel()
	}
}

func (m *Matchmaker) removeEntry(entryID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Remove(ctx, entryID); err != nil {
		log.Printf("[queue] remove entry %s: %v", entryID, err)
	}
}

func (m *Matchmaker) notifyTimeout(entry *Entry) {
	data, _ := json.Marshal(TimeoutNotice{EntryID: entry.ID})
	if err := m.nats.PublishMatchTimeout(entry.UserID, data); err != nil {
		log.Printf("[queue] notify timeout %s: %v", entry.UserID, err)
	}
	log.Printf("[queue] wait timed out user=%s entry=%s", entry.UserID, entry.ID)
}

// stopAndDrain stops a timer and drains its channel so an already-fired
// timer does not leak a pending value.
func stopAndDrain(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
