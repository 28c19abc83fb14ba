package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ventline/vent-app/internal/messaging"
)

const (
	// KeyPrefix is the Redis key prefix for session hashes.
	KeyPrefix = "vent:session:"

	// WaitingIndexKey is the sorted set of sessions with status=waiting,
	// scored by creation timestamp (ms) for recency queries.
	WaitingIndexKey = "vent:sessions:waiting"

	// SessionTTL bounds how long an abandoned session record lives.
	SessionTTL = 2 * time.Hour

	// AvailableWindow is the client-side recency filter for the available
	// session query: waiting rooms older than this are dropped.
	AvailableWindow = 1 * time.Hour

	// AvailableLimit caps the available session query result set.
	AvailableLimit = 20
)

// Sentinel errors for session store operations. Store connectivity failures
// wrap ErrStoreUnavailable so callers can distinguish a retryable outage
// from a definitive rejection.
var (
	ErrStoreUnavailable = errors.New("session: store unavailable")
	ErrNotFound         = errors.New("session: not found")
	ErrSessionConflict  = errors.New("session: already active")
	ErrSessionEnded     = errors.New("session: already ended")
)

// Store manages session records in Redis and publishes change events over
// NATS after every successful write.
type Store struct {
	rdb  *redis.Client
	nats *messaging.NATSClient

	joinScript   *redis.Script
	activeScript *redis.Script
	endScript    *redis.Script
	leaveScript  *redis.Script
}

// NewStore creates a session store on the given Redis client and NATS client.
func NewStore(rdb *redis.Client, nats *messaging.NATSClient) *Store {
	return &Store{
		rdb:          rdb,
		nats:         nats,
		joinScript:   redis.NewScript(joinListenerLua),
		activeScript: redis.NewScript(markActiveLua),
		endScript:    redis.NewScript(markEndedLua),
		leaveScript:  redis.NewScript(listenerLeaveLua),
	}
}

// Create writes a new waiting session owned by the venter and indexes it as
// available. The returned record carries the server-assigned timestamps.
func (s *Store) Create(ctx context.Context, venterID, ventText string, plan Plan) (*Session, error) {
	id := uuid.New().String()
	now := time.Now().UnixMilli()

	sess := &Session{
		ID:               id,
		VenterID:         venterID,
		VentText:         ventText,
		Plan:             string(plan),
		Status:           StatusWaiting,
		CreatedAt:        now,
		ParticipantCount: 1,
		LastActivityAt:   now,
	}

	key := KeyPrefix + id
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":                id,
		"venter_id":         venterID,
		"listener_id":       "",
		"vent_text":         ventText,
		"plan":              string(plan),
		"status":            string(StatusWaiting),
		"created_at":        now,
		"start_time":        0,
		"end_time":          0,
		"participant_count": 1,
		"last_activity":     now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	pipe.ZAdd(ctx, WaitingIndexKey, redis.Z{Score: float64(now), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStoreUnavailable, id, err)
	}

	s.publishChanged(id, false)
	return sess, nil
}

// Get retrieves a session record. Missing records return ErrNotFound, which
// is distinct from a store outage.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := s.rdb.HGetAll(ctx, KeyPrefix+id).Scan(&sess); err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, id, err)
	}
	if sess.ID == "" {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// JoinAsListener claims the listener seat on a waiting session. The update is
// conditional: it applies only while status is still waiting, so a second
// listener (or a join on an ended room) fails closed with no write.
func (s *Store) JoinAsListener(ctx context.Context, id, listenerID string) error {
	now := time.Now().UnixMilli()
	res, err := s.joinScript.Run(ctx, s.rdb,
		[]string{KeyPrefix + id, WaitingIndexKey},
		listenerID, now, id).Int()
	if err != nil {
		return fmt.Errorf("%w: join %s: %v", ErrStoreUnavailable, id, err)
	}
	if err := transitionErr(res); err != nil {
		return err
	}

	s.publishChanged(id, false)
	return nil
}

// MarkActive transitions a waiting session to active with a start timestamp.
// Calling it on an already active session is a no-op; on an ended session it
// returns ErrSessionEnded.
func (s *Store) MarkActive(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	res, err := s.activeScript.Run(ctx, s.rdb,
		[]string{KeyPrefix + id, WaitingIndexKey}, now, id).Int()
	if err != nil {
		return fmt.Errorf("%w: mark active %s: %v", ErrStoreUnavailable, id, err)
	}
	if err := transitionErr(res); err != nil {
		return err
	}
	if res == 1 {
		s.publishChanged(id, false)
	}
	return nil
}

// MarkEnded transitions a session to its terminal ended state. Subsequent
// status writes are rejected with ErrSessionEnded.
func (s *Store) MarkEnded(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	res, err := s.endScript.Run(ctx, s.rdb,
		[]string{KeyPrefix + id, WaitingIndexKey}, now, id).Int()
	if err != nil {
		return fmt.Errorf("%w: mark ended %s: %v", ErrStoreUnavailable, id, err)
	}
	if err := transitionErr(res); err != nil {
		return err
	}

	s.publishChanged(id, false)
	return nil
}

// Leave records a participant leaving the session. The venter owns the room:
// a venter leaving ends the session outright. A listener leaving clears the
// listener fields and returns the room to the joinable waiting state.
func (s *Store) Leave(ctx context.Context, id string, asListener bool) error {
	if !asListener {
		return s.MarkEnded(ctx, id)
	}

	now := time.Now().UnixMilli()
	res, err := s.leaveScript.Run(ctx, s.rdb,
		[]string{KeyPrefix + id, WaitingIndexKey}, now, id).Int()
	if err != nil {
		return fmt.Errorf("%w: leave %s: %v", ErrStoreUnavailable, id, err)
	}
	if err := transitionErr(res); err != nil {
		return err
	}

	s.publishChanged(id, false)
	return nil
}

// Heartbeat bumps the session's last-activity timestamp.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	if err := s.rdb.HSet(ctx, KeyPrefix+id, "last_activity", now).Err(); err != nil {
		return fmt.Errorf("%w: heartbeat %s: %v", ErrStoreUnavailable, id, err)
	}
	return nil
}

// Delete removes a session record and its index entry, then publishes a
// deleted change event so document watchers observe the removal.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, KeyPrefix+id)
	pipe.ZRem(ctx, WaitingIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStoreUnavailable, id, err)
	}

	s.publishChanged(id, true)
	return nil
}

// AvailableSessions returns waiting sessions inside the recency window,
// newest first, capped at AvailableLimit.
func (s *Store) AvailableSessions(ctx context.Context) ([]Session, error) {
	cutoff := time.Now().Add(-AvailableWindow).UnixMilli()
	ids, err := s.rdb.ZRevRangeByScore(ctx, WaitingIndexKey, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%d", cutoff),
		Max:   "+inf",
		Count: AvailableLimit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: available query: %v", ErrStoreUnavailable, err)
	}

	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // index entry outlived the record
		}
		if err != nil {
			return nil, err
		}
		if sess.Status != StatusWaiting {
			continue
		}
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

// StaleWaitingSessions returns ids of waiting sessions created before the
// cutoff, for the sweeper.
func (s *Store) StaleWaitingSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, WaitingIndexKey, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: stale query: %v", ErrStoreUnavailable, err)
	}
	return ids, nil
}

// WaitingCount returns the number of indexed waiting sessions.
func (s *Store) WaitingCount(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, WaitingIndexKey).Result()
}

func (s *Store) publishChanged(id string, deleted bool) {
	if s.nats == nil {
		return
	}
	data, _ := json.Marshal(ChangeEvent{ID: id, Deleted: deleted})
	if err := s.nats.PublishSessionChanged(id, data); err != nil {
		log.Printf("[session] publish change %s: %v", id, err)
	}
}

// transitionErr maps the Lua transition return codes to sentinel errors.
func transitionErr(code int) error {
	switch code {
	case -1:
		return ErrNotFound
	case -2:
		return ErrSessionConflict
	case -3:
		return ErrSessionEnded
	}
	return nil
}

// joinListenerLua atomically claims the listener seat. Returns 1 on success,
// -1 if the record is missing, -2 if another listener already joined, -3 if
// the session already ended.
const joinListenerLua = `
local key = KEYS[1]
local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status == 'ended' then return -3 end
if status ~= 'waiting' then return -2 end

redis.call('HSET', key,
    'listener_id', ARGV[1],
    'status', 'active',
    'start_time', ARGV[2],
    'participant_count', 2,
    'last_activity', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`

// markActiveLua moves waiting -> active. Returns 0 when already active (the
// transition is idempotent forward), -1 missing, -3 ended.
const markActiveLua = `
local key = KEYS[1]
local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status == 'ended' then return -3 end
if status == 'active' then return 0 end

redis.call('HSET', key,
    'status', 'active',
    'start_time', ARGV[1],
    'last_activity', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`

// markEndedLua moves any live state -> ended. Ended is terminal: a second
// call returns -3 and writes nothing.
const markEndedLua = `
local key = KEYS[1]
local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status == 'ended' then return -3 end

redis.call('HSET', key,
    'status', 'ended',
    'end_time', ARGV[1],
    'last_activity', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`

// listenerLeaveLua clears the listener seat and returns the room to the
// waiting index so another listener can join.
const listenerLeaveLua = `
local key = KEYS[1]
local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status == 'ended' then return -3 end

redis.call('HSET', key,
    'listener_id', '',
    'status', 'waiting',
    'start_time', 0,
    'participant_count', 1,
    'last_activity', ARGV[1])
local created = redis.call('HGET', key, 'created_at')
redis.call('ZADD', KEYS[2], tonumber(created), ARGV[2])
return 1
`
