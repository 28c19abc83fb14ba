// Package queue maintains the matchmaking queue of waiting venters and
// listeners and performs the pairing that creates a session. Queue entries
// live in Redis; listener pickup goes through an atomic claim script so two
// venters racing for the same listener get exactly one winner.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ventline/vent-app/internal/session"
)

const (
	// EntryPrefix is the Redis key prefix for queue entry hashes.
	EntryPrefix = "vent:queue:entry:"

	// rolePrefix + role names the per-role sorted set, scored by enqueue
	// timestamp (ms). Ties order by entry id, the zset member.
	rolePrefix = "vent:queue:"

	// DefaultMaxWaitSeconds is how long a venter waits for a listener
	// before the matchmaking attempt times out.
	DefaultMaxWaitSeconds = 300

	// entryTTLSlack pads the entry key TTL past the entry's max wait so
	// the sweeper, not key expiry, is what removes and notifies.
	entryTTLSlack = 60 * time.Second

	// claimScanDepth bounds how many stale index entries one claim call
	// skips over.
	claimScanDepth = 10
)

// Role distinguishes the two sides of the queue.
type Role string

const (
	RoleVenter   Role = "venter"
	RoleListener Role = "listener"
)

// Entry is one participant waiting for a match.
type Entry struct {
	ID             string `redis:"id"`
	UserID         string `redis:"user_id"`
	Role           Role   `redis:"role"`
	VentText       string `redis:"vent_text"`
	Status         string `redis:"status"` // waiting | matched
	CreatedAt      int64  `redis:"created_at"`
	MaxWaitSeconds int    `redis:"max_wait_seconds"`
}

// StatusWaiting marks an entry still eligible for pairing.
const StatusWaiting = "waiting"

// ErrNoListenerAvailable is returned when a matchmaking attempt exhausts its
// wait without a listener appearing. Terminal for that attempt.
var ErrNoListenerAvailable = errors.New("queue: no listener available")

// Store manages the Redis data structures for the matchmaking queue.
type Store struct {
	rdb         *redis.Client
	claimScript *redis.Script
}

// NewStore creates a queue store on the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:         rdb,
		claimScript: redis.NewScript(claimOldestLua),
	}
}

func roleKey(role Role) string {
	return rolePrefix + string(role)
}

// Enqueue inserts a waiting entry for the user. maxWaitSeconds <= 0 falls
// back to the 5-minute default.
func (s *Store) Enqueue(ctx context.Context, userID string, role Role, ventText string, maxWaitSeconds int) (*Entry, error) {
	if maxWaitSeconds <= 0 {
		maxWaitSeconds = DefaultMaxWaitSeconds
	}

	entry := &Entry{
		ID:             uuid.New().String(),
		UserID:         userID,
		Role:           role,
		VentText:       ventText,
		Status:         StatusWaiting,
		CreatedAt:      time.Now().UnixMilli(),
		MaxWaitSeconds: maxWaitSeconds,
	}

	key := EntryPrefix + entry.ID
	ttl := time.Duration(maxWaitSeconds)*time.Second + entryTTLSlack

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":               entry.ID,
		"user_id":          userID,
		"role":             string(role),
		"vent_text":        ventText,
		"status":           StatusWaiting,
		"created_at":       entry.CreatedAt,
		"max_wait_seconds": maxWaitSeconds,
	})
	pipe.Expire(ctx, key, ttl)
	pipe.ZAdd(ctx, roleKey(role), redis.Z{Score: float64(entry.CreatedAt), Member: entry.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: enqueue %s: %v", session.ErrStoreUnavailable, userID, err)
	}

	return entry, nil
}

// GetEntry retrieves a queue entry. Returns nil, nil if not found.
func (s *Store) GetEntry(ctx context.Context, entryID string) (*Entry, error) {
	var entry Entry
	if err := s.rdb.HGetAll(ctx, EntryPrefix+entryID).Scan(&entry); err != nil {
		return nil, fmt.Errorf("%w: get entry %s: %v", session.ErrStoreUnavailable, entryID, err)
	}
	if entry.ID == "" {
		return nil, nil
	}
	return &entry, nil
}

// Remove deletes a queue entry and its index membership. Idempotent.
func (s *Store) Remove(ctx context.Context, entryID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, EntryPrefix+entryID)
	pipe.ZRem(ctx, roleKey(RoleVenter), entryID)
	pipe.ZRem(ctx, roleKey(RoleListener), entryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: remove entry %s: %v", session.ErrStoreUnavailable, entryID, err)
	}
	return nil
}

// ClaimOldestListener atomically removes and returns the oldest waiting
// listener entry, or nil when none is waiting. At most one caller wins a
// given entry; concurrent claimants see nil and keep waiting.
func (s *Store) ClaimOldestListener(ctx context.Context) (*Entry, error) {
	res, err := s.claimScript.Run(ctx, s.rdb,
		[]string{roleKey(RoleListener)}, EntryPrefix, claimScanDepth).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: claim listener: %v", session.ErrStoreUnavailable, err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) < 3 {
		return nil, fmt.Errorf("queue: unexpected claim result %v", res)
	}

	entry := &Entry{
		ID:     fields[0].(string),
		UserID: fields[1].(string),
		Role:   RoleListener,
		Status: StatusWaiting,
	}
	fmt.Sscanf(fields[2].(string), "%d", &entry.CreatedAt)
	return entry, nil
}

// Entries returns all entry ids for a role, ordered oldest first.
func (s *Store) Entries(ctx context.Context, role Role) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, roleKey(role), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list %s queue: %v", session.ErrStoreUnavailable, role, err)
	}
	return ids, nil
}

// Depth returns the number of waiting entries for a role.
func (s *Store) Depth(ctx context.Context, role Role) (int64, error) {
	return s.rdb.ZCard(ctx, roleKey(role)).Result()
}

// claimOldestLua pops the oldest waiting entry from the role index. Stale
// index members (entry key expired or already matched) are pruned as it
// scans, bounded by ARGV[2]. Returns {id, user_id, created_at} or false.
const claimOldestLua = `
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[2]) - 1)
for _, id in ipairs(ids) do
    local key = ARGV[1] .. id
    local status = redis.call('HGET', key, 'status')
    if status == 'waiting' then
        local user = redis.call('HGET', key, 'user_id')
        local created = redis.call('HGET', key, 'created_at')
        redis.call('ZREM', KEYS[1], id)
        redis.call('DEL', key)
        return {id, user, created}
    end
    redis.call('ZREM', KEYS[1], id)
end
return false
`
