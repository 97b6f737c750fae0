package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "presence:"

// RedisMirror stores one hash per online user: {conn_id, role, last_seen}, expiring after TTL.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &RedisMirror{rdb: rdb, ttl: ttl, now: time.Now}
}

func Key(userID string) string { return keyPrefix + userID }

func (m *RedisMirror) SetOnline(ctx context.Context, userID, connID, role string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	key := Key(userID)
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "conn_id", connID, "role", role, "last_seen", m.now().UTC().Unix())
		p.PExpire(ctx, key, m.ttl)
		return nil
	})
	return err
}

// offlineScript deletes the key only if it still belongs to the given connection,
// so a late disconnect cannot erase a newer registration from another process.
var offlineScript = redis.NewScript(`
-- KEYS[1] = presence key
-- ARGV[1] = conn id
if redis.call('HGET', KEYS[1], 'conn_id') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

func (m *RedisMirror) SetOffline(ctx context.Context, userID, connID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	return offlineScript.Run(ctx, m.rdb, []string{Key(userID)}, connID).Err()
}

// IsOnline reads the mirrored status, e.g. for other processes.
func (m *RedisMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, Key(userID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
