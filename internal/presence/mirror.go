package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nfrund/chatrelay/internal/domain"
)

// Mirror receives presence changes so that a roster can be read outside this
// process. Failures are logged by the registry and never affect it.
type Mirror interface {
	Online(ctx context.Context, entry domain.PresenceEntry, ttl time.Duration) error
	Offline(ctx context.Context, identities []string) error
}

// redisKV is the subset of the go-redis API used by RedisMirror.
type redisKV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// DefaultKeyPrefix namespaces mirror keys: <prefix><identity>.
const DefaultKeyPrefix = "chatrelay:presence:"

// RedisMirror stores each active identity as a key holding its display name,
// expiring after the presence window.
type RedisMirror struct {
	kv     redisKV
	prefix string
	closer func() error
}

// NewRedisMirror wraps an existing client.
func NewRedisMirror(kv redisKV) *RedisMirror {
	return &RedisMirror{kv: kv, prefix: DefaultKeyPrefix}
}

// RedisOptions configures DialRedisMirror.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// DialRedisMirror connects to Redis and verifies the connection with a ping.
func DialRedisMirror(ctx context.Context, opts RedisOptions) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	m := NewRedisMirror(client)
	m.closer = client.Close
	return m, nil
}

func (m *RedisMirror) key(identity string) string {
	return m.prefix + identity
}

// Online sets the identity key with the given TTL.
func (m *RedisMirror) Online(ctx context.Context, entry domain.PresenceEntry, ttl time.Duration) error {
	if err := m.kv.Set(ctx, m.key(entry.Identity), entry.DisplayName, ttl).Err(); err != nil {
		return fmt.Errorf("mirror online %s: %w", entry.Identity, err)
	}
	return nil
}

// Offline deletes the keys of evicted identities.
func (m *RedisMirror) Offline(ctx context.Context, identities []string) error {
	if len(identities) == 0 {
		return nil
	}
	keys := make([]string, len(identities))
	for i, identity := range identities {
		keys[i] = m.key(identity)
	}
	if err := m.kv.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("mirror offline: %w", err)
	}
	return nil
}

// Close releases the Redis client if the mirror owns it.
func (m *RedisMirror) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}
