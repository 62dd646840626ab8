package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatrelay/internal/domain"
)

type fakeKV struct {
	setKey   string
	setValue interface{}
	setTTL   time.Duration
	delKeys  []string
	err      error
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.setKey, f.setValue, f.setTTL = key, value, expiration
	return redis.NewStatusResult("OK", f.err)
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.delKeys = append(f.delKeys, keys...)
	return redis.NewIntResult(int64(len(keys)), f.err)
}

func TestRedisMirror_Online(t *testing.T) {
	kv := &fakeKV{}
	m := NewRedisMirror(kv)

	err := m.Online(context.Background(), domain.PresenceEntry{Identity: "u1", DisplayName: "Alice"}, 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "chatrelay:presence:u1", kv.setKey)
	assert.Equal(t, "Alice", kv.setValue)
	assert.Equal(t, 5*time.Minute, kv.setTTL)
}

func TestRedisMirror_Offline(t *testing.T) {
	kv := &fakeKV{}
	m := NewRedisMirror(kv)

	require.NoError(t, m.Offline(context.Background(), []string{"u1", "u2"}))
	assert.Equal(t, []string{"chatrelay:presence:u1", "chatrelay:presence:u2"}, kv.delKeys)

	require.NoError(t, m.Offline(context.Background(), nil))
	assert.Len(t, kv.delKeys, 2, "no call for an empty eviction set")
}

func TestRedisMirror_WrapsErrors(t *testing.T) {
	cause := errors.New("READONLY")
	m := NewRedisMirror(&fakeKV{err: cause})

	err := m.Online(context.Background(), domain.PresenceEntry{Identity: "u1"}, time.Minute)
	assert.ErrorIs(t, err, cause)

	err = m.Offline(context.Background(), []string{"u1"})
	assert.ErrorIs(t, err, cause)

	assert.NoError(t, m.Close())
}
