package dedupe

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestCache_CheckAndMark(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := New(time.Minute, 10).WithClock(func() time.Time { return now })
	ctx := context.Background()

	seen, err := c.CheckAndMark(ctx, "SM1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, _ = c.CheckAndMark(ctx, "SM1")
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, _ = c.CheckAndMark(ctx, "SM1")
	assert.False(t, seen, "expired keys are treated as new")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Hour, 3)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = c.CheckAndMark(ctx, fmt.Sprintf("k%d", i))
	}

	assert.Equal(t, 3, c.Len())
	seen, _ := c.CheckAndMark(ctx, "k0")
	assert.False(t, seen)
}

func TestCache_Sweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := New(time.Minute, 0).WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _ = c.CheckAndMark(ctx, "old")
	now = now.Add(30 * time.Second)
	_, _ = c.CheckAndMark(ctx, "new")
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestRedisCache_CheckAndMark(t *testing.T) {
	client, mr := setupTestRedis(t)
	r := NewRedisCache(client, "", 10*time.Minute)
	ctx := context.Background()

	seen, err := r.CheckAndMark(ctx, "SM1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = r.CheckAndMark(ctx, "SM1")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.True(t, mr.Exists("webhook:seen:SM1"))
	mr.FastForward(11 * time.Minute)

	seen, err = r.CheckAndMark(ctx, "SM1")
	require.NoError(t, err)
	assert.False(t, seen)
}

type failing struct{}

func (failing) CheckAndMark(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestFallback(t *testing.T) {
	ctx := context.Background()
	f := Fallback{Primary: failing{}, Secondary: New(time.Minute, 10)}

	seen, err := f.CheckAndMark(ctx, "SM1")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, _ = f.CheckAndMark(ctx, "SM1")
	assert.True(t, seen)

	_, err = Fallback{Primary: failing{}}.CheckAndMark(ctx, "SM1")
	assert.Error(t, err)
}
