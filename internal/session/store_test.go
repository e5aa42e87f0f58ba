package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		Principal: "xwiki:XWiki.hhornblo",
		Wiki:      "xwiki",
		FullName:  "XWiki.hhornblo",
		Source:    "ldap",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
}

func exerciseStore(t *testing.T, store Store, id string) {
	ctx := context.Background()

	_, err := store.Get(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.Error(t, store.Put(ctx, testSession(id), 0))

	require.NoError(t, store.Put(ctx, testSession(id), time.Minute))
	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "xwiki:XWiki.hhornblo", got.Principal)
	assert.Equal(t, "XWiki.hhornblo", got.FullName)

	require.NoError(t, store.Delete(ctx, id))
	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	exerciseStore(t, store, "memory-session")
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testSession("short"), 20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, err := store.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// TestRedisStore requires a Redis server on localhost:6379 and is skipped otherwise
func TestRedisStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client, err := NewRedisClient(context.Background(), "localhost:6379", "", 0)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
		return
	}

	store := NewRedisStore(client)
	defer store.Close()

	id := "test-" + time.Now().Format("150405.000000000")
	exerciseStore(t, store, id)

	require.NoError(t, store.Put(context.Background(), testSession(id), time.Minute))
	ttl, err := client.TTL(context.Background(), "session:"+id).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	require.NoError(t, store.Delete(context.Background(), id))
}
