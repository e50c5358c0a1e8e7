package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	Value string `json:"value"`
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(rdb, 300*time.Second), mr
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, NamespaceGitHubAPI, "pr/1", testEntry{Value: "hello"}))

	var got testEntry
	ok, err := c.Get(ctx, NamespaceGitHubAPI, "pr/1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", got.Value)
}

func TestCache_MissReturnsFalse(t *testing.T) {
	c, _ := newTestCache(t)
	var got testEntry
	ok, err := c.Get(context.Background(), NamespaceGitHubAPI, "missing", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCache_NamespacesIsolated(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, NamespaceGitHubAPI, "k", testEntry{Value: "api"}))
	require.NoError(t, c.Set(ctx, NamespacePermissions, "k", testEntry{Value: "perm"}))

	var got testEntry
	ok, err := c.Get(ctx, NamespaceGitHubAPI, "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "api", got.Value)
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, NamespaceGitHubAPI, "pr/1", testEntry{Value: "hello"}))
	require.NoError(t, c.Invalidate(ctx, NamespaceGitHubAPI, "pr/1"))

	var got testEntry
	ok, err := c.Get(ctx, NamespaceGitHubAPI, "pr/1", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, NamespaceGitHubAPI, "pr/1/comments/1", testEntry{Value: "a"}))
	require.NoError(t, c.Set(ctx, NamespaceGitHubAPI, "pr/1/comments/2", testEntry{Value: "b"}))
	require.NoError(t, c.Set(ctx, NamespaceGitHubAPI, "pr/2/comments/1", testEntry{Value: "c"}))

	require.NoError(t, c.InvalidatePrefix(ctx, NamespaceGitHubAPI, "pr/1/comments"))

	var got testEntry
	ok, err := c.Get(ctx, NamespaceGitHubAPI, "pr/1/comments/1", &got)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.Get(ctx, NamespaceGitHubAPI, "pr/2/comments/1", &got)
	require.NoError(t, err)
	require.True(t, ok)
}
