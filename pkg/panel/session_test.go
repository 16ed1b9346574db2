package panel

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/panelbroker/gamebroker/pkg/catalog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_ConcurrentCallersShareOneLogin(t *testing.T) {
	f := newFakePanel(t)
	f.handle("Core/Login", slowHandler(50*time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true, "sessionID": "session-shared"})
	}))
	c := newTestClient(t, f, &memLedger{})

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := c.Session().Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.count("Core/Login"))
	assert.Equal(t, 1, c.Session().LoginCount())
	for _, token := range tokens {
		assert.Equal(t, "session-shared", token)
	}
}

func TestSession_RelogsOnceAfterExpiry(t *testing.T) {
	f := newFakePanel(t)
	c := newTestClient(t, f, &memLedger{})
	ctx := context.Background()

	_, err := c.DeployInstance(ctx, InstanceRequest{Name: "a", Game: "minecraft", Owner: "steve"})
	require.NoError(t, err)
	require.Equal(t, 1, f.count("Core/Login"))

	f.expireSessions()

	_, err = c.DeployInstance(ctx, InstanceRequest{Name: "b", Game: "minecraft", Owner: "steve"})
	require.NoError(t, err)

	assert.Equal(t, 2, f.count("Core/Login"))
	assert.Equal(t, 3, f.count("ADSModule/GetInstances"), "rejected call is retried exactly once")
	assert.Equal(t, 2, f.count("ADSModule/DeployTemplate"))
}

func TestSession_PersistentRejectionFails(t *testing.T) {
	f := newFakePanel(t)
	f.handle("ADSModule/DeployTemplate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	c := newTestClient(t, f, &memLedger{})

	_, err := c.DeployInstance(context.Background(), InstanceRequest{Name: "a", Game: "minecraft", Owner: "steve"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	assert.Equal(t, 2, f.count("ADSModule/DeployTemplate"))
	assert.Equal(t, 2, f.count("Core/Login"))
}

func TestSession_UnauthorizedBodyIsRejection(t *testing.T) {
	f := newFakePanel(t)
	var mu sync.Mutex
	rejected := false
	f.handle("Core/ResetUserPassword", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !rejected {
			rejected = true
			writeJSON(w, map[string]any{"Title": "Unauthorized Access", "Message": "session expired"})
			return
		}
		writeJSON(w, map[string]any{"Status": true})
	})
	c := newTestClient(t, f, &memLedger{})

	account, err := c.EnsureAccount(context.Background(), steve())
	require.NoError(t, err)
	assert.False(t, account.Redacted())
	assert.Equal(t, 2, f.count("Core/Login"))
}

func TestSession_LoginFailure(t *testing.T) {
	f := newFakePanel(t)
	f.handle("Core/Login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": false})
	})
	c := newTestClient(t, f, &memLedger{})

	_, err := c.Session().Token(context.Background())
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.Equal(t, 1, c.Session().LoginCount())
}

func TestSession_InvalidateKeepsNewerToken(t *testing.T) {
	f := newFakePanel(t)
	c := newTestClient(t, f, &memLedger{})
	ctx := context.Background()

	first, err := c.Session().Token(ctx)
	require.NoError(t, err)

	c.Session().Invalidate(ctx, "some-older-token")
	current, err := c.Session().Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, current)

	c.Session().Invalidate(ctx, first)
	renewed, err := c.Session().Token(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, renewed)
}

// blockingCache holds Delete until release is closed.
type blockingCache struct {
	*MemoryCache
	deleting chan struct{}
	release  chan struct{}
}

func (b *blockingCache) Delete(ctx context.Context, token string) error {
	close(b.deleting)
	<-b.release
	return b.MemoryCache.Delete(ctx, token)
}

func TestSession_InvalidateDoesNotBlockReaders(t *testing.T) {
	f := newFakePanel(t)
	cache := &blockingCache{
		MemoryCache: NewMemoryCache(),
		deleting:    make(chan struct{}),
		release:     make(chan struct{}),
	}
	s := newSession(newRPC(f.server.URL, nil), "admin", "hunter2", time.Second, cache, time.Minute)
	ctx := context.Background()

	token, err := s.Token(ctx)
	require.NoError(t, err)

	invalidated := make(chan struct{})
	go func() {
		s.Invalidate(ctx, token)
		close(invalidated)
	}()
	<-cache.deleting

	read := make(chan int)
	go func() { read <- s.LoginCount() }()
	select {
	case n := <-read:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("session readers blocked while the cache entry was being deleted")
	}

	close(cache.release)
	<-invalidated
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { cache.Close() })
	ctx := context.Background()

	token, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, cache.Set(ctx, "session-a", time.Minute))
	token, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session-a", token)

	require.NoError(t, cache.Delete(ctx, "session-other"))
	token, _ = cache.Get(ctx)
	assert.Equal(t, "session-a", token, "delete of a different token is a no-op")

	require.NoError(t, cache.Delete(ctx, "session-a"))
	token, _ = cache.Get(ctx)
	assert.Empty(t, token)

	require.NoError(t, cache.Set(ctx, "session-b", time.Minute))
	mr.FastForward(2 * time.Minute)
	token, _ = cache.Get(ctx)
	assert.Empty(t, token, "token expires with its ttl")
}

func TestNewRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)

	cache, err := NewRedisCache(context.Background(), "redis://"+mr.Addr()+"/0", "test:session")
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Set(context.Background(), "tok", 0))
	got, err := mr.Get("test:session")
	require.NoError(t, err)
	assert.Equal(t, "tok", got)

	_, err = NewRedisCache(context.Background(), "redis://%zz", "")
	assert.Error(t, err)
}

func TestSession_SharedCacheAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	f := newFakePanel(t)

	newShared := func() *Client {
		cache := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
		t.Cleanup(func() { cache.Close() })
		games, err := catalog.New(nil)
		require.NoError(t, err)
		c, err := NewClient(Config{BaseURL: f.server.URL, SessionTTL: time.Minute, DeployHostID: "h"}, &memLedger{}, games, WithSessionCache(cache))
		require.NoError(t, err)
		return c
	}

	a, b := newShared(), newShared()
	ctx := context.Background()

	tokenA, err := a.Session().Token(ctx)
	require.NoError(t, err)
	tokenB, err := b.Session().Token(ctx)
	require.NoError(t, err)

	assert.Equal(t, tokenA, tokenB)
	assert.Equal(t, 1, f.count("Core/Login"))
	assert.Equal(t, 0, b.Session().LoginCount())
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	require.NoError(t, cache.Set(ctx, "tok", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	token, _ := cache.Get(ctx)
	assert.Empty(t, token)

	require.NoError(t, cache.Set(ctx, "tok", 0))
	require.NoError(t, cache.Delete(ctx, "other"))
	token, _ = cache.Get(ctx)
	assert.Equal(t, "tok", token)
}

func TestCallOutcomes(t *testing.T) {
	ok := call(context.Background(), time.Second, func(ctx context.Context) (int, error) { return 7, nil })
	assert.Equal(t, OutcomeSuccess, ok.Outcome)
	assert.Equal(t, 7, ok.Value)

	slow := call(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.Equal(t, OutcomeTimeout, slow.Outcome)
	assert.Equal(t, "timeout", slow.Outcome.String())

	failed := call(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 0, &RemoteError{Endpoint: "Core/CreateUser", Reason: "nope"}
	})
	assert.Equal(t, OutcomeError, failed.Outcome)
	assert.EqualError(t, failed.Err, "Core/CreateUser refused: nope")
}
