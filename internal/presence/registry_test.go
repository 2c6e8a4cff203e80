package presence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmchat/internal/domain"
	"crmchat/internal/presence"
)

type recorder struct {
	mu     sync.Mutex
	events []presence.Event
}

func (r *recorder) handle(ev presence.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds(userID string) []presence.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []presence.Kind
	for _, ev := range r.events {
		if ev.UserID == userID && ev.Kind != presence.Connections {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func startRegistry(t *testing.T, grace time.Duration) (*presence.Registry, *recorder) {
	t.Helper()
	reg := presence.NewRegistry(grace, nil)
	rec := &recorder{}
	reg.Subscribe(rec.handle)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)
	return reg, rec
}

func TestRegistry_SecondConnectionKeepsUserOnline(t *testing.T) {
	reg, rec := startRegistry(t, 30*time.Millisecond)

	require.NoError(t, reg.Register("u1", "c1"))
	require.NoError(t, reg.Register("u1", "c2"))
	assert.True(t, reg.IsOnline("u1"))
	assert.Equal(t, []string{"c1", "c2"}, reg.LiveConnections("u1"))

	reg.Unregister("c1")
	time.Sleep(60 * time.Millisecond)
	assert.True(t, reg.IsOnline("u1"))
	assert.Equal(t, []string{"c2"}, reg.LiveConnections("u1"))

	reg.Unregister("c2")
	assert.True(t, reg.IsOnline("u1"), "still online inside the grace window")
	assert.Eventually(t, func() bool { return !reg.IsOnline("u1") }, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]presence.Kind{presence.Online, presence.Offline}, rec.kinds("u1"))
	}, time.Second, 5*time.Millisecond)

	_, ok := reg.LastSeen("u1")
	assert.True(t, ok)
}

func TestRegistry_ReconnectInsideGraceCancelsOffline(t *testing.T) {
	reg, rec := startRegistry(t, 50*time.Millisecond)

	require.NoError(t, reg.Register("u1", "c1"))
	reg.Unregister("c1")
	require.NoError(t, reg.Register("u1", "c2"))

	time.Sleep(120 * time.Millisecond)
	assert.True(t, reg.IsOnline("u1"))
	assert.Equal(t, []presence.Kind{presence.Online}, rec.kinds("u1"))
}

func TestRegistry_ZeroGraceFlipsImmediately(t *testing.T) {
	reg, _ := startRegistry(t, 0)

	require.NoError(t, reg.Register("u1", "c1"))
	reg.Unregister("c1")
	assert.False(t, reg.IsOnline("u1"))
	assert.Empty(t, reg.OnlineUsers())
}

func TestRegistry_Identify(t *testing.T) {
	reg, _ := startRegistry(t, time.Second)

	require.NoError(t, reg.Identify("c1", "u1"))
	require.NoError(t, reg.Identify("c1", "u1"), "repeat identify is a no-op")
	assert.Equal(t, []string{"c1"}, reg.LiveConnections("u1"))

	err := reg.Identify("c1", "u2")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.False(t, reg.IsOnline("u2"))

	owner, ok := reg.Owner("c1")
	assert.True(t, ok)
	assert.Equal(t, "u1", owner)

	assert.ErrorIs(t, reg.Register("", "c9"), domain.ErrInvalidInput)
	reg.Unregister("unknown")
}

func TestRegistry_ConcurrentConnections(t *testing.T) {
	reg, _ := startRegistry(t, 20*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "c" + string(rune('A'+i%26)) + string(rune('a'+i/26))
			_ = reg.Register("u1", id)
			reg.Unregister(id)
		}(i)
	}
	wg.Wait()
	assert.Empty(t, reg.LiveConnections("u1"))
	assert.Eventually(t, func() bool { return !reg.IsOnline("u1") }, time.Second, 5*time.Millisecond)
}

func TestRegistry_EventsInOrder(t *testing.T) {
	reg := presence.NewRegistry(0, nil)
	rec := &recorder{}
	reg.Subscribe(rec.handle)

	// queued before Run starts
	require.NoError(t, reg.Register("u1", "c1"))
	require.NoError(t, reg.Register("u1", "c2"))
	reg.Unregister("c1")
	reg.Unregister("c2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.events) == 4
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []struct {
		kind  presence.Kind
		count int
	}{
		{presence.Online, 1},
		{presence.Connections, 2},
		{presence.Connections, 1},
		{presence.Offline, 0},
	}
	for i, w := range want {
		assert.Equal(t, w.kind, rec.events[i].Kind, "event %d", i)
		assert.Equal(t, w.count, rec.events[i].ActiveConnections, "event %d", i)
	}
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
	ttl  map[string]time.Duration
}

func (f *fakeKV) Set(ctx context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.(string)
	f.ttl[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeKV) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func TestMirror(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}, ttl: map[string]time.Duration{}}
	mirror := presence.NewMirror(kv, time.Minute, nil)

	reg, _ := startRegistry(t, 0)
	reg.Subscribe(mirror.Handle)

	require.NoError(t, reg.Register("u1", "c1"))
	require.NoError(t, reg.Register("u1", "c2"))
	assert.Eventually(t, func() bool {
		v, ok := kv.get(presence.Key("u1"))
		return ok && v == "2"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "crm:presence:u1", presence.Key("u1"))

	reg.Unregister("c1")
	reg.Unregister("c2")
	assert.Eventually(t, func() bool {
		_, ok := kv.get(presence.Key("u1"))
		return !ok
	}, time.Second, 5*time.Millisecond)
}
