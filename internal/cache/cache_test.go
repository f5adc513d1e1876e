package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapStore is an in-memory Store used to exercise the persistent layer
// without touching disk.
type mapStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	putErr error
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (s *mapStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *mapStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.data[key] = value
	return nil
}

func (s *mapStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *mapStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}

func (s *mapStore) Close() error { return nil }

func TestGetSet_TTL(t *testing.T) {
	c := New(Options{})
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", 1.5, time.Minute)

	v, ok := c.Get("k")
	require.True(t, ok)
	f, ok := AsFloat64(v)
	require.True(t, ok)
	assert.Equal(t, 1.5, f)

	// Just before expiry: still present.
	now = now.Add(time.Minute - time.Millisecond)
	_, ok = c.Get("k")
	assert.True(t, ok)

	// Past expiry: logically absent but retained for stale reads.
	now = now.Add(2 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.EvictExpired()
	assert.Equal(t, 0, c.Len())
}

func TestGetStale_ReturnsExpiredValue(t *testing.T) {
	c := New(Options{})
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", 0.42, time.Minute)
	now = now.Add(time.Hour)

	// A plain Get misses, but the value stays reachable via GetStale.
	_, ok := c.Get("k")
	assert.False(t, ok)

	v, ok := c.GetStale("k")
	require.True(t, ok)
	f, _ := AsFloat64(v)
	assert.Equal(t, 0.42, f)
}

func TestPersistentLayer_PromotionAndStaleRead(t *testing.T) {
	store := newMapStore()
	c := New(Options{Store: store})
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", 2.5, time.Minute)

	// A fresh cache over the same store must serve the value from the
	// persistent layer and promote it.
	c2 := New(Options{Store: store})
	c2.now = func() time.Time { return now }
	v, ok := c2.Get("k")
	require.True(t, ok)
	f, _ := AsFloat64(v)
	assert.Equal(t, 2.5, f)
	assert.Equal(t, 1, c2.Len())

	// An expired persisted entry misses on Get but is still reachable via
	// GetStale, even after the Get promoted it into memory.
	c3 := New(Options{Store: store})
	c3.now = func() time.Time { return now.Add(time.Hour) }
	_, ok = c3.Get("k")
	assert.False(t, ok)
	v, ok = c3.GetStale("k")
	require.True(t, ok)
	f, _ = AsFloat64(v)
	assert.Equal(t, 2.5, f)
}

func TestPersistentLayer_CorruptEntryIsAMiss(t *testing.T) {
	store := newMapStore()
	require.NoError(t, store.Put("k", []byte("not json")))
	require.NoError(t, store.Put("k2", []byte(`{"foreign":"shape"}`)))

	c := New(Options{Store: store})
	_, ok := c.Get("k")
	assert.False(t, ok)
	_, ok = c.Get("k2")
	assert.False(t, ok)

	// Both corrupt entries should have been dropped.
	_, found, _ := store.Get("k")
	assert.False(t, found)
	_, found, _ = store.Get("k2")
	assert.False(t, found)
}

func TestPersistenceFailures_NeverPropagate(t *testing.T) {
	store := newMapStore()
	store.putErr = errors.New("quota exceeded")
	store.getErr = errors.New("storage unavailable")

	c := New(Options{Store: store})
	c.Set("k", 1.0, time.Minute) // must not panic or error

	v, ok := c.Get("k")
	require.True(t, ok, "memory layer stays authoritative")
	f, _ := AsFloat64(v)
	assert.Equal(t, 1.0, f)
}

func TestGetOrCompute_DeduplicatesConcurrentCallers(t *testing.T) {
	c := New(Options{})

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	compute := func(context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return 7.0, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]float64, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "k", time.Minute, compute)
			require.NoError(t, err)
			f, _ := AsFloat64(v)
			results[i] = f
		}()
	}

	<-started
	time.Sleep(10 * time.Millisecond) // let the rest pile onto the flight
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one upstream call")
	for _, r := range results {
		assert.Equal(t, 7.0, r)
	}
}

func TestGetOrCompute_FailureCachesNothingAndUnblocks(t *testing.T) {
	c := New(Options{})

	boom := errors.New("upstream down")
	_, err := c.GetOrCompute(context.Background(), "k", time.Minute, func(context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	_, ok := c.Get("k")
	assert.False(t, ok)

	// A later call computes again.
	v, err := c.GetOrCompute(context.Background(), "k", time.Minute, func(context.Context) (any, error) {
		return 3.0, nil
	})
	require.NoError(t, err)
	f, _ := AsFloat64(v)
	assert.Equal(t, 3.0, f)
}

func TestSizeBoundEviction_DropsOldest(t *testing.T) {
	c := New(Options{MaxEntries: 3})
	now := time.Now()
	c.now = func() time.Time { return now }

	for i, k := range []string{"a", "b", "c", "d", "e"} {
		now = now.Add(time.Duration(i) * time.Second)
		c.Set(k, float64(i), time.Hour)
	}

	assert.Equal(t, 3, c.Len())
	for _, k := range []string{"a", "b"} {
		_, ok := c.Get(k)
		assert.False(t, ok, "oldest entry %q must be evicted", k)
	}
	for _, k := range []string{"c", "d", "e"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "newest entry %q must survive", k)
	}
}

func TestClear_DropsBothLayers(t *testing.T) {
	store := newMapStore()
	c := New(Options{Store: store})
	c.Set("k", 1.0, time.Minute)

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Len())
	_, found, _ := store.Get("k")
	assert.False(t, found)
}

func TestEvictExpired(t *testing.T) {
	c := New(Options{})
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("live", 1.0, time.Hour)
	c.Set("dead", 2.0, time.Millisecond)
	now = now.Add(time.Second)

	c.EvictExpired()
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("live")
	assert.True(t, ok)
}

func TestJSONRoundTrip_Helpers(t *testing.T) {
	// Simulate what the persistent layer does to typed values.
	roundTrip := func(v any) any {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		var out any
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	}

	s, ok := AsStrings(roundTrip([]string{"XLM", "stellar_CABC"}))
	require.True(t, ok)
	assert.Equal(t, []string{"XLM", "stellar_CABC"}, s)

	m, ok := AsStringFloatMap(roundTrip(map[string]float64{"2024-01-02": 0.11}))
	require.True(t, ok)
	assert.Equal(t, 0.11, m["2024-01-02"])

	f, ok := AsFloat64(roundTrip(0.36))
	require.True(t, ok)
	assert.Equal(t, 0.36, f)
}
