package eventstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeMetaEngine struct {
	mu      sync.Mutex
	calls   int32
	results map[StreamID]StreamMetadataResult
	delay   time.Duration
}

func (f *fakeMetaEngine) ReadAllForwardsInternal(ctx context.Context, from int64, max int, prefetch bool) (ReadAllPage, error) {
	return ReadAllPage{}, nil
}
func (f *fakeMetaEngine) ReadAllBackwardsInternal(ctx context.Context, from int64, max int, prefetch bool) (ReadAllPage, error) {
	return ReadAllPage{}, nil
}
func (f *fakeMetaEngine) ReadStreamForwardsInternal(ctx context.Context, id StreamID, from int64, max int, prefetch bool) (ReadStreamPage, error) {
	return ReadStreamPage{}, nil
}
func (f *fakeMetaEngine) ReadStreamBackwardsInternal(ctx context.Context, id StreamID, from int64, max int, prefetch bool) (ReadStreamPage, error) {
	return ReadStreamPage{}, nil
}
func (f *fakeMetaEngine) ReadHeadPositionInternal(ctx context.Context) (int64, error) { return -1, nil }
func (f *fakeMetaEngine) PurgeExpiredMessage(ctx context.Context, msg Message) error   { return nil }

func (f *fakeMetaEngine) GetStreamMetadataInternal(ctx context.Context, id StreamID) (StreamMetadataResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[id], nil
}

func TestMetadataAgeCache_CachesWithinTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	age := uint32(30)
	engine := &fakeMetaEngine{results: map[StreamID]StreamMetadataResult{
		"orders-1": {MaxAgeSeconds: &age},
	}}

	cache, err := NewMetadataAgeCache(engine, 10, time.Minute, clock)
	if err != nil {
		t.Fatalf("NewMetadataAgeCache failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := cache.GetMaxAge(context.Background(), "orders-1")
		if err != nil {
			t.Fatalf("GetMaxAge failed: %v", err)
		}
		if got == nil || *got != 30 {
			t.Fatalf("expected max_age 30, got %v", got)
		}
	}

	if calls := atomic.LoadInt32(&engine.calls); calls != 1 {
		t.Fatalf("expected exactly 1 engine call, got %d", calls)
	}
}

func TestMetadataAgeCache_ReloadsAfterExpiry(t *testing.T) {
	current := time.Unix(1000, 0)
	clock := func() time.Time { return current }

	age := uint32(30)
	engine := &fakeMetaEngine{results: map[StreamID]StreamMetadataResult{
		"orders-1": {MaxAgeSeconds: &age},
	}}

	cache, err := NewMetadataAgeCache(engine, 10, time.Second, clock)
	if err != nil {
		t.Fatalf("NewMetadataAgeCache failed: %v", err)
	}

	if _, err := cache.GetMaxAge(context.Background(), "orders-1"); err != nil {
		t.Fatalf("GetMaxAge failed: %v", err)
	}
	current = current.Add(2 * time.Second)
	if _, err := cache.GetMaxAge(context.Background(), "orders-1"); err != nil {
		t.Fatalf("GetMaxAge failed: %v", err)
	}

	if calls := atomic.LoadInt32(&engine.calls); calls != 2 {
		t.Fatalf("expected 2 engine calls after expiry, got %d", calls)
	}
}

func TestMetadataAgeCache_CoalescesConcurrentLoads(t *testing.T) {
	engine := &fakeMetaEngine{
		delay:   50 * time.Millisecond,
		results: map[StreamID]StreamMetadataResult{"orders-1": {}},
	}
	cache, err := NewMetadataAgeCache(engine, 10, time.Minute, SystemClock)
	if err != nil {
		t.Fatalf("NewMetadataAgeCache failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetMaxAge(context.Background(), "orders-1"); err != nil {
				t.Errorf("GetMaxAge failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := atomic.LoadInt32(&engine.calls); calls != 1 {
		t.Fatalf("expected concurrent loads to coalesce to 1 engine call, got %d", calls)
	}
}

func TestMetadataAgeCache_RespectsMaxSize(t *testing.T) {
	engine := &fakeMetaEngine{results: map[StreamID]StreamMetadataResult{}}
	cache, err := NewMetadataAgeCache(engine, 2, time.Minute, SystemClock)
	if err != nil {
		t.Fatalf("NewMetadataAgeCache failed: %v", err)
	}

	for _, id := range []StreamID{"a", "b", "c"} {
		if _, err := cache.GetMaxAge(context.Background(), id); err != nil {
			t.Fatalf("GetMaxAge failed: %v", err)
		}
	}

	if got := cache.Len(); got > 2 {
		t.Fatalf("expected cache bounded to 2 entries, got %d", got)
	}
}
