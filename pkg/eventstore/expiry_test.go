package eventstore

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func u32(v uint32) *uint32 { return &v }

func TestExpiryFilter_DropsExpiredMessages(t *testing.T) {
	now := time.Unix(10_000, 0)
	clock := func() time.Time { return now }

	engine := &fakeMetaEngine{results: map[StreamID]StreamMetadataResult{
		"orders-1": {MaxAgeSeconds: u32(60)},
	}}
	cache, err := NewMetadataAgeCache(engine, 10, time.Minute, clock)
	if err != nil {
		t.Fatalf("NewMetadataAgeCache failed: %v", err)
	}
	filter := newExpiryFilter(cache, engine, clock, zap.NewNop())

	fresh := NewPrefetchedMessage("orders-1", 0, 0, mustUUID(t), "created", now.Add(-30*time.Second), "", "")
	expired := NewPrefetchedMessage("orders-1", 1, 1, mustUUID(t), "created", now.Add(-90*time.Second), "", "")

	page := filter.filterStreamPage(context.Background(), ReadStreamPage{
		StreamID: "orders-1",
		Messages: []Message{fresh, expired},
	})

	if len(page.Messages) != 1 {
		t.Fatalf("expected 1 surviving message, got %d", len(page.Messages))
	}
	if page.Messages[0].Position != 0 {
		t.Fatalf("expected the fresh message to survive, got position %d", page.Messages[0].Position)
	}
}

func TestExpiryFilter_SystemStreamsNeverFiltered(t *testing.T) {
	now := time.Unix(10_000, 0)
	clock := func() time.Time { return now }

	engine := &fakeMetaEngine{results: map[StreamID]StreamMetadataResult{}}
	cache, err := NewMetadataAgeCache(engine, 10, time.Minute, clock)
	if err != nil {
		t.Fatalf("NewMetadataAgeCache failed: %v", err)
	}
	filter := newExpiryFilter(cache, engine, clock, zap.NewNop())

	ancient := NewPrefetchedMessage("$deleted", 0, 0, mustUUID(t), "stream-deleted", now.Add(-1000*time.Hour), "", "")
	page := filter.filterStreamPage(context.Background(), ReadStreamPage{
		StreamID: "$deleted",
		Messages: []Message{ancient},
	})

	if len(page.Messages) != 1 {
		t.Fatalf("expected system stream message to pass through unfiltered, got %d messages", len(page.Messages))
	}
}

func TestExpiryFilter_AllPageMixedStreams(t *testing.T) {
	now := time.Unix(10_000, 0)
	clock := func() time.Time { return now }

	engine := &fakeMetaEngine{results: map[StreamID]StreamMetadataResult{
		"orders-1": {MaxAgeSeconds: u32(10)},
	}}
	cache, err := NewMetadataAgeCache(engine, 10, time.Minute, clock)
	if err != nil {
		t.Fatalf("NewMetadataAgeCache failed: %v", err)
	}
	filter := newExpiryFilter(cache, engine, clock, zap.NewNop())

	expired := NewPrefetchedMessage("orders-1", 0, 0, mustUUID(t), "created", now.Add(-1*time.Hour), "", "")
	system := NewPrefetchedMessage("$deleted", 0, 1, mustUUID(t), "stream-deleted", now.Add(-1*time.Hour), "", "")

	page := filter.filterAllPage(context.Background(), ReadAllPage{
		Messages: []Message{expired, system},
	})

	if len(page.Messages) != 1 || page.Messages[0].StreamID != "$deleted" {
		t.Fatalf("expected only the system-stream message to survive, got %+v", page.Messages)
	}
}
