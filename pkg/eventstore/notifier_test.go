package eventstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNotifier_EmitsOnHeadAdvance(t *testing.T) {
	var head int64 = -1
	reader := func(ctx context.Context) (int64, error) {
		return atomic.LoadInt64(&head), nil
	}

	n := NewNotifier(reader, NotifierConfig{PollInterval: 5 * time.Millisecond, BufferSize: 4, Logger: zap.NewNop()})
	ch, unsubscribe := n.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	waitFor(t, func() bool { return n.Initialized() })

	atomic.StoreInt64(&head, 5)

	select {
	case ev := <-ch:
		if ev.Head != 5 {
			t.Fatalf("expected head 5, got %d", ev.Head)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for streams_updated event")
	}
}

func TestNotifier_InitialPrimeDoesNotEmit(t *testing.T) {
	reader := func(ctx context.Context) (int64, error) { return 0, nil }
	n := NewNotifier(reader, NotifierConfig{PollInterval: 5 * time.Millisecond, BufferSize: 1, Logger: zap.NewNop()})
	ch, unsubscribe := n.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	waitFor(t, func() bool { return n.Initialized() })

	select {
	case ev := <-ch:
		t.Fatalf("expected no emission from the initial baseline read, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_RetriesIndefinitelyOnEngineError(t *testing.T) {
	var failures int32
	reader := func(ctx context.Context) (int64, error) {
		if atomic.AddInt32(&failures, 1) <= 3 {
			return 0, errors.New("engine unavailable")
		}
		return 0, nil
	}

	n := NewNotifier(reader, NotifierConfig{PollInterval: time.Millisecond, BufferSize: 1, Logger: zap.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	waitFor(t, func() bool { return n.Initialized() })
	if got := atomic.LoadInt32(&failures); got < 4 {
		t.Fatalf("expected at least 4 read attempts (3 failures + 1 success), got %d", got)
	}
}

func TestNotifier_SlowSubscriberDropsOldest(t *testing.T) {
	var head int64
	reader := func(ctx context.Context) (int64, error) { return atomic.LoadInt64(&head), nil }

	n := NewNotifier(reader, NotifierConfig{PollInterval: 2 * time.Millisecond, BufferSize: 1, Logger: zap.NewNop()})
	ch, unsubscribe := n.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	waitFor(t, func() bool { return n.Initialized() })

	atomic.StoreInt64(&head, 1)
	atomic.StoreInt64(&head, 2)
	atomic.StoreInt64(&head, 3)
	time.Sleep(30 * time.Millisecond)

	select {
	case ev := <-ch:
		if ev.Head <= 0 {
			t.Fatalf("expected a non-zero head event, got %+v", ev)
		}
	default:
		t.Fatal("expected at least one buffered event to survive backpressure")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
