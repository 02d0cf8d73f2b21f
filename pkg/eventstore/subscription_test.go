package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSubscriptionRuntime_DeliversThenCatchesUp(t *testing.T) {
	notifier := NewNotifier(func(ctx context.Context) (int64, error) { return -1, nil }, NotifierConfig{
		PollInterval: time.Hour, Logger: zap.NewNop(),
	})
	go notifier.Run(context.Background())

	var delivered []int64
	var mu sync.Mutex
	var caughtUp int32Flag

	remaining := []Message{msgAt(0), msgAt(1), msgAt(2)}
	fetch := func(ctx context.Context) ([]Message, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(remaining) == 0 {
			return nil, true, nil
		}
		batch := remaining
		remaining = nil
		return batch, true, nil
	}
	deliver := func(ctx context.Context, m Message) (ControlFlow, error) {
		mu.Lock()
		delivered = append(delivered, m.Position)
		mu.Unlock()
		return ControlContinue, nil
	}

	rt := newSubscriptionRuntime(context.Background(), "test", zap.NewNop(), notifier, 10*time.Millisecond,
		func(reason DropReason, err error) {}, func(b bool) { caughtUp.set(b) })
	go rt.run(fetch, deliver)
	defer rt.Dispose()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 3
	})
	waitFor(t, func() bool { return caughtUp.get() })

	if rt.State() != stateSubscribed {
		t.Fatalf("expected state Subscribed after catch-up, got %v", rt.State())
	}
}

func TestSubscriptionRuntime_SubscriberErrorDrops(t *testing.T) {
	notifier := NewNotifier(func(ctx context.Context) (int64, error) { return -1, nil }, NotifierConfig{
		PollInterval: time.Hour, Logger: zap.NewNop(),
	})
	go notifier.Run(context.Background())

	fetch := func(ctx context.Context) ([]Message, bool, error) {
		return []Message{msgAt(0)}, true, nil
	}
	wantErr := errors.New("boom")
	deliver := func(ctx context.Context, m Message) (ControlFlow, error) {
		return ControlContinue, wantErr
	}

	var dropReason DropReason
	var dropErr error
	done := make(chan struct{})
	rt := newSubscriptionRuntime(context.Background(), "test", zap.NewNop(), notifier, time.Hour,
		func(reason DropReason, err error) {
			dropReason = reason
			dropErr = err
			close(done)
		}, nil)
	go rt.run(fetch, deliver)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drop callback")
	}

	if dropReason != DropSubscriberError {
		t.Fatalf("expected DropSubscriberError, got %v", dropReason)
	}
	if !errors.Is(dropErr, wantErr) {
		t.Fatalf("expected wrapped %v, got %v", wantErr, dropErr)
	}
}

func TestSubscriptionRuntime_PanicIsRecoveredAsSubscriberError(t *testing.T) {
	notifier := NewNotifier(func(ctx context.Context) (int64, error) { return -1, nil }, NotifierConfig{
		PollInterval: time.Hour, Logger: zap.NewNop(),
	})
	go notifier.Run(context.Background())

	fetch := func(ctx context.Context) ([]Message, bool, error) {
		return []Message{msgAt(0)}, true, nil
	}
	deliver := func(ctx context.Context, m Message) (ControlFlow, error) {
		panic("subscriber exploded")
	}

	var dropReason DropReason
	done := make(chan struct{})
	rt := newSubscriptionRuntime(context.Background(), "test", zap.NewNop(), notifier, time.Hour,
		func(reason DropReason, err error) {
			dropReason = reason
			close(done)
		}, nil)
	go rt.run(fetch, deliver)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drop callback")
	}
	if dropReason != DropSubscriberError {
		t.Fatalf("expected a panicking subscriber to drop as DropSubscriberError, got %v", dropReason)
	}
}

func TestSubscriptionRuntime_DisposeIsIdempotent(t *testing.T) {
	notifier := NewNotifier(func(ctx context.Context) (int64, error) { return -1, nil }, NotifierConfig{
		PollInterval: time.Hour, Logger: zap.NewNop(),
	})
	go notifier.Run(context.Background())

	var drops int
	var mu sync.Mutex
	fetch := func(ctx context.Context) ([]Message, bool, error) { return nil, true, nil }
	deliver := func(ctx context.Context, m Message) (ControlFlow, error) { return ControlContinue, nil }

	rt := newSubscriptionRuntime(context.Background(), "test", zap.NewNop(), notifier, time.Hour,
		func(reason DropReason, err error) {
			mu.Lock()
			drops++
			mu.Unlock()
		}, nil)
	go rt.run(fetch, deliver)

	rt.Dispose()
	rt.Dispose()
	rt.Dispose()

	mu.Lock()
	defer mu.Unlock()
	if drops != 1 {
		t.Fatalf("expected exactly 1 drop callback invocation, got %d", drops)
	}
}

// int32Flag is a tiny race-free bool, used since the test goroutine and
// the assertion goroutine both touch it.
type int32Flag struct {
	mu sync.Mutex
	v  bool
}

func (f *int32Flag) set(v bool) {
	f.mu.Lock()
	f.v = v
	f.mu.Unlock()
}

func (f *int32Flag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}
