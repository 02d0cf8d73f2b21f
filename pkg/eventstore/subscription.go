package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ControlFlow is returned by a subscription's delivery callback to tell
// the runtime whether to keep delivering or to stop.
type ControlFlow int

const (
	ControlContinue ControlFlow = iota
	ControlStop
)

// subState is the subscription state machine:
// Initializing -> CatchingUp -> Subscribed -> Disposed, with Dropped
// reachable from any live state on fatal error.
type subState int32

const (
	stateInitializing subState = iota
	stateCatchingUp
	stateSubscribed
	stateDropped
	stateDisposed
)

func (s subState) String() string {
	switch s {
	case stateInitializing:
		return "initializing"
	case stateCatchingUp:
		return "catching_up"
	case stateSubscribed:
		return "subscribed"
	case stateDropped:
		return "dropped"
	case stateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

type fetchFunc func(ctx context.Context) (messages []Message, isEnd bool, err error)
type deliverFunc func(ctx context.Context, msg Message) (ControlFlow, error)

// subscriptionRuntime is the shared state machine and run loop behind
// both StreamSubscription and AllSubscription; only the fetch/deliver
// closures differ between the two kinds.
type subscriptionRuntime struct {
	name   string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	notifCh     <-chan StreamsUpdated
	unsubscribe func()

	wakeInterval time.Duration

	onDropped  func(DropReason, error)
	onCaughtUp func(bool)

	mu          sync.Mutex
	state       subState
	droppedOnce sync.Once
}

func newSubscriptionRuntime(parent context.Context, name string, logger *zap.Logger, notifier *Notifier, wakeInterval time.Duration, onDropped func(DropReason, error), onCaughtUp func(bool)) *subscriptionRuntime {
	ctx, cancel := context.WithCancel(parent)
	notifCh, unsubscribe := notifier.Subscribe()
	if logger == nil {
		logger = zap.NewNop()
	}
	if wakeInterval <= 0 {
		wakeInterval = time.Second
	}
	return &subscriptionRuntime{
		name:         name,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		notifCh:      notifCh,
		unsubscribe:  unsubscribe,
		wakeInterval: wakeInterval,
		onDropped:    onDropped,
		onCaughtUp:   onCaughtUp,
		state:        stateInitializing,
	}
}

func (rt *subscriptionRuntime) setState(s subState) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state == stateDropped || rt.state == stateDisposed {
		// Terminal states are never left.
		return
	}
	rt.state = s
}

// State returns the subscription's current lifecycle state.
func (rt *subscriptionRuntime) State() subState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// drop transitions the subscription to its terminal state exactly once
// (Disposed for DropDisposed, Dropped otherwise), invoking
// subscription_dropped and releasing the notifier registration.
func (rt *subscriptionRuntime) drop(reason DropReason, err error) {
	rt.droppedOnce.Do(func() {
		if reason == DropDisposed {
			rt.setState(stateDisposed)
		} else {
			rt.setState(stateDropped)
		}
		rt.cancel()
		rt.unsubscribe()
		rt.logger.Info("subscription dropped",
			zap.String("name", rt.name), zap.String("reason", reason.String()), zap.Error(err))
		if rt.onDropped != nil {
			rt.onDropped(reason, err)
		}
	})
}

// Dispose is client-initiated cancellation; idempotent and non-blocking.
func (rt *subscriptionRuntime) Dispose() {
	rt.drop(DropDisposed, nil)
}

// run drives catch-up and live-follow until the subscription is
// dropped or disposed. fetch reads and advances past the next batch of
// messages (stream- or all-stream-specific); deliver invokes the
// user's callback for one message, honoring its back-pressure.
func (rt *subscriptionRuntime) run(fetch fetchFunc, deliver deliverFunc) {
	rt.setState(stateCatchingUp)
	caughtUp := false

	for {
		if rt.ctx.Err() != nil {
			rt.drop(DropDisposed, nil)
			return
		}

		for {
			messages, isEnd, err := fetch(rt.ctx)
			if err != nil {
				if rt.ctx.Err() != nil {
					rt.drop(DropDisposed, nil)
					return
				}
				rt.drop(DropServerError, err)
				return
			}

			for _, m := range messages {
				cf, derr := rt.safeDeliver(deliver, m)
				if derr != nil {
					rt.drop(DropSubscriberError, &SubscriberError{Err: derr})
					return
				}
				if cf == ControlStop {
					rt.drop(DropDisposed, nil)
					return
				}
			}

			if isEnd {
				break
			}
		}

		if !caughtUp {
			caughtUp = true
			rt.setState(stateSubscribed)
			if rt.onCaughtUp != nil {
				rt.onCaughtUp(true)
			}
		}

		select {
		case <-rt.ctx.Done():
			rt.drop(DropDisposed, nil)
			return
		case _, ok := <-rt.notifCh:
			if !ok {
				rt.drop(DropServerError, errors.New("eventstore: notifier channel closed"))
				return
			}
			if caughtUp {
				caughtUp = false
				if rt.onCaughtUp != nil {
					rt.onCaughtUp(false)
				}
			}
		case <-time.After(rt.wakeInterval):
			// Periodic wake as a safety net for a missed or dropped
			// notification; resumes the same draining read below.
			if caughtUp {
				caughtUp = false
				if rt.onCaughtUp != nil {
					rt.onCaughtUp(false)
				}
			}
		}
	}
}

// safeDeliver recovers a panicking callback and reports it as a
// subscriber error, same as an error return.
func (rt *subscriptionRuntime) safeDeliver(deliver deliverFunc, m Message) (cf ControlFlow, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventstore: subscriber panic: %v", r)
		}
	}()
	return deliver(rt.ctx, m)
}

// --- Stream subscriptions ---

// StreamMessageHandler delivers one message of a stream subscription.
type StreamMessageHandler func(ctx context.Context, sub *StreamSubscription, msg Message) (ControlFlow, error)

// StreamSubscription follows a single stream's live tail after an
// optional catch-up from continue_after_version.
type StreamSubscription struct {
	rt       *subscriptionRuntime
	StreamID StreamID
}

// SubscribeStreamOptions configures subscribe_to_stream.
type SubscribeStreamOptions struct {
	ContinueAfterVersion *uint32
	Prefetch             bool
	Name                 string
	OnMessage            StreamMessageHandler
	OnDropped            func(reason DropReason, err error)
	OnCaughtUp           func(caughtUp bool)
}

func (s *StreamSubscription) Name() string   { return s.rt.name }
func (s *StreamSubscription) State() string  { return s.rt.State().String() }
func (s *StreamSubscription) Dispose()       { s.rt.Dispose() }

func (store *ReadOnlyStore) subscribeToStream(ctx context.Context, streamID StreamID, opts SubscribeStreamOptions) (*StreamSubscription, error) {
	if opts.OnMessage == nil {
		return nil, newArgumentError("on_message", "must not be nil")
	}
	if err := store.checkUsable(ctx); err != nil {
		return nil, err
	}

	var nextVersion int64
	if opts.ContinueAfterVersion != nil {
		nextVersion = int64(*opts.ContinueAfterVersion) + 1
	} else {
		head, err := store.currentStreamHeadVersion(ctx, streamID)
		if err != nil {
			return nil, err
		}
		nextVersion = head
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("stream:%s", streamID)
	}

	sub := &StreamSubscription{StreamID: streamID}
	sub.rt = newSubscriptionRuntime(store.ctx, name, store.logger, store.notifier, store.cfg.pollInterval, func(reason DropReason, err error) {
		store.deregisterSubscription(sub.rt)
		if opts.OnDropped != nil {
			opts.OnDropped(reason, err)
		}
	}, opts.OnCaughtUp)

	fetch := func(ctx context.Context) ([]Message, bool, error) {
		page, err := store.ReadStreamForwards(ctx, streamID, nextVersion, store.cfg.subscriptionBatchSize, opts.Prefetch)
		if err != nil {
			return nil, false, err
		}
		if page.Status == ReadStreamNotFound {
			return nil, true, nil
		}
		if len(page.Messages) > 0 {
			last := page.Messages[len(page.Messages)-1]
			nextVersion = int64(last.StreamVersion) + 1
		}
		return page.Messages, page.IsEnd, nil
	}
	deliver := func(ctx context.Context, m Message) (ControlFlow, error) {
		return opts.OnMessage(ctx, sub, m)
	}

	store.registerSubscription(sub.rt)
	go sub.rt.run(fetch, deliver)
	return sub, nil
}

// currentStreamHeadVersion resolves "subscribe from now" (nil cursor)
// to the version immediately after the stream's current last version.
func (store *ReadOnlyStore) currentStreamHeadVersion(ctx context.Context, streamID StreamID) (int64, error) {
	page, err := store.ReadStreamBackwards(ctx, streamID, -1, 1, false)
	if err != nil {
		return 0, err
	}
	if page.Status == ReadStreamNotFound || len(page.Messages) == 0 {
		return 0, nil
	}
	return int64(page.Messages[0].StreamVersion) + 1, nil
}

// --- All-stream subscriptions ---

// AllMessageHandler delivers one message of an all-stream subscription.
type AllMessageHandler func(ctx context.Context, sub *AllSubscription, msg Message) (ControlFlow, error)

// AllSubscription follows the all-stream's live tail after an optional
// catch-up from continue_after_position.
type AllSubscription struct {
	rt *subscriptionRuntime
}

// SubscribeAllOptions configures subscribe_to_all.
type SubscribeAllOptions struct {
	ContinueAfterPosition *int64
	Prefetch              bool
	Name                  string
	OnMessage             AllMessageHandler
	OnDropped             func(reason DropReason, err error)
	OnCaughtUp            func(caughtUp bool)
}

func (s *AllSubscription) Name() string  { return s.rt.name }
func (s *AllSubscription) State() string { return s.rt.State().String() }
func (s *AllSubscription) Dispose()      { s.rt.Dispose() }

func (store *ReadOnlyStore) subscribeToAll(ctx context.Context, opts SubscribeAllOptions) (*AllSubscription, error) {
	if opts.OnMessage == nil {
		return nil, newArgumentError("on_message", "must not be nil")
	}
	if err := store.checkUsable(ctx); err != nil {
		return nil, err
	}

	var nextPosition int64
	if opts.ContinueAfterPosition != nil {
		nextPosition = *opts.ContinueAfterPosition + 1
	} else {
		head, err := store.ReadHeadPosition(ctx)
		if err != nil {
			return nil, err
		}
		if head == -1 {
			nextPosition = 0
		} else {
			nextPosition = head + 1
		}
	}

	name := opts.Name
	if name == "" {
		name = "all"
	}

	sub := &AllSubscription{}
	sub.rt = newSubscriptionRuntime(store.ctx, name, store.logger, store.notifier, store.cfg.pollInterval, func(reason DropReason, err error) {
		store.deregisterSubscription(sub.rt)
		if opts.OnDropped != nil {
			opts.OnDropped(reason, err)
		}
	}, opts.OnCaughtUp)

	fetch := func(ctx context.Context) ([]Message, bool, error) {
		page, err := store.ReadAllForwards(ctx, nextPosition, store.cfg.subscriptionBatchSize, opts.Prefetch)
		if err != nil {
			return nil, false, err
		}
		if len(page.Messages) > 0 {
			last := page.Messages[len(page.Messages)-1]
			nextPosition = last.Position + 1
		}
		return page.Messages, page.IsEnd, nil
	}
	deliver := func(ctx context.Context, m Message) (ControlFlow, error) {
		return opts.OnMessage(ctx, sub, m)
	}

	store.registerSubscription(sub.rt)
	go sub.rt.run(fetch, deliver)
	return sub, nil
}
