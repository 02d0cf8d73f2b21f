package eventstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HeadPositionReader reads the current head position, as exposed by
// StorageEngine.ReadHeadPositionInternal.
type HeadPositionReader func(ctx context.Context) (int64, error)

// StreamsUpdated is the event the notifier emits when the head
// position advances. StreamVersions is a (possibly empty) hint map;
// subscribers must treat it as advisory and catch up by reading rather
// than trusting its contents.
type StreamsUpdated struct {
	Head           int64
	StreamVersions map[StreamID]uint32
}

// NotifierConfig configures the head-position notifier.
type NotifierConfig struct {
	PollInterval time.Duration
	BufferSize   int
	Logger       *zap.Logger
	Clock        Clock
}

// Notifier converts the engine's pull-only head-position probe into a
// push-style "streams updated" signal. It runs a single
// background task that polls ReadHeadPositionInternal, retrying
// indefinitely on error so a temporarily unreachable engine never
// permanently silences subscribers, and multicasts an event to every
// current subscriber whenever the head advances. Late subscribers never
// see past events; a slow subscriber's channel drops the oldest pending
// event rather than blocking the publisher.
type Notifier struct {
	readHead HeadPositionReader
	interval time.Duration
	bufSize  int
	logger   *zap.Logger
	clock    Clock

	mu          sync.Mutex
	subs        map[int]chan StreamsUpdated
	nextSubID   int
	initialized bool

	runOnce sync.Once
	doneCh  chan struct{}
}

// NewNotifier builds a Notifier. Run must be called (typically in its
// own goroutine) to start polling.
func NewNotifier(readHead HeadPositionReader, cfg NotifierConfig) *Notifier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	return &Notifier{
		readHead: readHead,
		interval: cfg.PollInterval,
		bufSize:  cfg.BufferSize,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		subs:     make(map[int]chan StreamsUpdated),
		doneCh:   make(chan struct{}),
	}
}

// Run executes the polling loop until ctx is cancelled. It is intended
// to be run in exactly one background goroutine per Notifier.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.doneCh)

	previousHead := int64(-1)
	primed := false
	for {
		if ctx.Err() != nil {
			return
		}

		head, err := n.readHeadReliably(ctx)
		if err != nil {
			// Only returns non-nil on context cancellation: the reader
			// itself retries indefinitely on engine errors.
			return
		}

		switch {
		case !primed:
			// First successful read: prime the baseline without
			// emitting (resolves the "is_initialized" open question as
			// "first successful head read completed").
			primed = true
			previousHead = head
			n.markInitialized()
		case head > previousHead:
			previousHead = head
			n.publish(StreamsUpdated{Head: head})
		}

		timer := time.NewTimer(n.interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// readHeadReliably retries ReadHeadPositionInternal indefinitely on
// error, logging each failure, until it succeeds or ctx is cancelled.
func (n *Notifier) readHeadReliably(ctx context.Context) (int64, error) {
	for {
		head, err := n.readHead(ctx)
		if err == nil {
			return head, nil
		}

		n.logger.Error("notifier: read_head_position failed, retrying",
			zap.Error(err), zap.Duration("backoff", n.interval))

		timer := time.NewTimer(n.interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		}
	}
}

func (n *Notifier) markInitialized() {
	n.mu.Lock()
	n.initialized = true
	n.mu.Unlock()
}

// Initialized reports whether the first successful head-position read
// has completed.
func (n *Notifier) Initialized() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.initialized
}

func (n *Notifier) publish(ev StreamsUpdated) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop the oldest pending event and retry
			// once, rather than ever blocking the publisher.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				n.logger.Warn("notifier: dropped event for slow subscriber", zap.Int("subscriber_id", id))
			}
		}
	}
}

// Subscribe registers a new observer and returns its channel plus an
// unsubscribe function. Late subscribers never observe events emitted
// before they subscribed.
func (n *Notifier) Subscribe() (<-chan StreamsUpdated, func()) {
	n.mu.Lock()
	id := n.nextSubID
	n.nextSubID++
	ch := make(chan StreamsUpdated, n.bufSize)
	n.subs[id] = ch
	n.mu.Unlock()

	unsubscribe := func() {
		n.mu.Lock()
		if existing, ok := n.subs[id]; ok && existing == ch {
			delete(n.subs, id)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, unsubscribe
}

// Done returns a channel closed once Run has returned.
func (n *Notifier) Done() <-chan struct{} {
	return n.doneCh
}
