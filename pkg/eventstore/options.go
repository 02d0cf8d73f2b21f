package eventstore

import (
	"time"

	"go.uber.org/zap"
)

// storeOptions collects NewReadOnlyStore's configurable knobs. Defaults
// match the documented defaults for a fresh store:
// gap_reload_interval_ms=3000, poll_interval_ms=1000.
type storeOptions struct {
	logger                *zap.Logger
	clock                 Clock
	metadataCacheExpiry   time.Duration
	metadataCacheMaxSize  int
	gapReloadInterval     time.Duration
	pollInterval          time.Duration
	subscriptionBatchSize int
	notifierBufferSize    int
}

func defaultStoreOptions() storeOptions {
	return storeOptions{
		logger:                zap.NewNop(),
		clock:                 SystemClock,
		metadataCacheExpiry:   time.Minute,
		metadataCacheMaxSize:  10_000,
		gapReloadInterval:     3000 * time.Millisecond,
		pollInterval:          time.Second,
		subscriptionBatchSize: 100,
		notifierBufferSize:    4,
	}
}

// Option configures a ReadOnlyStore.
type Option func(*storeOptions)

// WithLogger sets the zap logger used by the store, its caches, and
// every subscription it spawns.
func WithLogger(logger *zap.Logger) Option {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the UTC clock provider, for deterministic tests.
func WithClock(clock Clock) Option {
	return func(o *storeOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetadataCacheExpiry sets the age cache's TTL.
func WithMetadataCacheExpiry(d time.Duration) Option {
	return func(o *storeOptions) { o.metadataCacheExpiry = d }
}

// WithMetadataCacheMaxSize bounds the age cache's LRU capacity.
func WithMetadataCacheMaxSize(n int) Option {
	return func(o *storeOptions) { o.metadataCacheMaxSize = n }
}

// WithGapReloadInterval overrides the gap reconciler's reload delay.
func WithGapReloadInterval(d time.Duration) Option {
	return func(o *storeOptions) { o.gapReloadInterval = d }
}

// WithPollInterval overrides the head-position notifier's poll period.
func WithPollInterval(d time.Duration) Option {
	return func(o *storeOptions) { o.pollInterval = d }
}

// WithSubscriptionBatchSize overrides how many messages a subscription
// reads per catch-up/live-follow page.
func WithSubscriptionBatchSize(n int) Option {
	return func(o *storeOptions) { o.subscriptionBatchSize = n }
}

// WithNotifierBufferSize overrides the notifier's per-subscriber
// channel depth.
func WithNotifierBufferSize(n int) Option {
	return func(o *storeOptions) { o.notifierBufferSize = n }
}
