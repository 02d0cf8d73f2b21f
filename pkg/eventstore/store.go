package eventstore

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ReadOnlyStore is the read path and subscription runtime's public
// surface: it validates arguments, guards against disposal, and
// orchestrates the metadata-age cache, expiry filter, and gap
// reconciler around a pluggable StorageEngine.
type ReadOnlyStore struct {
	engine StorageEngine
	cfg    storeOptions
	logger *zap.Logger

	ageCache *MetadataAgeCache
	expiry   *expiryFilter
	notifier *Notifier

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	disposed  bool
	subs      map[*subscriptionRuntime]struct{}
	onDispose []func()
	wg        sync.WaitGroup
}

// NewReadOnlyStore builds a store over engine. The returned store owns
// a background notifier goroutine; call Dispose to release it and
// every subscription it spawns.
func NewReadOnlyStore(engine StorageEngine, opts ...Option) (*ReadOnlyStore, error) {
	cfg := defaultStoreOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	ageCache, err := NewMetadataAgeCache(engine, cfg.metadataCacheMaxSize, cfg.metadataCacheExpiry, cfg.clock)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	store := &ReadOnlyStore{
		engine:   engine,
		cfg:      cfg,
		logger:   cfg.logger,
		ageCache: ageCache,
		expiry:   newExpiryFilter(ageCache, engine, cfg.clock, cfg.logger),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[*subscriptionRuntime]struct{}),
	}

	store.notifier = NewNotifier(engine.ReadHeadPositionInternal, NotifierConfig{
		PollInterval: cfg.pollInterval,
		BufferSize:   cfg.notifierBufferSize,
		Logger:       cfg.logger,
		Clock:        cfg.clock,
	})

	store.wg.Add(1)
	go func() {
		defer store.wg.Done()
		store.notifier.Run(ctx)
	}()

	return store, nil
}

func (s *ReadOnlyStore) checkUsable(ctx context.Context) error {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return ErrObjectDisposed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (s *ReadOnlyStore) registerSubscription(rt *subscriptionRuntime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		rt.Dispose()
		return
	}
	s.subs[rt] = struct{}{}
}

func (s *ReadOnlyStore) deregisterSubscription(rt *subscriptionRuntime) {
	s.mu.Lock()
	delete(s.subs, rt)
	s.mu.Unlock()
}

// ReadAllForwards reads up to maxCount messages from the all-stream
// starting at fromPositionInclusive, reconciling transient position
// gaps and filtering expired messages.
func (s *ReadOnlyStore) ReadAllForwards(ctx context.Context, fromPositionInclusive int64, maxCount int, prefetch bool) (ReadAllPage, error) {
	if err := s.checkUsable(ctx); err != nil {
		return ReadAllPage{}, err
	}
	if fromPositionInclusive < 0 {
		return ReadAllPage{}, newArgumentError("from_position_inclusive", "must be >= 0")
	}
	if maxCount < 1 {
		return ReadAllPage{}, newArgumentError("max_count", "must be >= 1")
	}

	page, err := reconcileForwardAllRead(ctx, s.engine, fromPositionInclusive, maxCount, prefetch, gapReconcilerConfig{
		ReloadDelay: s.cfg.gapReloadInterval,
	})
	if err != nil {
		return ReadAllPage{}, err
	}

	page = s.expiry.filterAllPage(ctx, page)
	page.MaxCount = maxCount
	page.Prefetch = prefetch
	page.Direction = Forwards
	page.FromPosition = fromPositionInclusive
	page.readNext = func() (ReadAllPage, error) {
		return s.ReadAllForwards(ctx, page.NextPosition, maxCount, prefetch)
	}
	return page, nil
}

// ReadAllBackwards reads up to maxCount messages from the all-stream
// starting at fromPositionInclusive (or the head if -1). Backward reads
// tolerate gaps by definition and are never reconciled.
func (s *ReadOnlyStore) ReadAllBackwards(ctx context.Context, fromPositionInclusive int64, maxCount int, prefetch bool) (ReadAllPage, error) {
	if err := s.checkUsable(ctx); err != nil {
		return ReadAllPage{}, err
	}
	if fromPositionInclusive < -1 {
		return ReadAllPage{}, newArgumentError("from_position_inclusive", "must be >= -1")
	}
	if maxCount < 1 {
		return ReadAllPage{}, newArgumentError("max_count", "must be >= 1")
	}

	page, err := s.engine.ReadAllBackwardsInternal(ctx, fromPositionInclusive, maxCount, prefetch)
	if err != nil {
		return ReadAllPage{}, newEngineError("read_all_backwards", err)
	}

	page = s.expiry.filterAllPage(ctx, page)
	page.MaxCount = maxCount
	page.Prefetch = prefetch
	page.Direction = Backwards
	page.FromPosition = fromPositionInclusive
	page.readNext = func() (ReadAllPage, error) {
		return s.ReadAllBackwards(ctx, page.NextPosition, maxCount, prefetch)
	}
	return page, nil
}

// ReadStreamForwards reads up to maxCount messages of streamID starting
// at fromVersionInclusive. Stream reads are dense and never reconciled.
func (s *ReadOnlyStore) ReadStreamForwards(ctx context.Context, streamID StreamID, fromVersionInclusive int64, maxCount int, prefetch bool) (ReadStreamPage, error) {
	if err := s.checkUsable(ctx); err != nil {
		return ReadStreamPage{}, err
	}
	if fromVersionInclusive < 0 {
		return ReadStreamPage{}, newArgumentError("from_version_inclusive", "must be >= 0")
	}
	if maxCount < 1 {
		return ReadStreamPage{}, newArgumentError("max_count", "must be >= 1")
	}

	page, err := s.engine.ReadStreamForwardsInternal(ctx, streamID, fromVersionInclusive, maxCount, prefetch)
	if err != nil {
		return ReadStreamPage{}, newEngineError("read_stream_forwards", err)
	}

	page = s.expiry.filterStreamPage(ctx, page)
	page.MaxCount = maxCount
	page.Prefetch = prefetch
	page.Direction = Forwards
	page.StreamID = streamID
	page.readNext = func() (ReadStreamPage, error) {
		return s.ReadStreamForwards(ctx, streamID, page.NextVersion, maxCount, prefetch)
	}
	return page, nil
}

// ReadStreamBackwards reads up to maxCount messages of streamID
// starting at fromVersionInclusive (or the stream's last version if
// -1).
func (s *ReadOnlyStore) ReadStreamBackwards(ctx context.Context, streamID StreamID, fromVersionInclusive int64, maxCount int, prefetch bool) (ReadStreamPage, error) {
	if err := s.checkUsable(ctx); err != nil {
		return ReadStreamPage{}, err
	}
	if fromVersionInclusive < -1 {
		return ReadStreamPage{}, newArgumentError("from_version_inclusive", "must be >= -1")
	}
	if maxCount < 1 {
		return ReadStreamPage{}, newArgumentError("max_count", "must be >= 1")
	}

	page, err := s.engine.ReadStreamBackwardsInternal(ctx, streamID, fromVersionInclusive, maxCount, prefetch)
	if err != nil {
		return ReadStreamPage{}, newEngineError("read_stream_backwards", err)
	}

	page = s.expiry.filterStreamPage(ctx, page)
	page.MaxCount = maxCount
	page.Prefetch = prefetch
	page.Direction = Backwards
	page.StreamID = streamID
	page.readNext = func() (ReadStreamPage, error) {
		return s.ReadStreamBackwards(ctx, streamID, page.NextVersion, maxCount, prefetch)
	}
	return page, nil
}

// GetStreamMetadata returns streamID's stored retention metadata.
// Identifiers starting with "$" are rejected except the well-known
// deleted-stream id.
func (s *ReadOnlyStore) GetStreamMetadata(ctx context.Context, streamID StreamID) (StreamMetadataResult, error) {
	if err := s.checkUsable(ctx); err != nil {
		return StreamMetadataResult{}, err
	}
	if streamID.IsSystem() && streamID != DeletedStreamID {
		return StreamMetadataResult{}, newArgumentError("stream_id", "system streams have no metadata")
	}

	meta, err := s.engine.GetStreamMetadataInternal(ctx, streamID)
	if err != nil {
		return StreamMetadataResult{}, newEngineError("get_stream_metadata", err)
	}
	return meta, nil
}

// ReadHeadPosition delegates to the engine's head-position probe.
func (s *ReadOnlyStore) ReadHeadPosition(ctx context.Context) (int64, error) {
	if err := s.checkUsable(ctx); err != nil {
		return 0, err
	}
	head, err := s.engine.ReadHeadPositionInternal(ctx)
	if err != nil {
		return 0, newEngineError("read_head_position", err)
	}
	return head, nil
}

// SubscribeToStream subscribes to a single stream's live tail,
// optionally catching up from continue_after_version first.
func (s *ReadOnlyStore) SubscribeToStream(ctx context.Context, streamID StreamID, opts SubscribeStreamOptions) (*StreamSubscription, error) {
	return s.subscribeToStream(ctx, streamID, opts)
}

// SubscribeToAll subscribes to the all-stream's live tail, optionally
// catching up from continue_after_position first.
func (s *ReadOnlyStore) SubscribeToAll(ctx context.Context, opts SubscribeAllOptions) (*AllSubscription, error) {
	return s.subscribeToAll(ctx, opts)
}

// Notifier exposes the store's head-position notifier so external
// mirrors (e.g. a Kafka sink) can subscribe to the same "streams
// updated" feed that subscriptions use internally.
func (s *ReadOnlyStore) Notifier() *Notifier {
	return s.notifier
}

// SubscriptionCount reports the number of currently live stream and
// all-stream subscriptions.
func (s *ReadOnlyStore) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// MetadataCacheSize reports the number of streams currently held in
// the metadata-age cache.
func (s *ReadOnlyStore) MetadataCacheSize() int {
	return s.ageCache.Len()
}

// OnDispose registers a one-shot callback invoked when Dispose runs.
func (s *ReadOnlyStore) OnDispose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		fn()
		return
	}
	s.onDispose = append(s.onDispose, fn)
}

// Dispose transitions the store to disposed, drops every live
// subscription exactly once, stops the notifier, and releases
// resources. Idempotent.
func (s *ReadOnlyStore) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	subs := make([]*subscriptionRuntime, 0, len(s.subs))
	for rt := range s.subs {
		subs = append(subs, rt)
	}
	s.subs = make(map[*subscriptionRuntime]struct{})
	callbacks := s.onDispose
	s.onDispose = nil
	s.mu.Unlock()

	// Cancelling the store's context cancels the notifier's internal
	// token, which in turn cancels every subscription.
	s.cancel()

	var err error
	for _, rt := range subs {
		rt.Dispose()
	}
	s.wg.Wait()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = multierr.Append(err, newEngineError("on_dispose_callback", panicToError(r)))
				}
			}()
			cb()
		}()
	}

	return err
}

func panicToError(r interface{}) error {
	if e, ok := r.(error); ok {
		return e
	}
	return newArgumentError("panic", "recovered non-error panic value")
}
