package eventstore

import "context"

// StorageEngine is the narrow boundary the read path and subscription
// runtime depend on. It abstracts whatever physical storage engine
// assigns monotonically increasing global positions on commit and
// per-stream monotonically increasing versions; the core does not know
// or care how that engine does so. Every method must be safe for
// concurrent invocation.
//
// This mirrors the shape of a cluster's StorageEngine contract: a
// small set of log/read primitives that the consensus and storage
// layers are built on top of, kept independent of any one backing
// implementation.
type StorageEngine interface {
	// ReadAllForwardsInternal reads up to maxCount messages starting at
	// fromPositionInclusive, in increasing position order.
	ReadAllForwardsInternal(ctx context.Context, fromPositionInclusive int64, maxCount int, prefetch bool) (ReadAllPage, error)

	// ReadAllBackwardsInternal reads up to maxCount messages starting at
	// fromPositionInclusive (or the current head if -1), in decreasing
	// position order.
	ReadAllBackwardsInternal(ctx context.Context, fromPositionInclusive int64, maxCount int, prefetch bool) (ReadAllPage, error)

	// ReadStreamForwardsInternal reads up to maxCount messages of
	// streamID starting at fromVersionInclusive, in increasing version
	// order.
	ReadStreamForwardsInternal(ctx context.Context, streamID StreamID, fromVersionInclusive int64, maxCount int, prefetch bool) (ReadStreamPage, error)

	// ReadStreamBackwardsInternal reads up to maxCount messages of
	// streamID starting at fromVersionInclusive (or the stream's last
	// version if -1), in decreasing version order.
	ReadStreamBackwardsInternal(ctx context.Context, streamID StreamID, fromVersionInclusive int64, maxCount int, prefetch bool) (ReadStreamPage, error)

	// ReadHeadPositionInternal returns the current maximum committed
	// position, or -1 if the store is empty.
	ReadHeadPositionInternal(ctx context.Context) (int64, error)

	// GetStreamMetadataInternal returns the stored retention metadata
	// for streamID.
	GetStreamMetadataInternal(ctx context.Context, streamID StreamID) (StreamMetadataResult, error)

	// PurgeExpiredMessage physically removes a message the expiry
	// filter determined has expired. Best-effort: callers treat failure
	// as logged, never propagated.
	PurgeExpiredMessage(ctx context.Context, msg Message) error
}
