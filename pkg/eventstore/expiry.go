package eventstore

import (
	"context"

	"go.uber.org/zap"
)

// expiryFilter drops messages older than their stream's max_age from a
// page of read results, and fires a best-effort purge for each one
// dropped. System streams ($-prefixed) always pass through unfiltered;
// cursor fields are never touched, so a filtered page may be short -
// even empty - while IsEnd is false.
type expiryFilter struct {
	cache  *MetadataAgeCache
	engine StorageEngine
	clock  Clock
	logger *zap.Logger
}

func newExpiryFilter(cache *MetadataAgeCache, engine StorageEngine, clock Clock, logger *zap.Logger) *expiryFilter {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &expiryFilter{cache: cache, engine: engine, clock: clock, logger: logger}
}

// filterStreamPage filters a ReadStreamPage in place and returns the
// filtered copy; cursor fields are preserved verbatim.
func (f *expiryFilter) filterStreamPage(ctx context.Context, page ReadStreamPage) ReadStreamPage {
	if page.StreamID.IsSystem() || len(page.Messages) == 0 {
		return page
	}
	page.Messages = f.filterMessages(ctx, page.Messages)
	return page
}

// filterAllPage filters a ReadAllPage in place; each message may belong
// to a different stream, so system-stream exemption is evaluated
// per-message rather than once for the whole page.
func (f *expiryFilter) filterAllPage(ctx context.Context, page ReadAllPage) ReadAllPage {
	if len(page.Messages) == 0 {
		return page
	}
	page.Messages = f.filterMessages(ctx, page.Messages)
	return page
}

func (f *expiryFilter) filterMessages(ctx context.Context, messages []Message) []Message {
	now := f.clock()
	kept := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.StreamID.IsSystem() {
			kept = append(kept, m)
			continue
		}

		maxAge, err := f.cache.GetMaxAge(ctx, m.StreamID)
		if err != nil {
			// Unable to resolve the retention policy: fail open and
			// keep the message rather than silently losing data.
			f.logger.Warn("expiry: failed to resolve max_age, keeping message",
				zap.String("stream_id", string(m.StreamID)), zap.Error(err))
			kept = append(kept, m)
			continue
		}
		if maxAge == nil {
			kept = append(kept, m)
			continue
		}

		expiresAt := m.CreatedUTC.Add(secondsToDuration(*maxAge))
		if now.Before(expiresAt) {
			kept = append(kept, m)
			continue
		}

		// Expired: drop it and fire a fire-and-forget purge. Failure is
		// logged only, never propagated to the reader.
		go f.purge(m)
	}
	return kept
}

func (f *expiryFilter) purge(m Message) {
	if err := f.engine.PurgeExpiredMessage(context.Background(), m); err != nil {
		f.logger.Error("expiry: purge_expired_message failed",
			zap.String("stream_id", string(m.StreamID)),
			zap.Int64("position", m.Position),
			zap.Error(err))
	}
}
