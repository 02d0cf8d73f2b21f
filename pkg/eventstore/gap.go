package eventstore

import (
	"context"
	"time"
)

// gapReconcilerConfig tunes the forward all-stream gap reconciler.
type gapReconcilerConfig struct {
	// ReloadDelay is the wait between re-reads while a gap's permanence
	// is being determined (default 3000ms).
	ReloadDelay time.Duration
	// Sleep is injected so tests can run the reconciler without real
	// wall-clock delay; it must honor ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reconcileForwardAllRead implements the gap-tolerant forward all-read
// protocol. The engine's global position sequence can contain transient
// holes (a later transaction commits before an earlier reservation
// resolves) or permanent ones (a rolled-back commit); this distinguishes
// the two by re-reading the same starting position after a delay and
// watching which missing positions are still missing.
//
// The head-gap check (a from_position mismatch on the very first
// message) and the body-gap loop (holes between consecutive messages)
// are folded into one loop here: a head gap is just another kind of
// missing-position set, and treating it as iteration zero of the same
// "fresh vs persistent" loop is simpler in Go without changing the
// observable behavior (iteration 1 still sees it as freshly missing,
// since prevMissing starts empty).
func reconcileForwardAllRead(ctx context.Context, engine StorageEngine, fromPositionInclusive int64, maxCount int, prefetch bool, cfg gapReconcilerConfig) (ReadAllPage, error) {
	if cfg.ReloadDelay <= 0 {
		cfg.ReloadDelay = 3000 * time.Millisecond
	}
	if cfg.Sleep == nil {
		cfg.Sleep = defaultSleep
	}

	page, err := engine.ReadAllForwardsInternal(ctx, fromPositionInclusive, maxCount, prefetch)
	if err != nil {
		return ReadAllPage{}, newEngineError("read_all_forwards", err)
	}

	// Fast path: gaps at the tail of a non-terminal page, or in tiny
	// pages, would be spurious to reconcile.
	if !page.IsEnd || len(page.Messages) <= 1 {
		return page, nil
	}

	var prevMissing map[int64]struct{}
	for {
		current := missingPositions(fromPositionInclusive, page)
		fresh := freshMissing(current, prevMissing)
		if len(fresh) == 0 {
			// No newly-appeared gaps since the last observation: any
			// remaining holes are persistent rollbacks.
			return page, nil
		}

		prevMissing = current
		if err := cfg.Sleep(ctx, cfg.ReloadDelay); err != nil {
			return ReadAllPage{}, err
		}

		page, err = engine.ReadAllForwardsInternal(ctx, fromPositionInclusive, maxCount, prefetch)
		if err != nil {
			return ReadAllPage{}, newEngineError("read_all_forwards", err)
		}
	}
}

// missingPositions returns the set of positions strictly between
// fromPositionInclusive and page.Messages[last].Position that do not
// appear in page.Messages, including a head gap if the first message's
// position is not fromPositionInclusive itself.
func missingPositions(fromPositionInclusive int64, page ReadAllPage) map[int64]struct{} {
	missing := make(map[int64]struct{})
	if len(page.Messages) == 0 {
		return missing
	}

	if page.Messages[0].Position != fromPositionInclusive {
		for p := fromPositionInclusive; p < page.Messages[0].Position; p++ {
			missing[p] = struct{}{}
		}
	}

	for i := 0; i < len(page.Messages)-1; i++ {
		lo := page.Messages[i].Position + 1
		hi := page.Messages[i+1].Position
		for p := lo; p < hi; p++ {
			missing[p] = struct{}{}
		}
	}
	return missing
}

// freshMissing returns the positions in current that were not already
// known-missing in prev; each iteration shrinks this set (positions
// seen missing once but still missing get demoted to "persistent"),
// guaranteeing termination.
func freshMissing(current, prev map[int64]struct{}) map[int64]struct{} {
	fresh := make(map[int64]struct{})
	for p := range current {
		if _, known := prev[p]; !known {
			fresh[p] = struct{}{}
		}
	}
	return fresh
}
