package ledger

import (
	"context"
	"fmt"
	"time"

	"blockledger.dev/internal/ledger/record"
)

// QueryRange returns the records matching f, newest first. A radius of zero
// selects a single position. Failures and policy rejections are logged and
// yield an empty result.
func (e *Engine) QueryRange(ctx context.Context, f record.Filter) []*record.Record {
	if f.Dimensions() < e.cfg.QueryMinDimensions {
		e.queryRejected.Add(1)
		e.metrics.QueryRejected.Inc()
		e.log.Debug().Str("filter", f.Key()).Int("min_dimensions", e.cfg.QueryMinDimensions).Msg("lookup rejected")
		return nil
	}
	recs, err := e.query(ctx, f)
	if err != nil {
		e.queryFailures.Add(1)
		e.metrics.QueryFailures.Inc()
		e.log.Warn().Err(err).Str("filter", f.Key()).Msg("lookup failed")
		return nil
	}
	return recs
}

// QueryForActor returns everything actor did, optionally in one world only.
func (e *Engine) QueryForActor(ctx context.Context, actor, world string) []*record.Record {
	return e.QueryRange(ctx, record.Filter{World: world, Actors: []string{actor}})
}

// query is the shared lookup path for readers and rollback: a pooled slot,
// then the cache, then the index or, before the index is ready, the store.
func (e *Engine) query(ctx context.Context, f record.Filter) ([]*record.Record, error) {
	if err := e.pool.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("query slot: %w", err)
	}
	defer e.pool.Release(1)

	start := time.Now()
	source := "cache"
	recs, err := e.cache.GetOrCompute(f.Key(), func() ([]*record.Record, error) {
		if !e.index.Ready() {
			source = "store"
			return e.store.Query(ctx, f)
		}
		source = "index"
		return e.lookup(f), nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveQuery(source, time.Since(start))
	return recs, nil
}

func (e *Engine) lookup(f record.Filter) []*record.Record {
	switch {
	case f.HasCenter:
		return e.index.Range(f)
	case actorOnly(f):
		return e.index.ForActor(f.Actors[0], f.World)
	default:
		return e.index.All(f)
	}
}

func actorOnly(f record.Filter) bool {
	return len(f.Actors) == 1 && f.Since.IsZero() && f.Until.IsZero() &&
		len(f.Kinds) == 0 && len(f.Actions) == 0 && len(f.Types) == 0 &&
		!f.ExcludeRolledBack && f.Limit == 0
}
