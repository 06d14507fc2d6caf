// Package ledger owns the whole audit log: the store, the ingestion queue,
// the spatial index, the query cache and the rollback engine. One Engine is
// created at startup and shared by reference; there is no package state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"blockledger.dev/internal/ledger/ingest"
	"blockledger.dev/internal/ledger/metrics"
	"blockledger.dev/internal/ledger/qcache"
	"blockledger.dev/internal/ledger/record"
	"blockledger.dev/internal/ledger/rollback"
	"blockledger.dev/internal/ledger/spatial"
	"blockledger.dev/internal/persistence/logdb"
)

type Config struct {
	DBPath string

	Ingest ingest.Config
	Cache  qcache.Config

	// QueryWorkers bounds concurrent lookups.
	QueryWorkers int
	// QueryMinDimensions is the lookup specificity policy; zero allows
	// unfiltered lookups.
	QueryMinDimensions int
	// RollbackMinDimensions zero means 2.
	RollbackMinDimensions int

	Logger     zerolog.Logger
	Registerer prometheus.Registerer
	// Now stamps appended records; defaults to time.Now.
	Now func() time.Time

	// holdLoad delays the startup replay until it is closed.
	holdLoad <-chan struct{}
}

type Stats struct {
	Ready          bool         `json:"ready"`
	Indexed        int          `json:"indexed"`
	Ingest         ingest.Stats `json:"ingest"`
	Cache          qcache.Stats `json:"cache"`
	InvalidRecords uint64       `json:"invalid_records"`
	QueryFailures  uint64       `json:"query_failures"`
	QueryRejected  uint64       `json:"query_rejected"`
	TailDropped    uint64       `json:"tail_dropped"`
	Subscribers    int          `json:"subscribers"`
}

type Engine struct {
	cfg Config
	log zerolog.Logger

	store    *logdb.Store
	queue    *ingest.Queue
	index    *spatial.Index
	cache    *qcache.Cache
	rollback *rollback.Engine
	pool     *semaphore.Weighted
	hub      *hub
	metrics  *metrics.Metrics

	// loadMu keeps batch writes out of the index until the startup replay
	// has finished, so no record is indexed twice.
	loadMu  sync.Mutex
	loaded  logdb.Watermark
	ready   chan struct{}
	loadErr error

	invalidLog rate.Sometimes

	invalidRecords atomic.Uint64
	queryFailures  atomic.Uint64
	queryRejected  atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Open opens the store, starts the ingestion worker and replays the store
// into the spatial index in the background. Lookups issued before the replay
// completes are answered by the store; rollbacks wait for it.
func Open(ctx context.Context, cfg Config, world rollback.World) (*Engine, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.QueryWorkers <= 0 {
		cfg.QueryWorkers = 8
	}
	cfg.Ingest.Logger = cfg.Logger
	cfg.Cache.Logger = cfg.Logger

	store, err := logdb.Open(ctx, cfg.DBPath, logdb.Options{Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "ledger").Logger(),
		store:      store,
		index:      spatial.New(),
		cache:      qcache.New(cfg.Cache),
		pool:       semaphore.NewWeighted(int64(cfg.QueryWorkers)),
		ready:      make(chan struct{}),
		invalidLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	e.hub = newHub()
	e.queue = ingest.New(cfg.Ingest, e.persist)

	m, err := metrics.New(cfg.Registerer, metrics.Sources{
		Ingest:  e.queue.Stats,
		Cache:   e.cache.Stats,
		Indexed: e.index.Len,
	})
	if err != nil {
		_ = e.queue.Close(ctx)
		_ = store.Close()
		return nil, err
	}
	e.metrics = m
	e.hub.onDrop = m.TailDropped.Inc

	e.rollback = rollback.New(rollback.Config{
		MinDimensions: cfg.RollbackMinDimensions,
		Logger:        cfg.Logger,
		Now:           cfg.Now,
		OnApplied: func(rollback.Result) {
			e.cache.Invalidate()
		},
	}, world, e.query, store)

	e.loadMu.Lock()
	go e.load()
	return e, nil
}

func (e *Engine) load() {
	defer close(e.ready)
	defer e.loadMu.Unlock()

	if e.cfg.holdLoad != nil {
		<-e.cfg.holdLoad
	}
	start := time.Now()
	wm, err := e.store.Load(context.Background(), func(r *record.Record) error {
		e.index.Insert(r)
		return nil
	})
	if err != nil {
		// Stay on the store fallback; the index would be incomplete.
		e.loadErr = err
		e.log.Error().Err(err).Msg("index load failed, lookups use the store")
		return
	}
	e.loaded = wm
	e.index.MarkReady()
	// Results cached from the store are separate copies of indexed records.
	e.cache.Purge()
	e.log.Info().Int("records", e.index.Len()).Dur("took", time.Since(start)).Msg("index ready")
}

// WaitReady blocks until the startup replay has finished.
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return e.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append records one action. It never blocks on I/O and never fails: invalid
// records are logged and dropped.
func (e *Engine) Append(actor, world string, pos record.Vec3i, p record.Payload) {
	r, err := record.New(actor, world, pos, e.cfg.Now(), p)
	if err != nil {
		e.invalidRecords.Add(1)
		e.metrics.InvalidRecords.Inc()
		e.invalidLog.Do(func() {
			e.log.Warn().Err(err).Str("actor", actor).Str("world", world).Msg("dropping invalid record")
		})
		return
	}
	e.queue.Append(r)
}

// persist is the ingestion handler: store first, then index, cache and tail.
func (e *Engine) persist(ctx context.Context, batch []*record.Record) error {
	if err := e.store.WriteBatch(ctx, batch); err != nil {
		return err
	}
	e.loadMu.Lock()
	e.index.Insert(e.notLoaded(batch)...)
	e.loadMu.Unlock()
	e.cache.Invalidate()
	e.hub.publish(batch)
	return nil
}

// notLoaded drops records the startup replay already indexed: a batch that
// committed before the replay started is read by it too. Callers hold loadMu.
func (e *Engine) notLoaded(batch []*record.Record) []*record.Record {
	if !slices.ContainsFunc(batch, e.loaded.Covers) {
		return batch
	}
	return slices.DeleteFunc(slices.Clone(batch), e.loaded.Covers)
}

// Flush forces both ingestion buffers to the store and drops cached results
// so that the next lookup sees everything appended before the call.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.queue.Flush(ctx); err != nil {
		return err
	}
	e.cache.Purge()
	return nil
}

// Rollback waits for the startup replay, then undoes the records matching f.
// Candidates must be the indexed records themselves, so that the flags the
// run sets are the ones later lookups see.
func (e *Engine) Rollback(ctx context.Context, f record.Filter) (rollback.Result, error) {
	if err := e.awaitLoad(ctx); err != nil {
		return rollback.Result{Status: rollback.StatusRejected}, err
	}
	res, err := e.rollback.Run(ctx, f)
	e.observeRollback(res)
	return res, err
}

func (e *Engine) Preview(ctx context.Context, f record.Filter) (rollback.Result, error) {
	if err := e.awaitLoad(ctx); err != nil {
		return rollback.Result{Status: rollback.StatusRejected}, err
	}
	res, err := e.rollback.Preview(ctx, f)
	e.observeRollback(res)
	return res, err
}

// awaitLoad blocks until the replay is over. A failed replay is not an error
// here: every lookup then stays on the store.
func (e *Engine) awaitLoad(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("index still loading: %w", ctx.Err())
	}
}

func (e *Engine) observeRollback(res rollback.Result) {
	e.metrics.RollbackRuns.WithLabelValues(string(res.Status)).Inc()
	if res.Status == rollback.StatusApplied {
		e.metrics.RollbackRecords.WithLabelValues("success").Add(float64(res.Success))
		e.metrics.RollbackRecords.WithLabelValues("failure").Add(float64(res.Failure))
	}
}

// Store exposes the underlying store for read-only admin tooling.
func (e *Engine) Store() *logdb.Store { return e.store }

// Runs lists the most recent rollback runs, newest first.
func (e *Engine) Runs(ctx context.Context, limit int) ([]logdb.Run, error) {
	return e.store.Runs(ctx, limit)
}

func (e *Engine) Stats() Stats {
	return Stats{
		Ready:          e.index.Ready(),
		Indexed:        e.index.Len(),
		Ingest:         e.queue.Stats(),
		Cache:          e.cache.Stats(),
		InvalidRecords: e.invalidRecords.Load(),
		QueryFailures:  e.queryFailures.Load(),
		QueryRejected:  e.queryRejected.Load(),
		TailDropped:    e.hub.dropped.Load(),
		Subscribers:    e.hub.count(),
	}
}

// Close drains the ingestion queue, ends all subscriptions and closes the
// store. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error
		if err := e.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
		select {
		case <-e.ready:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("index load still running: %w", ctx.Err()))
		}
		e.cache.Close()
		e.hub.close()
		e.metrics.Unregister(e.cfg.Registerer)
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
