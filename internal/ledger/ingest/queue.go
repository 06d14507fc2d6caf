// Package ingest buffers freshly captured records and hands them to a
// persistence handler in batches from a single background worker.
//
// Producers write into the active buffer; every poll the worker swaps the
// active and inactive buffers and drains the inactive one. Appends never
// perform I/O and never block for longer than the enqueue wait.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"blockledger.dev/internal/ledger/record"
)

var ErrClosed = errors.New("ingest queue closed")

// Handler persists one batch. A returned error drops the batch.
type Handler func(ctx context.Context, batch []*record.Record) error

type Config struct {
	// Capacity bounds each of the two buffers.
	Capacity        int
	BatchSize       int
	PollInterval    time.Duration
	EnqueueWait     time.Duration
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

func (c *Config) normalize() {
	if c.Capacity <= 0 {
		c.Capacity = 65536
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.EnqueueWait <= 0 {
		c.EnqueueWait = 5 * time.Millisecond
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

type Stats struct {
	Depth               [2]int `json:"depth"`
	Active              int    `json:"active"`
	Capacity            int    `json:"capacity"`
	EnqueuedTotal       uint64 `json:"enqueued_total"`
	QueueSaturatedTotal uint64 `json:"queue_saturated_total"`
	DroppedTotal        uint64 `json:"dropped_total"`
	BatchesWritten      uint64 `json:"batches_written"`
	BatchesFailed       uint64 `json:"batches_failed"`
	RecordsWritten      uint64 `json:"records_written"`
	RecordsFailed       uint64 `json:"records_failed"`
	LastSuccessUnix     int64  `json:"last_success_unix"`
	LastErrorUnix       int64  `json:"last_error_unix"`
}

type Queue struct {
	cfg    Config
	handle Handler
	log    zerolog.Logger

	bufs   [2]chan *record.Record
	active atomic.Int32

	// Appends hold mu for reading; Close takes it for writing so no append
	// is in flight once the final drain starts.
	mu     sync.RWMutex
	closed bool

	flushReq  chan chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	dropLog rate.Sometimes

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	batchesWritten      atomic.Uint64
	batchesFailed       atomic.Uint64
	recordsWritten      atomic.Uint64
	recordsFailed       atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

// New starts the worker. handle is only ever called from that worker.
func New(cfg Config, handle Handler) *Queue {
	cfg.normalize()
	q := &Queue{
		cfg:      cfg,
		handle:   handle,
		log:      cfg.Logger.With().Str("component", "ingest").Logger(),
		flushReq: make(chan chan struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		dropLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	q.bufs[0] = make(chan *record.Record, cfg.Capacity)
	q.bufs[1] = make(chan *record.Record, cfg.Capacity)
	go q.run()
	return q
}

// Append enqueues r into the active buffer. When the buffer stays full for the
// enqueue wait, or the queue is closed, r is dropped and counted.
func (q *Queue) Append(r *record.Record) bool {
	if r == nil {
		return false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop("closed")
		return false
	}
	q.enqueuedTotal.Add(1)
	ch := q.bufs[q.active.Load()]

	select {
	case ch <- r:
		return true
	default:
	}

	q.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(q.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case ch <- r:
		return true
	case <-timer.C:
		q.drop("queue_saturated")
		return false
	}
}

func (q *Queue) drop(reason string) {
	dropped := q.droppedTotal.Add(1)
	q.dropLog.Do(func() {
		q.log.Warn().
			Str("reason", reason).
			Int64("wait_ms", q.cfg.EnqueueWait.Milliseconds()).
			Uint64("dropped_total", dropped).
			Msg("record dropped")
	})
}

// Flush drains both buffers and returns once everything appended before the
// call has been handed to the handler.
func (q *Queue) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case q.flushReq <- ack:
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records, drains both buffers within the shutdown
// timeout and stops the worker. It is safe to call more than once.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.quit)
	})
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Stats() Stats {
	if q == nil {
		return Stats{}
	}
	return Stats{
		Depth:               [2]int{len(q.bufs[0]), len(q.bufs[1])},
		Active:              int(q.active.Load()),
		Capacity:            q.cfg.Capacity,
		EnqueuedTotal:       q.enqueuedTotal.Load(),
		QueueSaturatedTotal: q.queueSaturatedTotal.Load(),
		DroppedTotal:        q.droppedTotal.Load(),
		BatchesWritten:      q.batchesWritten.Load(),
		BatchesFailed:       q.batchesFailed.Load(),
		RecordsWritten:      q.recordsWritten.Load(),
		RecordsFailed:       q.recordsFailed.Load(),
		LastSuccessUnix:     q.lastSuccessUnix.Load(),
		LastErrorUnix:       q.lastErrorUnix.Load(),
	}
}

func (q *Queue) run() {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.cycle(context.Background())
		case ack := <-q.flushReq:
			// Two swaps: the first drains the buffer producers were filling,
			// the second anything that raced into the other one.
			q.cycle(context.Background())
			q.cycle(context.Background())
			close(ack)
		case <-q.quit:
			ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ShutdownTimeout)
			q.drain(ctx, q.bufs[0])
			q.drain(ctx, q.bufs[1])
			cancel()
			if n := len(q.bufs[0]) + len(q.bufs[1]); n > 0 {
				q.recordsFailed.Add(uint64(n))
				q.log.Error().Int("records", n).Msg("shutdown drain timed out")
			}
			return
		}
	}
}

// cycle swaps the buffers and drains the one producers were writing to.
func (q *Queue) cycle(ctx context.Context) {
	old := q.active.Load()
	q.active.Store(1 - old)
	q.drain(ctx, q.bufs[old])
}

func (q *Queue) drain(ctx context.Context, ch chan *record.Record) {
	batch := make([]*record.Record, 0, q.cfg.BatchSize)
	for ctx.Err() == nil {
		batch = batch[:0]
	fill:
		for len(batch) < q.cfg.BatchSize {
			select {
			case r := <-ch:
				batch = append(batch, r)
			default:
				break fill
			}
		}
		if len(batch) == 0 {
			return
		}
		q.write(ctx, batch)
	}
}

func (q *Queue) write(ctx context.Context, batch []*record.Record) {
	// The handler may keep the slice.
	out := make([]*record.Record, len(batch))
	copy(out, batch)
	if err := q.handle(ctx, out); err != nil {
		q.batchesFailed.Add(1)
		q.recordsFailed.Add(uint64(len(out)))
		q.lastErrorUnix.Store(time.Now().UTC().Unix())
		q.log.Error().Err(err).Int("records", len(out)).Msg("batch write failed")
		return
	}
	q.batchesWritten.Add(1)
	q.recordsWritten.Add(uint64(len(out)))
	q.lastSuccessUnix.Store(time.Now().UTC().Unix())
}
