// Package qcache memoizes query results by canonical filter key.
//
// Entries expire after a TTL and are evicted least-recently-used. Writers
// call Invalidate after every committed batch; invalidations arriving within
// the coalesce window collapse into one purge.
package qcache

import (
	"container/list"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"blockledger.dev/internal/ledger/record"
)

type Config struct {
	TTL            time.Duration
	MaxEntries     int
	CoalesceWindow time.Duration
	Logger         zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Purges    uint64 `json:"purges"`
	Rejected  uint64 `json:"rejected"`
}

type entry struct {
	key     string
	recs    []*record.Record
	expires time.Time
}

type Cache struct {
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
	gen   uint64
	timer *time.Timer

	pending atomic.Bool
	flight  singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	purges    atomic.Uint64
	rejected  atomic.Uint64
}

func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1024
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = 100 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "qcache").Logger(),
		ll:    list.New(),
		items: map[string]*list.Element{},
	}
}

// Get returns a copy of the cached result for key.
func (c *Cache) Get(key string) ([]*record.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e := el.Value.(*entry)
	if !c.cfg.Now().Before(e.expires) {
		c.removeLocked(el)
		c.misses.Add(1)
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits.Add(1)
	return slices.Clone(e.recs), true
}

// Generation identifies the current purge epoch. Read it before computing a
// result and hand it to Set.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Set stores recs under key unless a purge happened since gen was read; such
// results may predate the write that caused the purge.
func (c *Cache) Set(key string, gen uint64, recs []*record.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		c.rejected.Add(1)
		return false
	}
	exp := c.cfg.Now().Add(c.cfg.TTL)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.recs = slices.Clone(recs)
		e.expires = exp
		c.ll.MoveToFront(el)
		return true
	}
	c.items[key] = c.ll.PushFront(&entry{key: key, recs: slices.Clone(recs), expires: exp})
	for c.ll.Len() > c.cfg.MaxEntries {
		c.removeLocked(c.ll.Back())
		c.evictions.Add(1)
	}
	return true
}

// GetOrCompute answers key from the cache or runs compute once for all
// concurrent callers asking for the same key.
func (c *Cache) GetOrCompute(key string, compute func() ([]*record.Record, error)) ([]*record.Record, error) {
	if recs, ok := c.Get(key); ok {
		return recs, nil
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		gen := c.Generation()
		recs, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(key, gen, recs)
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]*record.Record)), nil
}

// Invalidate schedules a purge at the end of the coalesce window. Calls made
// while a purge is pending are absorbed by it.
func (c *Cache) Invalidate() {
	if !c.pending.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.timer = time.AfterFunc(c.cfg.CoalesceWindow, func() {
		c.pending.Store(false)
		c.Purge()
	})
	c.mu.Unlock()
}

// Purge drops every entry now.
func (c *Cache) Purge() {
	c.mu.Lock()
	n := c.ll.Len()
	c.ll.Init()
	clear(c.items)
	c.gen++
	c.mu.Unlock()
	c.purges.Add(1)
	c.log.Debug().Int("entries", n).Msg("cache purged")
}

// Close stops a pending purge timer.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Purges:    c.purges.Load(),
		Rejected:  c.rejected.Load(),
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := c.ll.Remove(el).(*entry)
	delete(c.items, e.key)
}
