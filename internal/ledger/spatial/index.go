// Package spatial is the in-memory index over every persisted record:
// buckets of 16x16 columns per world, plus a per-actor list.
package spatial

import (
	"strings"
	"sync"
	"sync/atomic"

	"blockledger.dev/internal/ledger/record"
)

type bucketKey struct {
	world string
	b     record.BucketKey
}

// Index is safe for concurrent use. Go's RWMutex stops admitting new readers
// once a writer is waiting, so inserts are not starved by a stream of queries.
type Index struct {
	mu      sync.RWMutex
	buckets map[bucketKey][]*record.Record
	actors  map[string][]*record.Record
	n       int

	ready atomic.Bool
}

func New() *Index {
	return &Index{
		buckets: map[bucketKey][]*record.Record{},
		actors:  map[string][]*record.Record{},
	}
}

// Ready reports whether the startup load has completed.
func (x *Index) Ready() bool { return x.ready.Load() }

func (x *Index) MarkReady() { x.ready.Store(true) }

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.n
}

// Insert adds persisted records. Records without a payload are ignored.
func (x *Index) Insert(recs ...*record.Record) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, r := range recs {
		if r == nil || r.Payload == nil {
			continue
		}
		k := bucketKey{world: r.World, b: r.Bucket()}
		x.buckets[k] = append(x.buckets[k], r)
		a := strings.ToLower(r.Actor)
		x.actors[a] = append(x.actors[a], r)
		x.n++
	}
}

// Range answers f, which must carry a center. Every bucket within
// radius/16+1 bucket steps is scanned, then the exact distance applies.
func (x *Index) Range(f record.Filter) []*record.Record {
	if !f.HasCenter {
		return x.All(f)
	}
	r := f.Radius
	if r < 0 {
		r = 0
		f.Radius = 0
	}
	span := r/record.BucketSize + 1
	c := record.BucketOf(f.Center)

	x.mu.RLock()
	var out []*record.Record
	if f.World == "" {
		for k, recs := range x.buckets {
			if abs(k.b.CX-c.CX) <= span && abs(k.b.CZ-c.CZ) <= span {
				out = appendMatches(out, recs, f)
			}
		}
	} else {
		for cx := c.CX - span; cx <= c.CX+span; cx++ {
			for cz := c.CZ - span; cz <= c.CZ+span; cz++ {
				out = appendMatches(out, x.buckets[bucketKey{world: f.World, b: record.BucketKey{CX: cx, CZ: cz}}], f)
			}
		}
	}
	x.mu.RUnlock()
	return finish(out, f.Limit)
}

// ForActor returns the actor's records, optionally limited to one world.
func (x *Index) ForActor(actor, world string) []*record.Record {
	f := record.Filter{World: world}
	x.mu.RLock()
	out := appendMatches(nil, x.actors[strings.ToLower(strings.TrimSpace(actor))], f)
	x.mu.RUnlock()
	return finish(out, 0)
}

// All scans the index for queries without a center. A single-actor filter
// only walks that actor's list.
func (x *Index) All(f record.Filter) []*record.Record {
	x.mu.RLock()
	var out []*record.Record
	switch {
	case len(f.Actors) > 0:
		seen := map[string]bool{}
		for _, a := range f.Actors {
			a = strings.ToLower(strings.TrimSpace(a))
			if seen[a] {
				continue
			}
			seen[a] = true
			out = appendMatches(out, x.actors[a], f)
		}
	default:
		for k, recs := range x.buckets {
			if f.World != "" && k.world != f.World {
				continue
			}
			out = appendMatches(out, recs, f)
		}
	}
	x.mu.RUnlock()
	return finish(out, f.Limit)
}

func appendMatches(out, recs []*record.Record, f record.Filter) []*record.Record {
	for _, r := range recs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

func finish(out []*record.Record, limit int) []*record.Record {
	record.SortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
