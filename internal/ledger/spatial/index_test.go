package spatial

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockledger.dev/internal/ledger/record"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func place(t *testing.T, id int64, actor, world string, pos record.Vec3i, at time.Time) *record.Record {
	t.Helper()
	r, err := record.New(actor, world, pos, at, record.BlockChange{Action: record.ActionPlaced, Block: "stone"})
	require.NoError(t, err)
	r.ID = id
	return r
}

// bruteForce is the reference answer for Range.
func bruteForce(recs []*record.Record, f record.Filter) []*record.Record {
	var out []*record.Record
	for _, r := range recs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	record.SortNewestFirst(out)
	return out
}

func TestIndex_RangeMatchesBruteForceAcrossBuckets(t *testing.T) {
	x := New()
	var all []*record.Record
	id := int64(0)
	// A grid straddling the origin covers four buckets per side of each axis.
	for px := -40; px <= 40; px += 3 {
		for pz := -40; pz <= 40; pz += 3 {
			id++
			r := place(t, id, "alice", "overworld", record.Vec3i{X: px, Y: 64, Z: pz}, t0.Add(time.Duration(id)*time.Millisecond))
			all = append(all, r)
		}
	}
	x.Insert(all...)
	require.Equal(t, len(all), x.Len())

	centers := []record.Vec3i{{X: 0, Y: 64, Z: 0}, {X: -17, Y: 64, Z: 15}, {X: 16, Y: 60, Z: -16}}
	for _, c := range centers {
		for _, radius := range []int{0, 1, 5, 15, 16, 17, 33} {
			t.Run(fmt.Sprintf("%s/r%d", c, radius), func(t *testing.T) {
				f := record.Near("overworld", c, radius)
				got := x.Range(f)
				want := bruteForce(all, f)
				require.Len(t, got, len(want))
				for i := range want {
					assert.Same(t, want[i], got[i])
				}
			})
		}
	}
}

func TestIndex_RangeBoundaryIsInclusive(t *testing.T) {
	x := New()
	onEdge := place(t, 1, "alice", "overworld", record.Vec3i{X: 3, Y: 64, Z: 4}, t0)
	outside := place(t, 2, "alice", "overworld", record.Vec3i{X: 4, Y: 64, Z: 4}, t0)
	x.Insert(onEdge, outside)

	got := x.Range(record.Near("overworld", record.Vec3i{X: 0, Y: 64, Z: 0}, 5))
	require.Len(t, got, 1)
	assert.Same(t, onEdge, got[0])
}

func TestIndex_RadiusZeroIsExactPoint(t *testing.T) {
	x := New()
	p := record.Vec3i{X: -1, Y: 70, Z: -1}
	hit := place(t, 1, "alice", "overworld", p, t0)
	x.Insert(hit,
		place(t, 2, "alice", "overworld", record.Vec3i{X: -1, Y: 71, Z: -1}, t0),
		place(t, 3, "alice", "nether", p, t0),
	)
	got := x.Range(record.Near("overworld", p, 0))
	require.Len(t, got, 1)
	assert.Same(t, hit, got[0])
}

func TestIndex_NewestFirstWithIDTiebreak(t *testing.T) {
	x := New()
	a := place(t, 1, "alice", "overworld", record.Vec3i{}, t0)
	b := place(t, 2, "alice", "overworld", record.Vec3i{X: 1}, t0)
	c := place(t, 3, "alice", "overworld", record.Vec3i{X: 2}, t0.Add(time.Second))
	x.Insert(a, b, c)

	got := x.Range(record.Near("overworld", record.Vec3i{}, 10))
	require.Len(t, got, 3)
	assert.Equal(t, []int64{3, 2, 1}, []int64{got[0].ID, got[1].ID, got[2].ID})
}

func TestIndex_ForActor(t *testing.T) {
	x := New()
	x.Insert(
		place(t, 1, "Alice", "overworld", record.Vec3i{}, t0),
		place(t, 2, "alice", "nether", record.Vec3i{X: 500}, t0.Add(time.Second)),
		place(t, 3, "bob", "overworld", record.Vec3i{}, t0),
	)
	assert.Len(t, x.ForActor("ALICE", ""), 2)
	got := x.ForActor("alice", "nether")
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Empty(t, x.ForActor("carol", ""))
}

func TestIndex_AllWithoutCenter(t *testing.T) {
	x := New()
	x.Insert(
		place(t, 1, "alice", "overworld", record.Vec3i{X: 1000}, t0),
		place(t, 2, "bob", "overworld", record.Vec3i{X: -1000}, t0.Add(time.Second)),
		place(t, 3, "bob", "nether", record.Vec3i{}, t0.Add(2*time.Second)),
	)
	assert.Len(t, x.All(record.Filter{World: "overworld"}), 2)
	assert.Len(t, x.All(record.Filter{Actors: []string{"bob", "BOB"}}), 2)
	assert.Len(t, x.All(record.Filter{Since: t0.Add(time.Second)}), 2)
	assert.Len(t, x.All(record.Filter{Limit: 1}), 1)
}

func TestIndex_ConcurrentInsertAndQuery(t *testing.T) {
	x := New()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			x.Insert(place(t, int64(i+1), "alice", "overworld", record.Vec3i{X: i % 64, Z: i % 48}, t0))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = x.Range(record.Near("overworld", record.Vec3i{X: 10, Z: 10}, 20))
		}
	}()
	wg.Wait()
	assert.Equal(t, 500, x.Len())
	assert.False(t, x.Ready())
	x.MarkReady()
	assert.True(t, x.Ready())
}
