package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockledger.dev/internal/ledger/ingest"
	"blockledger.dev/internal/ledger/qcache"
	"blockledger.dev/internal/ledger/record"
	"blockledger.dev/internal/ledger/rollback"
	"blockledger.dev/internal/sim/memworld"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type harness struct {
	*Engine
	world *memworld.World
	clock *clock
	path  string
}

func openEngine(t *testing.T, path string, mutate func(*Config)) *harness {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "ledger.sqlite")
	}
	h := &harness{
		world: memworld.New(),
		clock: &clock{now: time.Now().Add(-time.Minute)},
		path:  path,
	}
	cfg := Config{
		DBPath:     path,
		Ingest:     ingest.Config{PollInterval: 10 * time.Millisecond},
		Cache:      qcache.Config{CoalesceWindow: 50 * time.Millisecond},
		Registerer: prometheus.NewRegistry(),
		Now:        h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := Open(context.Background(), cfg, h.world)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	if cfg.holdLoad == nil {
		require.NoError(t, e.WaitReady(context.Background()))
	}
	h.Engine = e
	return h
}

var placed = record.BlockChange{Action: record.ActionPlaced, Block: "stone"}

func TestEngine_RoundTrip(t *testing.T) {
	h := openEngine(t, "", nil)
	ctx := context.Background()
	pos := record.Vec3i{X: -7, Y: 12, Z: 33}
	payload := record.ContainerTx{Action: record.ActionDeposited, Stack: record.ItemStack{Item: "emerald", Count: 2, Data: map[string]any{"lore": []any{"a"}}}}

	h.Append("alice", "overworld", pos, payload)
	require.NoError(t, h.Flush(ctx))

	got := h.QueryRange(ctx, record.Near("overworld", pos, 0))
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Actor)
	assert.Equal(t, pos, got[0].Pos)
	assert.Equal(t, payload.Stack.Item, got[0].TypeID())
	assert.NotZero(t, got[0].ID)

	// The same record comes back after a restart through the rebuilt index.
	require.NoError(t, h.Close(ctx))
	h2 := openEngine(t, h.path, nil)
	again := h2.QueryRange(ctx, record.Near("overworld", pos, 0))
	require.Len(t, again, 1)
	assert.True(t, got[0].Equal(again[0]))
}

func TestEngine_Scenario(t *testing.T) {
	h := openEngine(t, "", nil)
	ctx := context.Background()
	positions := []record.Vec3i{{X: 0, Y: 0, Z: 0}, {X: 0, Y: 0, Z: 1}, {X: 50, Y: 0, Z: 50}}
	for _, p := range positions {
		require.NoError(t, h.world.SetBlock(ctx, "overworld", p, "stone", nil))
		h.Append("Alice", "overworld", p, placed)
	}
	require.NoError(t, h.Flush(ctx))

	got := h.QueryRange(ctx, record.Near("overworld", record.Vec3i{}, 5))
	require.Len(t, got, 2)
	assert.Equal(t, positions[1], got[0].Pos, "newest first")
	assert.Equal(t, positions[0], got[1].Pos)

	since, err := record.ParseSince("1h")
	require.NoError(t, err)
	f := record.Near("overworld", record.Vec3i{}, 5)
	f.Actors = []string{"Alice"}
	f.Since = time.Now().Add(-since)

	res, err := h.Rollback(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, rollback.StatusApplied, res.Status)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 0, res.Failure)
	for _, p := range positions[:2] {
		_, ok := h.world.Block("overworld", p)
		assert.False(t, ok, "block at %s still present", p)
	}
	_, ok := h.world.Block("overworld", positions[2])
	assert.True(t, ok)
	for _, r := range got {
		assert.True(t, r.RolledBack())
	}

	digest := h.world.Digest()
	res, err = h.Rollback(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Success)
	assert.Equal(t, 0, res.Failure)
	assert.Equal(t, digest, h.world.Digest())

	runs, err := h.Store().Runs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	// Flags survive a restart.
	require.NoError(t, h.Close(ctx))
	h2 := openEngine(t, h.path, nil)
	live := h2.QueryRange(ctx, record.Filter{World: "overworld", ExcludeRolledBack: true})
	require.Len(t, live, 1)
	assert.Equal(t, positions[2], live[0].Pos)
}

func TestEngine_SpecificityGuard(t *testing.T) {
	h := openEngine(t, "", nil)
	ctx := context.Background()
	h.Append("X", "overworld", record.Vec3i{X: 3}, placed)
	require.NoError(t, h.Flush(ctx))
	before := h.world.Digest()

	res, err := h.Rollback(ctx, record.Filter{Actors: []string{"X"}})
	require.ErrorIs(t, err, rollback.ErrTooBroad)
	assert.Equal(t, rollback.StatusRejected, res.Status)
	assert.Equal(t, before, h.world.Digest())

	f := record.Near("overworld", record.Vec3i{}, 10)
	f.Actors = []string{"X"}
	res, err = h.Rollback(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, rollback.StatusApplied, res.Status)
	assert.Equal(t, 1, res.Success)
}

func TestEngine_CacheCoherence(t *testing.T) {
	h := openEngine(t, "", func(c *Config) {
		c.Cache.CoalesceWindow = 100 * time.Millisecond
		c.Ingest.PollInterval = 5 * time.Millisecond
	})
	ctx := context.Background()
	f := record.Near("overworld", record.Vec3i{}, 8)

	assert.Empty(t, h.QueryRange(ctx, f), "prime the cache")
	h.Append("bob", "overworld", record.Vec3i{X: 1}, placed)

	// poll interval + coalesce window, with headroom for a slow scheduler
	assert.Eventually(t, func() bool {
		return len(h.QueryRange(ctx, f)) == 1
	}, 150*time.Millisecond+100*time.Millisecond, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.Stats().Cache.Purges, uint64(1))
}

func TestEngine_QueryForActor(t *testing.T) {
	h := openEngine(t, "", nil)
	ctx := context.Background()
	h.Append("Alice", "overworld", record.Vec3i{X: 1}, placed)
	h.Append("alice", "nether", record.Vec3i{X: 900}, placed)
	h.Append("bob", "overworld", record.Vec3i{X: 2}, placed)
	require.NoError(t, h.Flush(ctx))

	all := h.QueryForActor(ctx, "ALICE", "")
	require.Len(t, all, 2)
	assert.Equal(t, "nether", all[0].World)
	assert.Len(t, h.QueryForActor(ctx, "alice", "overworld"), 1)
	assert.Empty(t, h.QueryForActor(ctx, "carol", ""))
}

func TestEngine_InvalidAppendIsDropped(t *testing.T) {
	h := openEngine(t, "", nil)
	ctx := context.Background()
	h.Append("", "overworld", record.Vec3i{}, placed)
	h.Append("alice", "overworld", record.Vec3i{}, record.ContainerTx{
		Action: record.ActionWithdrew,
		Stack:  record.ItemStack{Item: "book", Count: 1, Data: map[string]any{"bad": make(chan int)}},
	})
	h.Append("alice", "overworld", record.Vec3i{}, nil)
	require.NoError(t, h.Flush(ctx))

	assert.Equal(t, uint64(3), h.Stats().InvalidRecords)
	assert.Empty(t, h.QueryRange(ctx, record.Filter{}))
}

func TestEngine_LookupPolicy(t *testing.T) {
	h := openEngine(t, "", func(c *Config) { c.QueryMinDimensions = 1 })
	ctx := context.Background()
	h.Append("alice", "overworld", record.Vec3i{}, placed)
	require.NoError(t, h.Flush(ctx))

	assert.Empty(t, h.QueryRange(ctx, record.Filter{World: "overworld"}))
	assert.Equal(t, uint64(1), h.Stats().QueryRejected)
	assert.Len(t, h.QueryRange(ctx, record.Near("overworld", record.Vec3i{}, 1)), 1)
}

func TestEngine_Preview(t *testing.T) {
	h := openEngine(t, "", nil)
	ctx := context.Background()
	h.Append("alice", "overworld", record.Vec3i{}, placed)
	h.Append("alice", "overworld", record.Vec3i{X: 1}, record.Kill{Victim: "sheep"})
	require.NoError(t, h.Flush(ctx))

	f := record.Near("overworld", record.Vec3i{}, 4)
	f.Actors = []string{"alice"}
	res, err := h.Preview(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, rollback.StatusPreview, res.Status)
	assert.Equal(t, 1, res.Candidates)
	for _, r := range h.QueryRange(ctx, f) {
		assert.False(t, r.RolledBack())
	}
}

func TestEngine_Subscribe(t *testing.T) {
	h := openEngine(t, "", nil)
	ctx := context.Background()
	ch, cancel := h.Subscribe(8)
	defer cancel()
	assert.Equal(t, 1, h.Stats().Subscribers)

	h.Append("alice", "overworld", record.Vec3i{X: 4}, placed)
	require.NoError(t, h.Flush(ctx))

	select {
	case r := <-ch:
		assert.Equal(t, record.Vec3i{X: 4}, r.Pos)
		assert.NotZero(t, r.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no record on tail")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.Stats().Subscribers)
}

func TestEngine_CloseIsIdempotentAndDrains(t *testing.T) {
	h := openEngine(t, "", func(c *Config) { c.Ingest.PollInterval = time.Hour })
	ctx := context.Background()
	h.Append("alice", "overworld", record.Vec3i{}, placed)
	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))

	h2 := openEngine(t, h.path, nil)
	assert.Len(t, h2.QueryRange(ctx, record.Filter{}), 1)
}

// openHeld opens the engine at path with its startup replay held back until
// the returned release func runs.
func openHeld(t *testing.T, path string) (*harness, func()) {
	t.Helper()
	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	h := openEngine(t, path, func(c *Config) { c.holdLoad = gate })
	// Runs before the engine's own cleanup, which waits for the replay.
	t.Cleanup(release)
	return h, release
}

func TestEngine_RollbackWaitsForIndexLoad(t *testing.T) {
	ctx := context.Background()
	chest := record.Vec3i{X: 3, Y: 64, Z: 3}
	withdrew := record.ContainerTx{Action: record.ActionWithdrew, Stack: record.ItemStack{Item: "diamond", Count: 1}}

	h := openEngine(t, "", nil)
	h.Append("alice", "overworld", chest, withdrew)
	require.NoError(t, h.Flush(ctx))
	require.NoError(t, h.Close(ctx))

	h2, release := openHeld(t, h.path)
	h2.world.PlaceContainer("overworld", chest, "chest", 0)
	f := record.Near("overworld", chest, 0)
	f.Actors = []string{"alice"}

	// Lookups are answered by the store meanwhile.
	got := h2.QueryRange(ctx, f)
	require.Len(t, got, 1)
	assert.False(t, h2.Stats().Ready)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := h2.Preview(short, f)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	type outcome struct {
		res rollback.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h2.Rollback(ctx, f)
		done <- outcome{res, err}
	}()
	select {
	case <-done:
		t.Fatal("rollback ran before the index was loaded")
	case <-time.After(50 * time.Millisecond):
	}
	release()

	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, 1, first.res.Success)
	assert.Equal(t, 1, h2.world.ContainerCount("overworld", chest, "diamond"))

	second, err := h2.Rollback(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Candidates)
	assert.Equal(t, 1, h2.world.ContainerCount("overworld", chest, "diamond"), "withdrawal restored twice")

	again := h2.QueryRange(ctx, f)
	require.Len(t, again, 1)
	assert.True(t, again[0].RolledBack())
}

func TestEngine_BatchDuringLoadIsIndexedOnce(t *testing.T) {
	ctx := context.Background()
	h := openEngine(t, "", nil)
	h.Append("alice", "overworld", record.Vec3i{}, placed)
	require.NoError(t, h.Flush(ctx))
	require.NoError(t, h.Close(ctx))

	h2, release := openHeld(t, h.path)
	h2.Append("bob", "overworld", record.Vec3i{X: 1}, placed)
	flushed := make(chan error, 1)
	go func() { flushed <- h2.Flush(ctx) }()

	// The batch commits before the replay starts, so the replay reads it.
	require.Eventually(t, func() bool {
		counts, err := h2.Store().Counts(ctx)
		if err != nil {
			return false
		}
		var n int64
		for _, c := range counts {
			n += c.Total
		}
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)

	release()
	require.NoError(t, <-flushed)
	require.NoError(t, h2.WaitReady(ctx))
	assert.Equal(t, 2, h2.Stats().Indexed)
	assert.Len(t, h2.QueryForActor(ctx, "bob", ""), 1)
}
