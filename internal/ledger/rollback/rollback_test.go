package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockledger.dev/internal/ledger/record"
	"blockledger.dev/internal/persistence/logdb"
	"blockledger.dev/internal/sim/memworld"
)

var _ World = (*memworld.World)(nil)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder wraps a memworld and logs every call in order.
type recorder struct {
	*memworld.World
	mu  sync.Mutex
	ops []string
}

func (r *recorder) log(format string, args ...any) {
	r.mu.Lock()
	r.ops = append(r.ops, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) SetBlock(ctx context.Context, world string, pos record.Vec3i, block string, state map[string]any) error {
	r.log("set %s %s %v", pos, block, state)
	return r.World.SetBlock(ctx, world, pos, block, state)
}

func (r *recorder) ClearBlock(ctx context.Context, world string, pos record.Vec3i) error {
	r.log("clear %s", pos)
	return r.World.ClearBlock(ctx, world, pos)
}

func (r *recorder) ContainerInsert(ctx context.Context, world string, pos record.Vec3i, st record.ItemStack) (int, error) {
	r.log("insert %s %s x%d", pos, st.Item, st.Count)
	return r.World.ContainerInsert(ctx, world, pos, st)
}

func (r *recorder) ContainerRemove(ctx context.Context, world string, pos record.Vec3i, st record.ItemStack) (int, error) {
	r.log("remove %s %s x%d", pos, st.Item, st.Count)
	return r.World.ContainerRemove(ctx, world, pos, st)
}

func (r *recorder) SetSignText(ctx context.Context, world string, pos record.Vec3i, lines []string) error {
	r.log("sign %s %v", pos, lines)
	return r.World.SetSignText(ctx, world, pos, lines)
}

type journal struct {
	refs  []record.Ref
	runs  []logdb.Run
	fail  int
	calls int
}

func (j *journal) FinishRollback(_ context.Context, refs []record.Ref, run *logdb.Run) error {
	j.calls++
	if j.calls <= j.fail {
		return errors.New("database is locked")
	}
	j.refs = append(j.refs, refs...)
	j.runs = append(j.runs, *run)
	return nil
}

type fixture struct {
	recs    []*record.Record
	world   *recorder
	journal *journal
	engine  *Engine
	queries int
}

func newFixture(t *testing.T) *fixture {
	fx := &fixture{world: &recorder{World: memworld.New()}, journal: &journal{}}
	query := func(_ context.Context, f record.Filter) ([]*record.Record, error) {
		fx.queries++
		var out []*record.Record
		for _, r := range fx.recs {
			if f.Match(r) {
				out = append(out, r)
			}
		}
		record.SortNewestFirst(out)
		return out, nil
	}
	fx.engine = New(Config{Now: func() time.Time { return now }}, fx.world, query, fx.journal)
	return fx
}

func (fx *fixture) add(t *testing.T, actor string, pos record.Vec3i, ago time.Duration, p record.Payload) *record.Record {
	t.Helper()
	r, err := record.New(actor, "overworld", pos, now.Add(-ago), p)
	require.NoError(t, err)
	r.ID = int64(len(fx.recs) + 1)
	fx.recs = append(fx.recs, r)
	return r
}

func aliceNear(radius int) record.Filter {
	f := record.Near("overworld", record.Vec3i{}, radius)
	f.Actors = []string{"alice"}
	return f
}

func TestRun_RejectsTooBroad(t *testing.T) {
	fx := newFixture(t)
	fx.add(t, "alice", record.Vec3i{}, time.Second, record.BlockChange{Action: record.ActionPlaced, Block: "stone"})

	res, err := fx.engine.Run(context.Background(), record.Filter{Actors: []string{"alice"}})
	require.ErrorIs(t, err, ErrTooBroad)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Zero(t, fx.queries)
	assert.Empty(t, fx.world.ops)
	assert.False(t, fx.recs[0].RolledBack())

	_, err = fx.engine.Preview(context.Background(), record.Filter{Actors: []string{"alice"}})
	assert.ErrorIs(t, err, ErrTooBroad)

	res, err = fx.engine.Run(context.Background(), aliceNear(10))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, 1, res.Success)
}

func TestRun_ScenarioIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	placed := record.BlockChange{Action: record.ActionPlaced, Block: "stone"}
	for i, p := range []record.Vec3i{{}, {Z: 1}, {X: 50, Z: 50}} {
		require.NoError(t, fx.world.SetBlock(ctx, "overworld", p, "stone", nil))
		fx.add(t, "Alice", p, time.Duration(30-i)*time.Second, placed)
	}
	fx.world.ops = nil

	since, err := record.ParseSince("1h")
	require.NoError(t, err)
	f := aliceNear(5)
	f.Since = now.Add(-since)

	res, err := fx.engine.Run(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
	assert.Zero(t, res.Failure)
	assert.NotEmpty(t, res.RunID)
	assert.True(t, fx.recs[0].RolledBack())
	assert.True(t, fx.recs[1].RolledBack())
	assert.False(t, fx.recs[2].RolledBack())
	_, ok := fx.world.Block("overworld", record.Vec3i{})
	assert.False(t, ok)
	_, ok = fx.world.Block("overworld", record.Vec3i{X: 50, Z: 50})
	assert.True(t, ok)
	assert.ElementsMatch(t, []record.Ref{fx.recs[0].Ref(), fx.recs[1].Ref()}, fx.journal.refs)

	digest := fx.world.Digest()
	res, err = fx.engine.Run(ctx, f)
	require.NoError(t, err)
	assert.Zero(t, res.Success)
	assert.Zero(t, res.Failure)
	assert.Equal(t, digest, fx.world.Digest())
	require.Len(t, fx.journal.runs, 2)
	assert.Equal(t, f.Key(), fx.journal.runs[0].Filter)
}

func TestRun_DefaultOrderRestoresBeforeRemoving(t *testing.T) {
	fx := newFixture(t)
	p := record.Vec3i{X: 1}
	fx.add(t, "alice", p, 3*time.Second, record.BlockChange{Action: record.ActionBroke, Block: "oak_log"})
	fx.add(t, "alice", p, 2*time.Second, record.BlockChange{Action: record.ActionPlaced, Block: "tnt"})
	fx.add(t, "alice", record.Vec3i{X: 2}, time.Second, record.BlockChange{Action: record.ActionBroke, Block: "glass"})
	fx.world.PlaceContainer("overworld", record.Vec3i{X: 3}, "chest", 0)
	fx.add(t, "alice", record.Vec3i{X: 3}, 4*time.Second, record.ContainerTx{Action: record.ActionWithdrew, Stack: record.ItemStack{Item: "coal", Count: 4}})

	res, err := fx.engine.Run(context.Background(), aliceNear(10))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Success)
	assert.Equal(t, []string{
		"set 2,0,0 glass map[]",
		"set 1,0,0 oak_log map[]",
		"clear 1,0,0",
		"insert 3,0,0 coal x4",
	}, fx.world.ops)
	assert.Equal(t, map[record.Kind]int{record.KindBlock: 3, record.KindContainer: 1}, res.ByKind)
}

func TestRun_ExplicitKindsFollowFilterOrder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.world.SetBlock(ctx, "overworld", record.Vec3i{X: 2}, "sign", nil))
	fx.add(t, "alice", record.Vec3i{X: 2}, time.Second, record.SignEdit{Action: record.ActionEdit, Before: []string{"old"}, After: []string{"new"}})
	fx.add(t, "alice", record.Vec3i{X: 1}, time.Second, record.BlockChange{Action: record.ActionPlaced, Block: "dirt"})
	fx.world.PlaceContainer("overworld", record.Vec3i{X: 3}, "chest", 0)
	fx.add(t, "alice", record.Vec3i{X: 3}, time.Second, record.ContainerTx{Action: record.ActionWithdrew, Stack: record.ItemStack{Item: "coal", Count: 1}})
	fx.world.ops = nil

	f := aliceNear(10)
	f.Kinds = []record.Kind{record.KindContainer, record.KindSign, record.KindBlock}
	res, err := fx.engine.Run(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Success)
	assert.Equal(t, []string{
		"insert 3,0,0 coal x1",
		"sign 2,0,0 [old]",
		"clear 1,0,0",
	}, fx.world.ops)
	assert.Equal(t, []string{"old"}, fx.world.SignText("overworld", record.Vec3i{X: 2}))
}

func TestRun_PartialContainerTransferFails(t *testing.T) {
	fx := newFixture(t)
	p := record.Vec3i{X: 4}
	fx.world.PlaceContainer("overworld", p, "chest", 5)
	withdrew := fx.add(t, "alice", p, time.Second, record.ContainerTx{Action: record.ActionWithdrew, Stack: record.ItemStack{Item: "coal", Count: 8}})
	deposited := fx.add(t, "alice", p, 2*time.Second, record.ContainerTx{Action: record.ActionDeposited, Stack: record.ItemStack{Item: "iron", Count: 3}})
	missing := fx.add(t, "alice", record.Vec3i{X: 9}, time.Second, record.ContainerTx{Action: record.ActionDeposited, Stack: record.ItemStack{Item: "iron", Count: 1}})

	res, err := fx.engine.Run(context.Background(), aliceNear(10))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Failure)
	assert.Zero(t, res.Success)
	for _, r := range []*record.Record{withdrew, deposited, missing} {
		assert.False(t, r.RolledBack())
	}
	assert.Empty(t, fx.journal.refs)
}

func TestRun_BlockStateAndSigns(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.add(t, "alice", record.Vec3i{X: 1}, time.Second, record.BlockChange{Action: record.ActionBroke, Block: "furnace", State: []byte(`{"lit":true}`)})
	fx.add(t, "alice", record.Vec3i{X: 2}, time.Second, record.BlockChange{Action: record.ActionBroke, Block: "stairs", State: []byte(`not json`)})
	fx.add(t, "alice", record.Vec3i{X: 3}, time.Second, record.SignEdit{Action: record.ActionBroke, Block: "oak_sign", Before: []string{"keep", "out"}})
	require.NoError(t, fx.world.SetBlock(ctx, "overworld", record.Vec3i{X: 4}, "sign", nil))
	fx.add(t, "alice", record.Vec3i{X: 4}, time.Second, record.SignEdit{Action: record.ActionPlaced})

	res, err := fx.engine.Run(ctx, aliceNear(10))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Success)

	b, _ := fx.world.Block("overworld", record.Vec3i{X: 1})
	assert.Equal(t, map[string]any{"lit": true}, b.State)
	b, _ = fx.world.Block("overworld", record.Vec3i{X: 2})
	assert.Equal(t, "stairs", b.Type)
	assert.Nil(t, b.State)
	b, _ = fx.world.Block("overworld", record.Vec3i{X: 3})
	assert.Equal(t, "oak_sign", b.Type)
	assert.Equal(t, []string{"keep", "out"}, fx.world.SignText("overworld", record.Vec3i{X: 3}))
	_, ok := fx.world.Block("overworld", record.Vec3i{X: 4})
	assert.False(t, ok)
}

func TestRun_SkipsKillsAndItemTransfers(t *testing.T) {
	fx := newFixture(t)
	fx.add(t, "alice", record.Vec3i{}, time.Second, record.Kill{Victim: "bob"})
	fx.add(t, "alice", record.Vec3i{}, time.Second, record.ItemTransfer{Action: record.ActionDrop, Item: "apple", Count: 1})

	res, err := fx.engine.Run(context.Background(), aliceNear(10))
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.Empty(t, fx.world.ops)
}

func TestPreview_DoesNotMutate(t *testing.T) {
	fx := newFixture(t)
	fx.add(t, "alice", record.Vec3i{}, time.Second, record.BlockChange{Action: record.ActionPlaced, Block: "stone"})
	fx.add(t, "alice", record.Vec3i{X: 1}, time.Second, record.BlockChange{Action: record.ActionBroke, Block: "stone"})

	res, err := fx.engine.Preview(context.Background(), aliceNear(10))
	require.NoError(t, err)
	assert.Equal(t, StatusPreview, res.Status)
	assert.Equal(t, 2, res.Candidates)
	assert.Empty(t, res.RunID)
	assert.Empty(t, fx.world.ops)
	assert.Empty(t, fx.journal.runs)
	assert.False(t, fx.recs[0].RolledBack())
}

func TestRun_IgnoresCallerCancellation(t *testing.T) {
	fx := newFixture(t)
	fx.add(t, "alice", record.Vec3i{}, time.Second, record.BlockChange{Action: record.ActionPlaced, Block: "stone"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := fx.engine.Run(ctx, aliceNear(10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
}

func TestRun_OnAppliedHook(t *testing.T) {
	fx := newFixture(t)
	var got []Result
	fx.engine.cfg.OnApplied = func(r Result) { got = append(got, r) }
	fx.add(t, "alice", record.Vec3i{}, time.Second, record.BlockChange{Action: record.ActionPlaced, Block: "stone"})

	_, err := fx.engine.Run(context.Background(), aliceNear(10))
	require.NoError(t, err)
	_, err = fx.engine.Run(context.Background(), aliceNear(10))
	require.NoError(t, err)
	require.Len(t, got, 1, "no-op runs do not fire the hook")
	assert.Equal(t, 1, got[0].Success)
}

func TestRun_WithoutWorld(t *testing.T) {
	fx := newFixture(t)
	fx.add(t, "alice", record.Vec3i{}, time.Second, record.BlockChange{Action: record.ActionPlaced, Block: "stone"})
	eng := New(Config{Now: func() time.Time { return now }}, nil, func(_ context.Context, f record.Filter) ([]*record.Record, error) {
		return fx.recs, nil
	}, fx.journal)

	res, err := eng.Run(context.Background(), aliceNear(3))
	require.ErrorIs(t, err, ErrNoWorld)
	assert.Equal(t, StatusRejected, res.Status)
	assert.False(t, fx.recs[0].RolledBack())
	assert.Empty(t, fx.journal.runs)

	res, err = eng.Preview(context.Background(), aliceNear(3))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
}

func TestRun_RetriesJournalWrite(t *testing.T) {
	fx := newFixture(t)
	fx.engine.cfg.JournalBackoff = time.Millisecond
	fx.journal.fail = 2
	r := fx.add(t, "alice", record.Vec3i{}, time.Second, record.BlockChange{Action: record.ActionPlaced, Block: "stone"})

	res, err := fx.engine.Run(context.Background(), aliceNear(3))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 3, fx.journal.calls)
	assert.Equal(t, []record.Ref{r.Ref()}, fx.journal.refs)
}

func TestRun_JournalFailureIsReported(t *testing.T) {
	fx := newFixture(t)
	fx.engine.cfg.JournalBackoff = time.Millisecond
	fx.journal.fail = 10
	fx.add(t, "alice", record.Vec3i{}, time.Second, record.BlockChange{Action: record.ActionPlaced, Block: "stone"})

	res, err := fx.engine.Run(context.Background(), aliceNear(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), res.RunID)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 3, fx.journal.calls)
	assert.Empty(t, fx.journal.runs)
}
