package memworld

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockledger.dev/internal/ledger/record"
)

func rec(t *testing.T, pos record.Vec3i, p record.Payload) *record.Record {
	t.Helper()
	r, err := record.New("alice", "overworld", pos, time.Unix(1700000000, 0), p)
	require.NoError(t, err)
	return r
}

func TestApply_ForwardEffects(t *testing.T) {
	ctx := context.Background()
	w := New()
	chest := record.Vec3i{X: 1, Y: 64}
	sign := record.Vec3i{X: 2, Y: 64}
	stone := record.Vec3i{X: 3, Y: 64}

	steps := []record.Payload{
		record.BlockChange{Action: record.ActionPlaced, Block: "minecraft:chest"},
		record.ContainerTx{Action: record.ActionDeposited, Stack: record.ItemStack{Item: "diamond", Count: 5}},
		record.ContainerTx{Action: record.ActionWithdrew, Stack: record.ItemStack{Item: "diamond", Count: 2}},
	}
	for _, p := range steps {
		require.NoError(t, w.Apply(ctx, rec(t, chest, p)))
	}
	assert.Equal(t, 3, w.ContainerCount("overworld", chest, "diamond"))

	err := w.Apply(ctx, rec(t, chest, record.ContainerTx{Action: record.ActionWithdrew, Stack: record.ItemStack{Item: "diamond", Count: 4}}))
	assert.Error(t, err)

	require.NoError(t, w.Apply(ctx, rec(t, sign, record.SignEdit{Action: record.ActionPlaced, Block: "oak_sign", After: []string{"hi"}})))
	require.NoError(t, w.Apply(ctx, rec(t, sign, record.SignEdit{Action: record.ActionEdit, Block: "oak_sign", Before: []string{"hi"}, After: []string{"bye"}})))
	assert.Equal(t, []string{"bye"}, w.SignText("overworld", sign))

	require.NoError(t, w.Apply(ctx, rec(t, stone, record.BlockChange{Action: record.ActionPlaced, Block: "stone", State: []byte(`{"axis":"x"}`)})))
	b, ok := w.Block("overworld", stone)
	require.True(t, ok)
	assert.Equal(t, "x", b.State["axis"])
	require.NoError(t, w.Apply(ctx, rec(t, stone, record.BlockChange{Action: record.ActionBroke, Block: "stone"})))
	_, ok = w.Block("overworld", stone)
	assert.False(t, ok)

	before := w.Digest()
	require.NoError(t, w.Apply(ctx, rec(t, stone, record.Kill{Victim: "zombie"})))
	require.NoError(t, w.Apply(ctx, rec(t, stone, record.ItemTransfer{Action: record.ActionDrop, Item: "dirt", Count: 1})))
	assert.Equal(t, before, w.Digest())
}
