package memworld

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockledger.dev/internal/ledger/record"
)

func TestWorld_BlocksAndDigest(t *testing.T) {
	ctx := context.Background()
	w := New()
	empty := w.Digest()

	p := record.Vec3i{X: -3, Y: 64, Z: 17}
	require.NoError(t, w.SetBlock(ctx, "overworld", p, "stone", map[string]any{"axis": "y"}))
	b, ok := w.Block("overworld", p)
	require.True(t, ok)
	assert.Equal(t, "stone", b.Type)
	_, ok = w.Block("nether", p)
	assert.False(t, ok)
	assert.NotEqual(t, empty, w.Digest())

	require.NoError(t, w.ClearBlock(ctx, "overworld", p))
	assert.Equal(t, empty, w.Digest())
	assert.Error(t, w.SetBlock(ctx, "overworld", p, "", nil))
}

func TestWorld_ContainerCapacity(t *testing.T) {
	ctx := context.Background()
	w := New()
	p := record.Vec3i{X: 1, Y: 2, Z: 3}
	w.PlaceContainer("overworld", p, "chest", 10)

	rem, err := w.ContainerInsert(ctx, "overworld", p, record.ItemStack{Item: "iron", Count: 8})
	require.NoError(t, err)
	assert.Zero(t, rem)

	rem, err = w.ContainerInsert(ctx, "overworld", p, record.ItemStack{Item: "gold", Count: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, rem)
	assert.Equal(t, 2, w.ContainerCount("overworld", p, "gold"))

	rem, err = w.ContainerRemove(ctx, "overworld", p, record.ItemStack{Item: "iron", Count: 9})
	require.NoError(t, err)
	assert.Equal(t, 1, rem)
	assert.Zero(t, w.ContainerCount("overworld", p, "iron"))

	_, err = w.ContainerInsert(ctx, "overworld", record.Vec3i{}, record.ItemStack{Item: "iron", Count: 1})
	assert.ErrorIs(t, err, ErrNoContainer)
}

func TestWorld_Signs(t *testing.T) {
	ctx := context.Background()
	w := New()
	p := record.Vec3i{X: 5}
	assert.Error(t, w.SetSignText(ctx, "overworld", p, []string{"hi"}))

	require.NoError(t, w.SetBlock(ctx, "overworld", p, "sign", nil))
	lines := []string{"hello", "world"}
	require.NoError(t, w.SetSignText(ctx, "overworld", p, lines))
	lines[0] = "mutated"
	assert.Equal(t, []string{"hello", "world"}, w.SignText("overworld", p))

	require.NoError(t, w.ClearBlock(ctx, "overworld", p))
	assert.Empty(t, w.SignText("overworld", p))
}
