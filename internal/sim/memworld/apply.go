package memworld

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"blockledger.dev/internal/ledger/record"
)

// containerBlocks are block ids that get an inventory when placed.
var containerBlocks = map[string]bool{
	"chest":         true,
	"trapped_chest": true,
	"barrel":        true,
	"shulker_box":   true,
	"hopper":        true,
}

// IsContainerBlock reports whether placing block creates a container.
func IsContainerBlock(block string) bool {
	return containerBlocks[strings.TrimPrefix(block, "minecraft:")]
}

// Apply performs the forward effect of r, the mutation the record describes.
// Kills and item pickups/drops leave the world unchanged. A short container
// transfer is an error.
func (w *World) Apply(ctx context.Context, r *record.Record) error {
	switch p := r.Payload.(type) {
	case record.BlockChange:
		switch p.Action {
		case record.ActionPlaced:
			if IsContainerBlock(p.Block) {
				w.PlaceContainer(r.World, r.Pos, p.Block, 0)
				return nil
			}
			var st map[string]any
			if len(p.State) > 0 {
				_ = json.Unmarshal(p.State, &st)
			}
			return w.SetBlock(ctx, r.World, r.Pos, p.Block, st)
		case record.ActionBroke:
			return w.ClearBlock(ctx, r.World, r.Pos)
		}
	case record.SignEdit:
		switch p.Action {
		case record.ActionPlaced:
			if err := w.SetBlock(ctx, r.World, r.Pos, p.Block, nil); err != nil {
				return err
			}
			if len(p.After) == 0 {
				return nil
			}
			return w.SetSignText(ctx, r.World, r.Pos, p.After)
		case record.ActionEdit:
			return w.SetSignText(ctx, r.World, r.Pos, p.After)
		case record.ActionBroke:
			return w.ClearBlock(ctx, r.World, r.Pos)
		}
	case record.ContainerTx:
		var (
			left int
			err  error
		)
		switch p.Action {
		case record.ActionDeposited:
			left, err = w.ContainerInsert(ctx, r.World, r.Pos, p.Stack)
		case record.ActionWithdrew:
			left, err = w.ContainerRemove(ctx, r.World, r.Pos, p.Stack)
		default:
			return fmt.Errorf("unknown container action %q", p.Action)
		}
		if err != nil {
			return err
		}
		if left > 0 {
			return fmt.Errorf("%s %s: %d of %d not moved", p.Action, p.Stack.Item, left, p.Stack.Count)
		}
		return nil
	case record.Kill, record.ItemTransfer:
		return nil
	}
	return fmt.Errorf("cannot apply %s/%s", r.Kind(), r.Action())
}
