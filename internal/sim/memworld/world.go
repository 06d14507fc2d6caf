// Package memworld is an in-memory world: blocks stored per 16x16 chunk
// column, containers with a bounded capacity, and sign text. It implements
// rollback.World and backs the server's sandbox mode and the tests.
package memworld

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"blockledger.dev/internal/ledger/record"
)

var ErrNoContainer = errors.New("no container at position")

const DefaultContainerCapacity = 27 * 64

type Block struct {
	Type  string         `json:"type"`
	State map[string]any `json:"state,omitempty"`
}

type Container struct {
	Capacity  int
	Inventory map[string]int
}

func (c *Container) used() int {
	n := 0
	for _, v := range c.Inventory {
		n += v
	}
	return n
}

type chunkKey struct {
	world string
	ck    record.BucketKey
}

type chunk struct {
	blocks map[record.Vec3i]Block
}

type posKey struct {
	world string
	pos   record.Vec3i
}

type World struct {
	mu         sync.RWMutex
	chunks     map[chunkKey]*chunk
	containers map[posKey]*Container
	signs      map[posKey][]string
}

func New() *World {
	return &World{
		chunks:     map[chunkKey]*chunk{},
		containers: map[posKey]*Container{},
		signs:      map[posKey][]string{},
	}
}

func (w *World) chunkFor(world string, pos record.Vec3i, create bool) *chunk {
	k := chunkKey{world: world, ck: record.BucketOf(pos)}
	c := w.chunks[k]
	if c == nil && create {
		c = &chunk{blocks: map[record.Vec3i]Block{}}
		w.chunks[k] = c
	}
	return c
}

// Block returns the block at pos; false means empty.
func (w *World) Block(world string, pos record.Vec3i) (Block, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c := w.chunkFor(world, pos, false)
	if c == nil {
		return Block{}, false
	}
	b, ok := c.blocks[pos]
	return b, ok
}

func (w *World) SetBlock(_ context.Context, world string, pos record.Vec3i, block string, state map[string]any) error {
	if block == "" {
		return fmt.Errorf("empty block type")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chunkFor(world, pos, true).blocks[pos] = Block{Type: block, State: state}
	return nil
}

// ClearBlock empties pos and removes any container or sign there.
func (w *World) ClearBlock(_ context.Context, world string, pos record.Vec3i) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c := w.chunkFor(world, pos, false); c != nil {
		delete(c.blocks, pos)
	}
	delete(w.containers, posKey{world, pos})
	delete(w.signs, posKey{world, pos})
	return nil
}

// PlaceContainer puts an empty container at pos. capacity <= 0 uses the
// default.
func (w *World) PlaceContainer(world string, pos record.Vec3i, block string, capacity int) {
	if capacity <= 0 {
		capacity = DefaultContainerCapacity
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chunkFor(world, pos, true).blocks[pos] = Block{Type: block}
	w.containers[posKey{world, pos}] = &Container{Capacity: capacity, Inventory: map[string]int{}}
}

func (w *World) ContainerCount(world string, pos record.Vec3i, item string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c := w.containers[posKey{world, pos}]
	if c == nil {
		return 0
	}
	return c.Inventory[item]
}

func (w *World) ContainerInsert(_ context.Context, world string, pos record.Vec3i, stack record.ItemStack) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.containers[posKey{world, pos}]
	if c == nil {
		return stack.Count, fmt.Errorf("%w: %s %s", ErrNoContainer, world, pos)
	}
	n := min(stack.Count, c.Capacity-c.used())
	if n > 0 {
		c.Inventory[stack.Item] += n
	}
	return stack.Count - max(n, 0), nil
}

func (w *World) ContainerRemove(_ context.Context, world string, pos record.Vec3i, stack record.ItemStack) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.containers[posKey{world, pos}]
	if c == nil {
		return stack.Count, fmt.Errorf("%w: %s %s", ErrNoContainer, world, pos)
	}
	n := min(stack.Count, c.Inventory[stack.Item])
	c.Inventory[stack.Item] -= n
	if c.Inventory[stack.Item] <= 0 {
		delete(c.Inventory, stack.Item)
	}
	return stack.Count - n, nil
}

func (w *World) SetSignText(_ context.Context, world string, pos record.Vec3i, lines []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.chunkFor(world, pos, false)
	if c == nil {
		return fmt.Errorf("no sign at %s %s", world, pos)
	}
	if _, ok := c.blocks[pos]; !ok {
		return fmt.Errorf("no sign at %s %s", world, pos)
	}
	w.signs[posKey{world, pos}] = append([]string(nil), lines...)
	return nil
}

func (w *World) SignText(world string, pos record.Vec3i) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.signs[posKey{world, pos}]...)
}

// Digest hashes the whole world state deterministically.
func (w *World) Digest() [32]byte {
	w.mu.RLock()
	defer w.mu.RUnlock()

	type cell struct {
		world string
		pos   record.Vec3i
		block Block
	}
	var cells []cell
	for k, c := range w.chunks {
		for p, b := range c.blocks {
			cells = append(cells, cell{k.world, p, b})
		}
	}
	sort.Slice(cells, func(i, j int) bool { return lessPos(cells[i].world, cells[i].pos, cells[j].world, cells[j].pos) })

	h := sha256.New()
	var tmp [8]byte
	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(tmp[:], uint64(int64(v)))
		h.Write(tmp[:])
	}
	for _, c := range cells {
		h.Write([]byte(c.world))
		writeInt(c.pos.X)
		writeInt(c.pos.Y)
		writeInt(c.pos.Z)
		h.Write([]byte(c.block.Type))
		// encoding/json sorts map keys
		st, _ := json.Marshal(c.block.State)
		h.Write(st)
		k := posKey{c.world, c.pos}
		if ct := w.containers[k]; ct != nil {
			inv, _ := json.Marshal(ct.Inventory)
			h.Write(inv)
		}
		if lines, ok := w.signs[k]; ok {
			ls, _ := json.Marshal(lines)
			h.Write(ls)
		}
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func lessPos(wa string, a record.Vec3i, wb string, b record.Vec3i) bool {
	if wa != wb {
		return wa < wb
	}
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}
