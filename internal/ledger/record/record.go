package record

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// BucketSize is the edge length of a spatial bucket (one chunk column).
const BucketSize = 16

var ErrInvalid = errors.New("invalid record")

type Kind string

const (
	KindContainer Kind = "container"
	KindBlock     Kind = "block"
	KindSign      Kind = "sign"
	KindKill      Kind = "kill"
	KindItem      Kind = "item"
)

// Kinds lists every record kind in storage order.
var Kinds = []Kind{KindContainer, KindBlock, KindSign, KindKill, KindItem}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

type Action string

const (
	ActionWithdrew  Action = "withdrew"
	ActionDeposited Action = "deposited"
	ActionPlaced    Action = "placed"
	ActionBroke     Action = "broke"
	ActionEdit      Action = "edit"
	ActionPickup    Action = "pickup"
	ActionDrop      Action = "drop"
	// ActionKill is implied by Kill payloads.
	ActionKill Action = "kill"
)

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionWithdrew, ActionDeposited, ActionPlaced, ActionBroke, ActionEdit, ActionPickup, ActionDrop, ActionKill:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

type Vec3i struct {
	X int
	Y int
	Z int
}

func (v Vec3i) Array() [3]int { return [3]int{v.X, v.Y, v.Z} }

func (v Vec3i) String() string { return fmt.Sprintf("%d,%d,%d", v.X, v.Y, v.Z) }

// DistSq is the squared euclidean distance between v and o.
func (v Vec3i) DistSq(o Vec3i) int64 {
	dx := int64(v.X - o.X)
	dy := int64(v.Y - o.Y)
	dz := int64(v.Z - o.Z)
	return dx*dx + dy*dy + dz*dz
}

type BucketKey struct {
	CX int
	CZ int
}

func BucketOf(pos Vec3i) BucketKey {
	return BucketKey{CX: floorDiv(pos.X, BucketSize), CZ: floorDiv(pos.Z, BucketSize)}
}

func floorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

// Ref identifies a persisted record: row ids are unique per kind table.
type Ref struct {
	Kind Kind
	ID   int64
}

// Record is one historical event. Everything except the rolled-back flag is
// fixed once New returns; share it by pointer.
type Record struct {
	ID      int64
	Actor   string
	World   string
	Pos     Vec3i
	Time    time.Time
	Payload Payload

	rolledBack atomic.Bool
}

// New validates p and returns a record holding a private copy of it.
func New(actor, world string, pos Vec3i, at time.Time, p Payload) (*Record, error) {
	actor = strings.TrimSpace(actor)
	world = strings.TrimSpace(world)
	if actor == "" {
		return nil, fmt.Errorf("%w: empty actor", ErrInvalid)
	}
	if world == "" {
		return nil, fmt.Errorf("%w: empty world", ErrInvalid)
	}
	if at.IsZero() {
		return nil, fmt.Errorf("%w: zero timestamp", ErrInvalid)
	}
	frozen, err := freeze(p)
	if err != nil {
		return nil, err
	}
	return &Record{
		Actor:   actor,
		World:   world,
		Pos:     pos,
		Time:    at,
		Payload: frozen,
	}, nil
}

func (r *Record) Kind() Kind { return r.Payload.Kind() }

func (r *Record) Action() Action { return ActionOf(r.Payload) }

func (r *Record) Ref() Ref { return Ref{Kind: r.Kind(), ID: r.ID} }

func (r *Record) Bucket() BucketKey { return BucketOf(r.Pos) }

func (r *Record) RolledBack() bool { return r.rolledBack.Load() }

// MarkRolledBack flips the flag to true. It reports false when the record was
// already rolled back; the transition is one-way.
func (r *Record) MarkRolledBack() bool {
	return r.rolledBack.CompareAndSwap(false, true)
}

// TypeID is the item, block or victim id the record is about.
func (r *Record) TypeID() string {
	switch p := r.Payload.(type) {
	case ContainerTx:
		return p.Stack.Item
	case BlockChange:
		return p.Block
	case SignEdit:
		return p.Block
	case Kill:
		return p.Victim
	case ItemTransfer:
		return p.Item
	}
	return ""
}

// Equal compares everything except the rolled-back flag.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.ID != o.ID || !strings.EqualFold(r.Actor, o.Actor) || r.World != o.World || r.Pos != o.Pos || !r.Time.Equal(o.Time) {
		return false
	}
	return payloadEqual(r.Payload, o.Payload)
}
