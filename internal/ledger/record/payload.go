package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// Payload is the per-kind part of a record. The set of implementations is
// closed; switch over it exhaustively.
type Payload interface {
	Kind() Kind
	isPayload()
}

// ItemStack describes an item stack as the world reports it. Data carries
// extra item attributes and must be JSON-serializable.
type ItemStack struct {
	Item  string         `json:"item"`
	Count int            `json:"count"`
	Data  map[string]any `json:"data,omitempty"`
}

// Clone deep-copies the stack. It fails when Data cannot be serialized.
func (s ItemStack) Clone() (ItemStack, error) {
	out := ItemStack{Item: s.Item, Count: s.Count}
	if len(s.Data) == 0 {
		return out, nil
	}
	b, err := json.Marshal(s.Data)
	if err != nil {
		return out, fmt.Errorf("%w: item data: %v", ErrInvalid, err)
	}
	if err := json.Unmarshal(b, &out.Data); err != nil {
		return out, fmt.Errorf("%w: item data: %v", ErrInvalid, err)
	}
	return out, nil
}

// EncodeData returns the canonical serialized form of Data (nil when empty).
func (s ItemStack) EncodeData() ([]byte, error) {
	if len(s.Data) == 0 {
		return nil, nil
	}
	return json.Marshal(s.Data)
}

func DecodeData(b []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

type ContainerTx struct {
	Action Action    `json:"action"`
	Stack  ItemStack `json:"stack"`
}

type BlockChange struct {
	Action Action `json:"action"`
	Block  string `json:"block"`
	// State is the serialized block state, opaque to the ledger.
	State []byte `json:"state,omitempty"`
}

type SignEdit struct {
	Action Action   `json:"action"`
	Block  string   `json:"block,omitempty"`
	Before []string `json:"before,omitempty"`
	After  []string `json:"after,omitempty"`
}

// Kill records a killing; the record's Actor is the killer.
type Kill struct {
	Victim string `json:"victim"`
}

type ItemTransfer struct {
	Action Action `json:"action"`
	Item   string `json:"item"`
	Count  int    `json:"count"`
}

func (ContainerTx) Kind() Kind  { return KindContainer }
func (BlockChange) Kind() Kind  { return KindBlock }
func (SignEdit) Kind() Kind     { return KindSign }
func (Kill) Kind() Kind         { return KindKill }
func (ItemTransfer) Kind() Kind { return KindItem }

func (ContainerTx) isPayload()  {}
func (BlockChange) isPayload()  {}
func (SignEdit) isPayload()     {}
func (Kill) isPayload()         {}
func (ItemTransfer) isPayload() {}

// DefaultSignBlock is used when a sign payload does not name its block.
const DefaultSignBlock = "sign"

func ActionOf(p Payload) Action {
	switch v := p.(type) {
	case ContainerTx:
		return v.Action
	case BlockChange:
		return v.Action
	case SignEdit:
		return v.Action
	case Kill:
		return ActionKill
	case ItemTransfer:
		return v.Action
	}
	return ""
}

func freeze(p Payload) (Payload, error) {
	switch v := p.(type) {
	case ContainerTx:
		if v.Action != ActionWithdrew && v.Action != ActionDeposited {
			return nil, fmt.Errorf("%w: container action %q", ErrInvalid, v.Action)
		}
		if strings.TrimSpace(v.Stack.Item) == "" || v.Stack.Count <= 0 {
			return nil, fmt.Errorf("%w: container stack %q x%d", ErrInvalid, v.Stack.Item, v.Stack.Count)
		}
		st, err := v.Stack.Clone()
		if err != nil {
			return nil, err
		}
		return ContainerTx{Action: v.Action, Stack: st}, nil

	case BlockChange:
		if v.Action != ActionPlaced && v.Action != ActionBroke {
			return nil, fmt.Errorf("%w: block action %q", ErrInvalid, v.Action)
		}
		if strings.TrimSpace(v.Block) == "" {
			return nil, fmt.Errorf("%w: empty block type", ErrInvalid)
		}
		return BlockChange{Action: v.Action, Block: v.Block, State: slices.Clone(v.State)}, nil

	case SignEdit:
		switch v.Action {
		case ActionPlaced, ActionBroke, ActionEdit:
		default:
			return nil, fmt.Errorf("%w: sign action %q", ErrInvalid, v.Action)
		}
		out := SignEdit{Action: v.Action, Block: v.Block, Before: slices.Clone(v.Before)}
		if out.Block == "" {
			out.Block = DefaultSignBlock
		}
		if v.Action == ActionEdit {
			out.After = slices.Clone(v.After)
		}
		return out, nil

	case Kill:
		if strings.TrimSpace(v.Victim) == "" {
			return nil, fmt.Errorf("%w: empty victim", ErrInvalid)
		}
		return v, nil

	case ItemTransfer:
		if v.Action != ActionPickup && v.Action != ActionDrop {
			return nil, fmt.Errorf("%w: item action %q", ErrInvalid, v.Action)
		}
		if strings.TrimSpace(v.Item) == "" || v.Count <= 0 {
			return nil, fmt.Errorf("%w: item %q x%d", ErrInvalid, v.Item, v.Count)
		}
		return v, nil

	case nil:
		return nil, fmt.Errorf("%w: nil payload", ErrInvalid)
	}
	return nil, fmt.Errorf("%w: unsupported payload %T", ErrInvalid, p)
}

func payloadEqual(a, b Payload) bool {
	switch x := a.(type) {
	case ContainerTx:
		y, ok := b.(ContainerTx)
		return ok && x.Action == y.Action && x.Stack.Item == y.Stack.Item &&
			x.Stack.Count == y.Stack.Count && reflect.DeepEqual(x.Stack.Data, y.Stack.Data)
	case BlockChange:
		y, ok := b.(BlockChange)
		return ok && x.Action == y.Action && x.Block == y.Block && bytes.Equal(x.State, y.State)
	case SignEdit:
		y, ok := b.(SignEdit)
		return ok && x.Action == y.Action && x.Block == y.Block &&
			slices.Equal(x.Before, y.Before) && slices.Equal(x.After, y.After)
	case Kill:
		y, ok := b.(Kill)
		return ok && x == y
	case ItemTransfer:
		y, ok := b.(ItemTransfer)
		return ok && x == y
	}
	return false
}
