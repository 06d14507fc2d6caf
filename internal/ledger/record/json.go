package record

import (
	"encoding/json"
	"fmt"
	"time"
)

type wireRecord struct {
	ID         int64           `json:"id"`
	Kind       Kind            `json:"kind"`
	Action     Action          `json:"action"`
	Actor      string          `json:"actor"`
	World      string          `json:"world"`
	Pos        [3]int          `json:"pos"`
	Time       time.Time       `json:"time"`
	RolledBack bool            `json:"rolled_back"`
	Payload    json.RawMessage `json:"payload"`
}

func (r *Record) MarshalJSON() ([]byte, error) {
	p, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRecord{
		ID:         r.ID,
		Kind:       r.Kind(),
		Action:     r.Action(),
		Actor:      r.Actor,
		World:      r.World,
		Pos:        r.Pos.Array(),
		Time:       r.Time.UTC(),
		RolledBack: r.RolledBack(),
		Payload:    p,
	})
}

// Decode parses one record previously produced by MarshalJSON. The result is
// validated the same way New validates ingested records.
func Decode(b []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	p, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		return nil, err
	}
	rec, err := New(w.Actor, w.World, Vec3i{X: w.Pos[0], Y: w.Pos[1], Z: w.Pos[2]}, w.Time, p)
	if err != nil {
		return nil, err
	}
	rec.ID = w.ID
	if w.RolledBack {
		rec.MarkRolledBack()
	}
	return rec, nil
}

// DecodePayload parses the payload JSON of a record of kind k.
func DecodePayload(k Kind, raw json.RawMessage) (Payload, error) {
	switch k {
	case KindContainer:
		var v ContainerTx
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("container payload: %w", err)
		}
		return v, nil
	case KindBlock:
		var v BlockChange
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("block payload: %w", err)
		}
		return v, nil
	case KindSign:
		var v SignEdit
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("sign payload: %w", err)
		}
		return v, nil
	case KindKill:
		var v Kill
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("kill payload: %w", err)
		}
		return v, nil
	case KindItem:
		var v ItemTransfer
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("item payload: %w", err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, k)
}
