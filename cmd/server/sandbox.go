package main

import (
	"context"
	"time"

	"blockledger.dev/internal/ledger/record"
)

func (s *sandboxEngine) Append(actor, world string, pos record.Vec3i, p record.Payload) {
	if r, err := record.New(actor, world, pos, time.Now(), p); err == nil {
		if err := s.world.Apply(context.Background(), r); err != nil {
			s.log.Debug().Err(err).Str("kind", string(r.Kind())).Str("pos", pos.String()).Msg("sandbox apply")
		}
	}
	s.Engine.Append(actor, world, pos, p)
}
