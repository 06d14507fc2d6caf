// Package rollback undoes recorded actions by applying their inverse through a
// World and marking the records as rolled back.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"blockledger.dev/internal/ledger/record"
	"blockledger.dev/internal/persistence/logdb"
)

var (
	// ErrTooBroad rejects a request that does not narrow enough dimensions.
	ErrTooBroad = errors.New("rollback filter too broad")

	ErrPartial   = errors.New("partial container transfer")
	ErrNoInverse = errors.New("no inverse for record kind")
	ErrNoWorld   = errors.New("no world attached")
)

// World applies inverse operations. Implementations are provided by the
// embedding application.
type World interface {
	SetBlock(ctx context.Context, world string, pos record.Vec3i, block string, state map[string]any) error
	ClearBlock(ctx context.Context, world string, pos record.Vec3i) error
	// ContainerInsert and ContainerRemove return the part of the stack count
	// that could not be moved.
	ContainerInsert(ctx context.Context, world string, pos record.Vec3i, stack record.ItemStack) (int, error)
	ContainerRemove(ctx context.Context, world string, pos record.Vec3i, stack record.ItemStack) (int, error)
	SetSignText(ctx context.Context, world string, pos record.Vec3i, lines []string) error
}

// QueryFunc resolves candidates; it is the engine's ordinary lookup path.
type QueryFunc func(ctx context.Context, f record.Filter) ([]*record.Record, error)

// Journal persists the flags and the audit row of a finished run.
type Journal interface {
	FinishRollback(ctx context.Context, refs []record.Ref, run *logdb.Run) error
}

type Status string

const (
	StatusApplied  Status = "applied"
	StatusPreview  Status = "preview"
	StatusRejected Status = "rejected"
)

type Result struct {
	Status     Status              `json:"status"`
	RunID      string              `json:"run_id,omitempty"`
	Candidates int                 `json:"candidates"`
	Success    int                 `json:"success"`
	Failure    int                 `json:"failure"`
	ByKind     map[record.Kind]int `json:"by_kind,omitempty"`
}

type Config struct {
	// MinDimensions is how many of {spatial, temporal, actor} a request must
	// narrow. Zero means 2; negative disables the check.
	MinDimensions int
	Logger        zerolog.Logger
	Now           func() time.Time
	// OnApplied runs after a run that changed at least one record.
	OnApplied func(Result)

	// JournalAttempts bounds the writes of a run's flags; default 3.
	JournalAttempts int
	// JournalBackoff is multiplied by the attempt number between writes.
	JournalBackoff time.Duration
}

type Engine struct {
	cfg     Config
	log     zerolog.Logger
	world   World
	query   QueryFunc
	journal Journal

	// one rollback at a time
	mu sync.Mutex
}

func New(cfg Config, world World, query QueryFunc, journal Journal) *Engine {
	if cfg.MinDimensions == 0 {
		cfg.MinDimensions = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.JournalAttempts <= 0 {
		cfg.JournalAttempts = 3
	}
	if cfg.JournalBackoff <= 0 {
		cfg.JournalBackoff = 100 * time.Millisecond
	}
	return &Engine{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "rollback").Logger(),
		world:   world,
		query:   query,
		journal: journal,
	}
}

func (e *Engine) check(f record.Filter) error {
	if e.cfg.MinDimensions > 0 && f.Dimensions() < e.cfg.MinDimensions {
		return fmt.Errorf("%w: %d of %d required dimensions (spatial, time, actor)", ErrTooBroad, f.Dimensions(), e.cfg.MinDimensions)
	}
	return nil
}

// Preview resolves and orders the candidates without touching the world.
func (e *Engine) Preview(ctx context.Context, f record.Filter) (Result, error) {
	if err := e.check(f); err != nil {
		return Result{Status: StatusRejected}, err
	}
	cands, err := e.candidates(ctx, f)
	if err != nil {
		return Result{Status: StatusPreview}, err
	}
	return Result{Status: StatusPreview, Candidates: len(cands), ByKind: countKinds(cands)}, nil
}

// Run applies the inverse of every matching record that is not yet rolled
// back. It always runs to completion; cancelling ctx does not stop it.
func (e *Engine) Run(ctx context.Context, f record.Filter) (Result, error) {
	if err := e.check(f); err != nil {
		e.log.Warn().Str("filter", f.Key()).Msg("rollback rejected")
		return Result{Status: StatusRejected}, err
	}
	if e.world == nil {
		return Result{Status: StatusRejected}, ErrNoWorld
	}
	ctx = context.WithoutCancel(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	started := e.cfg.Now()
	cands, err := e.candidates(ctx, f)
	if err != nil {
		return Result{Status: StatusApplied}, err
	}
	res := Result{
		Status:     StatusApplied,
		RunID:      uuid.NewString(),
		Candidates: len(cands),
		ByKind:     countKinds(cands),
	}
	var refs []record.Ref
	for _, r := range cands {
		if err := e.apply(ctx, r); err != nil {
			res.Failure++
			e.log.Debug().Err(err).Str("run", res.RunID).Str("kind", string(r.Kind())).Int64("id", r.ID).Msg("inverse failed")
			continue
		}
		if !r.MarkRolledBack() {
			continue
		}
		refs = append(refs, r.Ref())
		res.Success++
	}

	run := &logdb.Run{
		ID:         res.RunID,
		StartedAt:  started,
		FinishedAt: e.cfg.Now(),
		Filter:     f.Key(),
		Candidates: res.Candidates,
		Success:    res.Success,
		Failure:    res.Failure,
	}
	jerr := e.persist(ctx, refs, run)
	e.log.Info().
		Str("run", res.RunID).
		Int("candidates", res.Candidates).
		Int("success", res.Success).
		Int("failure", res.Failure).
		Dur("took", run.FinishedAt.Sub(started)).
		Msg("rollback finished")
	if res.Success > 0 && e.cfg.OnApplied != nil {
		e.cfg.OnApplied(res)
	}
	return res, jerr
}

// persist writes the run's flags, retrying because the world has already
// been changed. When every attempt fails the refs are logged so an operator
// can mark them by hand; otherwise they become candidates again after a
// restart.
func (e *Engine) persist(ctx context.Context, refs []record.Ref, run *logdb.Run) error {
	if e.journal == nil {
		return nil
	}
	var err error
	for attempt := 1; attempt <= e.cfg.JournalAttempts; attempt++ {
		if err = e.journal.FinishRollback(ctx, refs, run); err == nil {
			return nil
		}
		e.log.Warn().Err(err).Str("run", run.ID).Int("attempt", attempt).Msg("persist rollback failed")
		if attempt < e.cfg.JournalAttempts {
			time.Sleep(time.Duration(attempt) * e.cfg.JournalBackoff)
		}
	}
	err = fmt.Errorf("persist rollback %s: %w", run.ID, err)
	e.log.Error().Err(err).Str("filter", run.Filter).Interface("refs", refs).Msg("rollback flags not persisted")
	return err
}

func (e *Engine) candidates(ctx context.Context, f record.Filter) ([]*record.Record, error) {
	f.ExcludeRolledBack = true
	f.Limit = 0
	recs, err := e.query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("resolve candidates: %w", err)
	}
	out := make([]*record.Record, 0, len(recs))
	for _, r := range recs {
		switch r.Payload.(type) {
		case record.ContainerTx, record.BlockChange, record.SignEdit:
			if !r.RolledBack() {
				out = append(out, r)
			}
		case record.Kill, record.ItemTransfer:
		}
	}
	order(out, f.Kinds)
	return out, nil
}

var defaultKindOrder = []record.Kind{record.KindBlock, record.KindSign, record.KindContainer}

// order sorts by kind group, then newest first. Kinds follow want when given,
// else block, sign, container. Inside block and sign, restorations of broken
// blocks come before removals of placed ones.
func order(recs []*record.Record, want []record.Kind) {
	seq := defaultKindOrder
	if len(want) > 0 {
		seq = want
	}
	rank := map[record.Kind]int{}
	for _, k := range seq {
		if _, ok := rank[k]; !ok {
			rank[k] = len(rank)
		}
	}
	group := func(r *record.Record) int {
		kr, ok := rank[r.Kind()]
		if !ok {
			kr = len(rank)
		}
		return kr*4 + actionRank(r.Action())
	}
	sort.SliceStable(recs, func(i, j int) bool {
		gi, gj := group(recs[i]), group(recs[j])
		if gi != gj {
			return gi < gj
		}
		if !recs[i].Time.Equal(recs[j].Time) {
			return recs[i].Time.After(recs[j].Time)
		}
		return recs[i].ID > recs[j].ID
	})
}

func actionRank(a record.Action) int {
	switch a {
	case record.ActionBroke:
		return 0
	case record.ActionPlaced:
		return 1
	case record.ActionEdit:
		return 2
	}
	return 0
}

func (e *Engine) apply(ctx context.Context, r *record.Record) error {
	switch p := r.Payload.(type) {
	case record.ContainerTx:
		var (
			rem int
			err error
		)
		if p.Action == record.ActionWithdrew {
			rem, err = e.world.ContainerInsert(ctx, r.World, r.Pos, p.Stack)
		} else {
			rem, err = e.world.ContainerRemove(ctx, r.World, r.Pos, p.Stack)
		}
		if err != nil {
			return err
		}
		if rem > 0 {
			return fmt.Errorf("%w: %d of %d %s left", ErrPartial, rem, p.Stack.Count, p.Stack.Item)
		}
		return nil

	case record.BlockChange:
		if p.Action == record.ActionPlaced {
			return e.world.ClearBlock(ctx, r.World, r.Pos)
		}
		return e.world.SetBlock(ctx, r.World, r.Pos, p.Block, e.parseState(r, p.State))

	case record.SignEdit:
		switch p.Action {
		case record.ActionEdit:
			return e.world.SetSignText(ctx, r.World, r.Pos, p.Before)
		case record.ActionPlaced:
			return e.world.ClearBlock(ctx, r.World, r.Pos)
		default:
			if err := e.world.SetBlock(ctx, r.World, r.Pos, p.Block, nil); err != nil {
				return err
			}
			if len(p.Before) == 0 {
				return nil
			}
			return e.world.SetSignText(ctx, r.World, r.Pos, p.Before)
		}

	case record.Kill, record.ItemTransfer:
		return fmt.Errorf("%w: %s", ErrNoInverse, r.Kind())
	}
	return fmt.Errorf("%w: %T", ErrNoInverse, r.Payload)
}

// parseState decodes a block state blob; anything unreadable restores the
// bare block.
func (e *Engine) parseState(r *record.Record, b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var st map[string]any
	if err := json.Unmarshal(b, &st); err != nil {
		e.log.Debug().Err(err).Int64("id", r.ID).Msg("block state unreadable, restoring bare block")
		return nil
	}
	return st
}

func countKinds(recs []*record.Record) map[record.Kind]int {
	if len(recs) == 0 {
		return nil
	}
	out := map[record.Kind]int{}
	for _, r := range recs {
		out[r.Kind()]++
	}
	return out
}
