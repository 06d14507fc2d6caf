package logdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"blockledger.dev/internal/ledger/record"
)

// Run is the audit row written for every rollback that touched the world.
type Run struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Filter     string    `json:"filter"`
	Candidates int       `json:"candidates"`
	Success    int       `json:"success"`
	Failure    int       `json:"failure"`
}

// MarkRolledBack persists the rolled-back flag for refs in one transaction.
func (s *Store) MarkRolledBack(ctx context.Context, refs []record.Ref) error {
	return s.FinishRollback(ctx, refs, nil)
}

// FinishRollback persists the rolled-back flags and, when run is non-nil, the
// audit row, atomically.
func (s *Store) FinishRollback(ctx context.Context, refs []record.Ref, run *Run) error {
	if len(refs) == 0 && run == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := map[record.Kind]*sql.Stmt{}
	defer func() {
		for _, st := range stmts {
			_ = st.Close()
		}
	}()
	for _, ref := range refs {
		st, ok := stmts[ref.Kind]
		if !ok {
			st, err = tx.PrepareContext(ctx, `UPDATE `+tableFor(ref.Kind)+` SET rolled_back=1 WHERE id=?`)
			if err != nil {
				return fmt.Errorf("prepare %s update: %w", ref.Kind, err)
			}
			stmts[ref.Kind] = st
		}
		if _, err := st.ExecContext(ctx, ref.ID); err != nil {
			return fmt.Errorf("mark %s/%d: %w", ref.Kind, ref.ID, err)
		}
	}
	if run != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rollback_runs(id,started_at,finished_at,filter,candidates,success,failure) VALUES(?,?,?,?,?,?,?)`,
			run.ID, run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(), run.Filter, run.Candidates, run.Success, run.Failure,
		); err != nil {
			return fmt.Errorf("record run %s: %w", run.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Runs returns the most recent rollback runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,started_at,finished_at,filter,candidates,success,failure FROM rollback_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r              Run
			started, ended int64
		)
		if err := rows.Scan(&r.ID, &started, &ended, &r.Filter, &r.Candidates, &r.Success, &r.Failure); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started).UTC()
		r.FinishedAt = time.Unix(0, ended).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RecordRun(ctx context.Context, run Run) error {
	return s.FinishRollback(ctx, nil, &run)
}
