// Package logdb is the durable, append-only record log backed by SQLite.
//
// Each record kind has its own table; actor and world names are dictionary
// encoded into small integer ids. Records are never deleted: undo only sets
// the rolled_back column.
package logdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"blockledger.dev/internal/ledger/record"
)

type Options struct {
	Logger zerolog.Logger
}

type Store struct {
	db  *sql.DB
	log zerolog.Logger

	// Dictionary caches; only committed ids are cached.
	mu         sync.RWMutex
	actorIDs   map[string]int64 // lower-cased name -> id
	actorNames map[int64]string
	worldIDs   map[string]int64
	worldNames map[int64]string

	once sync.Once
}

func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and a single handle
	// keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:         db,
		log:        opts.Logger,
		actorIDs:   map[string]int64{},
		actorNames: map[int64]string{},
		worldIDs:   map[string]int64{},
		worldNames: map[int64]string{},
	}
	if err := s.loadDictionaries(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func initPragmas(ctx context.Context, db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

func (s *Store) loadDictionaries(ctx context.Context) error {
	load := func(table string, ids map[string]int64, names map[int64]string) error {
		rows, err := s.db.QueryContext(ctx, `SELECT id,name FROM `+table)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id   int64
				name string
			)
			if err := rows.Scan(&id, &name); err != nil {
				return err
			}
			ids[dictKey(table, name)] = id
			names[id] = name
		}
		return rows.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := load("actors", s.actorIDs, s.actorNames); err != nil {
		return fmt.Errorf("load actors: %w", err)
	}
	if err := load("worlds", s.worldIDs, s.worldNames); err != nil {
		return fmt.Errorf("load worlds: %w", err)
	}
	return nil
}

// Actor names match case-insensitively; world names are exact.
func dictKey(table, name string) string {
	if table == "actors" {
		return strings.ToLower(name)
	}
	return name
}

func (s *Store) cachedID(table, name string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if table == "actors" {
		id, ok := s.actorIDs[dictKey(table, name)]
		return id, ok
	}
	id, ok := s.worldIDs[name]
	return id, ok
}

func (s *Store) nameOf(table string, id int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if table == "actors" {
		n, ok := s.actorNames[id]
		return n, ok
	}
	n, ok := s.worldNames[id]
	return n, ok
}

// Actors lists every known actor name.
func (s *Store) Actors(ctx context.Context) ([]string, error) {
	return s.names(ctx, "actors")
}

func (s *Store) Worlds(ctx context.Context) ([]string, error) {
	return s.names(ctx, "worlds")
}

func (s *Store) names(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM `+table+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// KindCount is the number of stored (and rolled back) records of one kind.
type KindCount struct {
	Kind       record.Kind `json:"kind"`
	Total      int64       `json:"total"`
	RolledBack int64       `json:"rolled_back"`
}

func (s *Store) Counts(ctx context.Context) ([]KindCount, error) {
	out := make([]KindCount, 0, len(record.Kinds))
	for _, k := range record.Kinds {
		c := KindCount{Kind: k}
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(1), COALESCE(SUM(rolled_back),0) FROM `+tableFor(k))
		if err := row.Scan(&c.Total, &c.RolledBack); err != nil {
			return nil, fmt.Errorf("count %s: %w", k, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func tableFor(k record.Kind) string {
	switch k {
	case record.KindContainer:
		return "container_log"
	case record.KindBlock:
		return "block_log"
	case record.KindSign:
		return "sign_log"
	case record.KindKill:
		return "kill_log"
	case record.KindItem:
		return "item_log"
	}
	panic(fmt.Sprintf("logdb: unknown kind %q", k))
}
