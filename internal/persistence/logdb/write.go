package logdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"blockledger.dev/internal/ledger/record"
)

var insertSQL = map[record.Kind]string{
	record.KindContainer: `INSERT INTO container_log(time,actor_id,world_id,x,y,z,rolled_back,action,item,count,extra) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
	record.KindBlock:     `INSERT INTO block_log(time,actor_id,world_id,x,y,z,rolled_back,action,block,state) VALUES(?,?,?,?,?,?,?,?,?,?)`,
	record.KindSign:      `INSERT INTO sign_log(time,actor_id,world_id,x,y,z,rolled_back,action,block,before_json,after_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
	record.KindKill:      `INSERT INTO kill_log(time,actor_id,world_id,x,y,z,rolled_back,victim) VALUES(?,?,?,?,?,?,?,?)`,
	record.KindItem:      `INSERT INTO item_log(time,actor_id,world_id,x,y,z,rolled_back,action,item,count) VALUES(?,?,?,?,?,?,?,?,?,?)`,
}

// batchTx carries the per-transaction state of one WriteBatch call.
type batchTx struct {
	s     *Store
	tx    *sql.Tx
	stmts map[record.Kind]*sql.Stmt

	// ids created inside this tx; published to the store caches on commit
	newActors map[string]int64
	newWorlds map[string]int64
	newNames  map[string]map[int64]string
}

// WriteBatch inserts recs inside one transaction. On success every record's ID
// is set; on failure nothing is written and the records are left untouched.
func (s *Store) WriteBatch(ctx context.Context, recs []*record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b := &batchTx{
		s:         s,
		tx:        tx,
		stmts:     map[record.Kind]*sql.Stmt{},
		newActors: map[string]int64{},
		newWorlds: map[string]int64{},
		newNames:  map[string]map[int64]string{"actors": {}, "worlds": {}},
	}
	defer func() {
		for _, st := range b.stmts {
			_ = st.Close()
		}
	}()

	ids := make([]int64, len(recs))
	for i, r := range recs {
		id, err := b.insert(ctx, r)
		if err != nil {
			return fmt.Errorf("insert %s record %d/%d: %w", kindOf(r), i+1, len(recs), err)
		}
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for i, r := range recs {
		r.ID = ids[i]
	}
	s.mu.Lock()
	for key, id := range b.newActors {
		s.actorIDs[key] = id
	}
	for name, id := range b.newWorlds {
		s.worldIDs[name] = id
	}
	for id, name := range b.newNames["actors"] {
		s.actorNames[id] = name
	}
	for id, name := range b.newNames["worlds"] {
		s.worldNames[id] = name
	}
	s.mu.Unlock()
	return nil
}

func kindOf(r *record.Record) string {
	if r == nil || r.Payload == nil {
		return "nil"
	}
	return string(r.Kind())
}

func (b *batchTx) insert(ctx context.Context, r *record.Record) (int64, error) {
	if r == nil || r.Payload == nil {
		return 0, fmt.Errorf("%w: nil record", record.ErrInvalid)
	}
	actorID, err := b.dictID(ctx, "actors", r.Actor)
	if err != nil {
		return 0, fmt.Errorf("actor %q: %w", r.Actor, err)
	}
	worldID, err := b.dictID(ctx, "worlds", r.World)
	if err != nil {
		return 0, fmt.Errorf("world %q: %w", r.World, err)
	}
	k := r.Kind()
	st, err := b.stmt(ctx, k)
	if err != nil {
		return 0, err
	}
	common := []any{r.Time.UnixNano(), actorID, worldID, r.Pos.X, r.Pos.Y, r.Pos.Z, boolInt(r.RolledBack())}

	var args []any
	switch p := r.Payload.(type) {
	case record.ContainerTx:
		extra, err := p.Stack.EncodeData()
		if err != nil {
			return 0, fmt.Errorf("encode item data: %w", err)
		}
		args = append(common, string(p.Action), p.Stack.Item, p.Stack.Count, nullString(extra))
	case record.BlockChange:
		var state any
		if len(p.State) > 0 {
			state = p.State
		}
		args = append(common, string(p.Action), p.Block, state)
	case record.SignEdit:
		before, err := encodeLines(p.Before)
		if err != nil {
			return 0, err
		}
		after, err := encodeLines(p.After)
		if err != nil {
			return 0, err
		}
		args = append(common, string(p.Action), p.Block, before, after)
	case record.Kill:
		args = append(common, p.Victim)
	case record.ItemTransfer:
		args = append(common, string(p.Action), p.Item, p.Count)
	default:
		return 0, fmt.Errorf("%w: unsupported payload %T", record.ErrInvalid, r.Payload)
	}

	res, err := st.ExecContext(ctx, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (b *batchTx) stmt(ctx context.Context, k record.Kind) (*sql.Stmt, error) {
	if st, ok := b.stmts[k]; ok {
		return st, nil
	}
	q, ok := insertSQL[k]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", record.ErrInvalid, k)
	}
	st, err := b.tx.PrepareContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("prepare %s insert: %w", k, err)
	}
	b.stmts[k] = st
	return st, nil
}

// dictID resolves name to its dictionary id, inserting it inside the batch
// transaction when it is new.
func (b *batchTx) dictID(ctx context.Context, table, name string) (int64, error) {
	if id, ok := b.s.cachedID(table, name); ok {
		return id, nil
	}
	pending := b.newWorlds
	if table == "actors" {
		pending = b.newActors
	}
	key := dictKey(table, name)
	if id, ok := pending[key]; ok {
		return id, nil
	}
	if _, err := b.tx.ExecContext(ctx, `INSERT INTO `+table+`(name) VALUES(?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return 0, err
	}
	// The stored spelling wins: actor names are matched case-insensitively.
	var (
		id     int64
		stored string
	)
	if err := b.tx.QueryRowContext(ctx, `SELECT id,name FROM `+table+` WHERE name=?`, name).Scan(&id, &stored); err != nil {
		return 0, err
	}
	pending[key] = id
	b.newNames[table][id] = stored
	return id, nil
}

func encodeLines(lines []string) (any, error) {
	if lines == nil {
		return nil, nil
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
