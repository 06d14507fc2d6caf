package logdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"blockledger.dev/internal/ledger/record"
)

const commonCols = `id,time,actor_id,world_id,x,y,z,rolled_back`

var selectCols = map[record.Kind]string{
	record.KindContainer: commonCols + `,action,item,count,extra`,
	record.KindBlock:     commonCols + `,action,block,state`,
	record.KindSign:      commonCols + `,action,block,before_json,after_json`,
	record.KindKill:      commonCols + `,victim`,
	record.KindItem:      commonCols + `,action,item,count`,
}

// typeCol is the column Filter.Types matches against.
var typeCol = map[record.Kind]string{
	record.KindContainer: "item",
	record.KindBlock:     "block",
	record.KindSign:      "block",
	record.KindKill:      "victim",
	record.KindItem:      "item",
}

// loadChunk is the id span Load reads per statement. Ids are dense because
// rows are never deleted.
const loadChunk = 5000

// Watermark is the highest row id per kind that Load replayed.
type Watermark map[record.Kind]int64

// Covers reports whether r was replayed by the Load that returned w.
func (w Watermark) Covers(r *record.Record) bool {
	return r.ID != 0 && r.ID <= w[r.Kind()]
}

// Load streams every record stored when it starts, in id order within each
// kind. It reads in id ranges so other statements get the connection between
// chunks; rows committed after the start are left out and the returned
// watermark tells the caller which ones those are.
func (s *Store) Load(ctx context.Context, fn func(*record.Record) error) (Watermark, error) {
	wm := make(Watermark, len(record.Kinds))
	for _, k := range record.Kinds {
		var top int64
		if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM `+tableFor(k)).Scan(&top); err != nil {
			return nil, fmt.Errorf("load %s: %w", k, err)
		}
		wm[k] = top
	}
	for _, k := range record.Kinds {
		q := `SELECT ` + selectCols[k] + ` FROM ` + tableFor(k) + ` WHERE id > ? AND id <= ? ORDER BY id`
		for lo := int64(0); lo < wm[k]; lo += loadChunk {
			hi := min(lo+loadChunk, wm[k])
			var chunk []*record.Record
			err := s.scan(ctx, k, q, []any{lo, hi}, func(r *record.Record) error {
				chunk = append(chunk, r)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", k, err)
			}
			for _, r := range chunk {
				if err := fn(r); err != nil {
					return nil, err
				}
			}
		}
	}
	return wm, nil
}

// Query answers f directly from the database, newest first. Rows are
// preselected with a bounding box and then checked with the exact distance.
func (s *Store) Query(ctx context.Context, f record.Filter) ([]*record.Record, error) {
	kinds := f.Kinds
	if len(kinds) == 0 {
		kinds = record.Kinds
	}

	var base []string
	var baseArgs []any
	if f.World != "" {
		id, ok := s.cachedID("worlds", f.World)
		if !ok {
			return nil, nil
		}
		base = append(base, "world_id=?")
		baseArgs = append(baseArgs, id)
	}
	if f.HasCenter {
		r := f.Radius
		if r < 0 {
			r = 0
		}
		c := f.Center
		base = append(base, "x BETWEEN ? AND ?", "z BETWEEN ? AND ?", "y BETWEEN ? AND ?")
		baseArgs = append(baseArgs, c.X-r, c.X+r, c.Z-r, c.Z+r, c.Y-r, c.Y+r)
	}
	if len(f.Actors) > 0 {
		var ids []any
		for _, a := range f.Actors {
			if id, ok := s.cachedID("actors", a); ok {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil, nil
		}
		base = append(base, "actor_id IN ("+placeholders(len(ids))+")")
		baseArgs = append(baseArgs, ids...)
	}
	if !f.Since.IsZero() {
		base = append(base, "time>=?")
		baseArgs = append(baseArgs, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		base = append(base, "time<=?")
		baseArgs = append(baseArgs, f.Until.UnixNano())
	}
	if f.ExcludeRolledBack {
		base = append(base, "rolled_back=0")
	}

	var out []*record.Record
	collect := func(r *record.Record) error {
		if f.Match(r) {
			out = append(out, r)
		}
		return nil
	}
	for _, k := range kinds {
		where := slices.Clone(base)
		args := slices.Clone(baseArgs)
		if len(f.Actions) > 0 {
			if k == record.KindKill {
				if !slices.Contains(f.Actions, record.ActionKill) {
					continue
				}
			} else {
				where = append(where, "action IN ("+placeholders(len(f.Actions))+")")
				for _, a := range f.Actions {
					args = append(args, string(a))
				}
			}
		}
		if len(f.Types) > 0 {
			where = append(where, typeCol[k]+" IN ("+placeholders(len(f.Types))+")")
			for _, t := range f.Types {
				args = append(args, t)
			}
		}
		q := `SELECT ` + selectCols[k] + ` FROM ` + tableFor(k)
		if len(where) > 0 {
			q += ` WHERE ` + strings.Join(where, " AND ")
		}
		q += ` ORDER BY time DESC, id DESC`
		if f.Limit > 0 && !f.HasCenter {
			q += ` LIMIT ` + strconv.Itoa(f.Limit)
		}
		if err := s.scan(ctx, k, q, args, collect); err != nil {
			return nil, fmt.Errorf("query %s: %w", k, err)
		}
	}
	record.SortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) scan(ctx context.Context, k record.Kind, q string, args []any, fn func(*record.Record) error) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		r, err := s.scanRow(k, rows)
		if err != nil {
			// A row that no longer validates is skipped, not fatal to the scan.
			s.log.Warn().Err(err).Str("kind", string(k)).Msg("skip unreadable row")
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) scanRow(k record.Kind, rows *sql.Rows) (*record.Record, error) {
	var (
		id, nanos, actorID, worldID int64
		x, y, z                     int
		rolledBack                  int
		action                      string
	)
	dest := []any{&id, &nanos, &actorID, &worldID, &x, &y, &z, &rolledBack}

	var p record.Payload
	switch k {
	case record.KindContainer:
		var (
			item  string
			count int
			extra sql.NullString
		)
		if err := rows.Scan(append(dest, &action, &item, &count, &extra)...); err != nil {
			return nil, err
		}
		data, err := record.DecodeData([]byte(extra.String))
		if err != nil {
			return nil, fmt.Errorf("row %d extra: %w", id, err)
		}
		p = record.ContainerTx{Action: record.Action(action), Stack: record.ItemStack{Item: item, Count: count, Data: data}}
	case record.KindBlock:
		var (
			block string
			state []byte
		)
		if err := rows.Scan(append(dest, &action, &block, &state)...); err != nil {
			return nil, err
		}
		p = record.BlockChange{Action: record.Action(action), Block: block, State: state}
	case record.KindSign:
		var (
			block         string
			before, after sql.NullString
		)
		if err := rows.Scan(append(dest, &action, &block, &before, &after)...); err != nil {
			return nil, err
		}
		se := record.SignEdit{Action: record.Action(action), Block: block}
		if err := decodeLines(before, &se.Before); err != nil {
			return nil, fmt.Errorf("row %d before: %w", id, err)
		}
		if err := decodeLines(after, &se.After); err != nil {
			return nil, fmt.Errorf("row %d after: %w", id, err)
		}
		p = se
	case record.KindKill:
		var victim string
		if err := rows.Scan(append(dest, &victim)...); err != nil {
			return nil, err
		}
		p = record.Kill{Victim: victim}
	case record.KindItem:
		var (
			item  string
			count int
		)
		if err := rows.Scan(append(dest, &action, &item, &count)...); err != nil {
			return nil, err
		}
		p = record.ItemTransfer{Action: record.Action(action), Item: item, Count: count}
	default:
		return nil, fmt.Errorf("unknown kind %q", k)
	}

	actor, ok := s.nameOf("actors", actorID)
	if !ok {
		actor = "#" + strconv.FormatInt(actorID, 10)
	}
	world, ok := s.nameOf("worlds", worldID)
	if !ok {
		world = "#" + strconv.FormatInt(worldID, 10)
	}
	r, err := record.New(actor, world, record.Vec3i{X: x, Y: y, Z: z}, time.Unix(0, nanos).UTC(), p)
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", id, err)
	}
	r.ID = id
	if rolledBack != 0 {
		r.MarkRolledBack()
	}
	return r, nil
}

func decodeLines(ns sql.NullString, dst *[]string) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}
