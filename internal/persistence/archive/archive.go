// Package archive exports records to compressed JSON lines files
// (<name>.jsonl.zst) with a small metadata sidecar, and reads them back.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"blockledger.dev/internal/ledger/record"
)

// Source answers record queries; *logdb.Store satisfies it.
type Source interface {
	Query(ctx context.Context, f record.Filter) ([]*record.Record, error)
}

type Meta struct {
	Filter    string `json:"filter"`
	Records   int    `json:"records"`
	CreatedAt string `json:"created_at"`
	File      string `json:"file"`
}

// MetaPath is where Export writes the sidecar for path.
func MetaPath(path string) string { return path + ".meta.json" }

// Export writes every record matching f to path. The file appears atomically:
// it is written under a temporary name and renamed when complete.
func Export(ctx context.Context, src Source, path string, f record.Filter) (Meta, error) {
	recs, err := src.Query(ctx, f)
	if err != nil {
		return Meta{}, fmt.Errorf("query: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Meta{}, err
	}

	tmp := path + ".tmp"
	if err := writeRecords(tmp, recs); err != nil {
		_ = os.Remove(tmp)
		return Meta{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Meta{}, err
	}

	meta := Meta{
		Filter:    f.Key(),
		Records:   len(recs),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		File:      filepath.Base(path),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return meta, err
	}
	if err := os.WriteFile(MetaPath(path), append(b, '\n'), 0o644); err != nil {
		return meta, err
	}
	return meta, nil
}

func writeRecords(path string, recs []*record.Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return err
	}
	w := bufio.NewWriterSize(enc, 128*1024)
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			_ = enc.Close()
			_ = f.Close()
			return fmt.Errorf("encode %s/%d: %w", r.Kind(), r.ID, err)
		}
		if _, err := w.Write(b); err != nil {
			_ = enc.Close()
			_ = f.Close()
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			_ = enc.Close()
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Read streams the records of an archive in file order. It stops at the
// first error returned by fn.
func Read(path string, fn func(*record.Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		r, err := record.Decode(sc.Bytes())
		if err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadMeta loads the sidecar written by Export.
func ReadMeta(path string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(MetaPath(path))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%s: %w", filepath.Base(MetaPath(path)), err)
	}
	return m, nil
}
