package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockledger.dev/internal/ledger/record"
)

type sliceSource []*record.Record

func (s sliceSource) Query(_ context.Context, f record.Filter) ([]*record.Record, error) {
	var out []*record.Record
	for _, r := range s {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	record.SortNewestFirst(out)
	return out, nil
}

type sinkFunc func(string) bool

func (f sinkFunc) Enqueue(p string) bool { return f(p) }

func TestSchedulerExportsConsecutiveWindows(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var src sliceSource
	for i := 0; i < 6; i++ {
		r, err := record.New("alice", "overworld", record.Vec3i{X: i}, t0.Add(time.Duration(i)*10*time.Minute), record.Kill{Victim: "cow"})
		require.NoError(t, err)
		r.ID = int64(i + 1)
		src = append(src, r)
	}

	now := t0.Add(25 * time.Minute)
	var (
		flushes int
		sunk    []string
	)
	dir := t.TempDir()
	s := NewScheduler(src, ScheduleConfig{
		Dir:    dir,
		Lag:    time.Minute,
		Flush:  func(context.Context) error { flushes++; return nil },
		Sink:   sinkFunc(func(p string) bool { sunk = append(sunk, p); return true }),
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return now },
	})

	count := func(path string) int {
		n := 0
		require.NoError(t, Read(path, func(*record.Record) error { n++; return nil }))
		return n
	}

	// t0 .. t0+24m: records at 0, 10, 20 minutes.
	first, err := s.ExportNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ledger-20260301T122400Z.jsonl.zst"), first)
	assert.Equal(t, 3, count(first))

	// Nothing new to cover while the clock stands still.
	again, err := s.ExportNext(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)

	now = t0.Add(time.Hour)
	second, err := s.ExportNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count(second), "30, 40 and 50 minutes")

	assert.Equal(t, 3, flushes)
	assert.Equal(t, []string{first, MetaPath(first), second, MetaPath(second)}, sunk)
}

func TestSchedulerRunRequiresInterval(t *testing.T) {
	s := NewScheduler(sliceSource{}, ScheduleConfig{Dir: t.TempDir()})
	assert.Error(t, s.Run(context.Background()))
}
