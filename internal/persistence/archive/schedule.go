package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"blockledger.dev/internal/ledger/record"
)

// Sink receives every finished export file and its sidecar.
type Sink interface {
	Enqueue(localPath string) bool
}

type ScheduleConfig struct {
	Dir      string
	Interval time.Duration
	// Lag keeps the window end behind the clock so records still in the
	// ingestion buffers land in the next window.
	Lag time.Duration
	// Since is where the first window starts; zero exports all history.
	Since time.Time

	// Flush, when set, drains ingestion before each export.
	Flush  func(ctx context.Context) error
	Sink   Sink
	Logger zerolog.Logger
	Now    func() time.Time
}

// Scheduler exports consecutive, non-overlapping time windows.
type Scheduler struct {
	src  Source
	cfg  ScheduleConfig
	log  zerolog.Logger
	next time.Time
}

func NewScheduler(src Source, cfg ScheduleConfig) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Lag <= 0 {
		cfg.Lag = time.Minute
	}
	return &Scheduler{
		src:  src,
		cfg:  cfg,
		log:  cfg.Logger.With().Str("component", "archive").Logger(),
		next: cfg.Since,
	}
}

// Run exports one window per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("archive interval must be positive")
	}
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.ExportNext(ctx); err != nil {
				s.log.Error().Err(err).Msg("archive export failed")
			}
		}
	}
}

// ExportNext writes the window from the end of the previous export up to
// now-Lag. An empty window still produces a file so gaps are visible.
func (s *Scheduler) ExportNext(ctx context.Context) (string, error) {
	if s.cfg.Flush != nil {
		if err := s.cfg.Flush(ctx); err != nil {
			return "", fmt.Errorf("flush: %w", err)
		}
	}
	until := s.cfg.Now().Add(-s.cfg.Lag).UTC()
	if !s.next.IsZero() && !until.After(s.next) {
		return "", nil
	}
	f := record.Filter{Since: s.next, Until: until}
	path := filepath.Join(s.cfg.Dir, "ledger-"+until.Format("20060102T150405Z")+".jsonl.zst")
	meta, err := Export(ctx, s.src, path, f)
	if err != nil {
		return "", err
	}
	s.next = until.Add(time.Nanosecond)
	s.log.Info().Str("file", meta.File).Int("records", meta.Records).Msg("archive exported")
	if s.cfg.Sink != nil {
		s.cfg.Sink.Enqueue(path)
		s.cfg.Sink.Enqueue(MetaPath(path))
	}
	return path, nil
}
