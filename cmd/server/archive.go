package main

import (
	"context"

	"github.com/rs/zerolog"

	"blockledger.dev/internal/config"
	"blockledger.dev/internal/ledger"
	"blockledger.dev/internal/persistence/archive"
	"blockledger.dev/internal/persistence/r2s3"
)

type archiver struct {
	sched  *archive.Scheduler
	mirror *r2s3.Mirror
	log    zerolog.Logger
}

// newArchiver returns nil when periodic exports are disabled.
func newArchiver(cfg config.ArchiveConfig, eng *ledger.Engine, logger zerolog.Logger) (*archiver, error) {
	if cfg.Interval <= 0 {
		return nil, nil
	}
	a := &archiver{log: logger}
	sc := archive.ScheduleConfig{
		Dir:      cfg.Dir,
		Interval: cfg.Interval,
		Flush:    eng.Flush,
		Logger:   logger,
	}
	if cfg.Mirror.Enabled() {
		client, err := r2s3.New(r2s3.Credentials{
			Endpoint:        cfg.Mirror.Endpoint,
			Bucket:          cfg.Mirror.Bucket,
			Region:          cfg.Mirror.Region,
			AccessKeyID:     cfg.Mirror.AccessKeyID,
			SecretAccessKey: cfg.Mirror.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		a.mirror = r2s3.NewMirror(client, r2s3.MirrorConfig{
			BaseDir: cfg.Dir,
			Prefix:  cfg.Mirror.Prefix,
			Workers: cfg.Mirror.Workers,
			Logger:  logger,
		})
		sc.Sink = a.mirror
		logger.Info().Str("bucket", cfg.Mirror.Bucket).Str("prefix", cfg.Mirror.Prefix).Msg("archive mirror enabled")
	}
	a.sched = archive.NewScheduler(eng.Store(), sc)
	return a, nil
}

func (a *archiver) run(ctx context.Context) error {
	return a.sched.Run(ctx)
}

func (a *archiver) close(ctx context.Context) {
	if a.mirror == nil {
		return
	}
	if err := a.mirror.Close(ctx); err != nil {
		a.log.Warn().Err(err).Interface("stats", a.mirror.Stats()).Msg("archive mirror closed early")
	}
}
