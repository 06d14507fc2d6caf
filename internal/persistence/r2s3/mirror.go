package r2s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Uploader is satisfied by *Client.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Stats struct {
	QueueDepth          int    `json:"queue_depth"`
	QueueCapacity       int    `json:"queue_capacity"`
	EnqueuedTotal       uint64 `json:"enqueued_total"`
	QueueSaturatedTotal uint64 `json:"queue_saturated_total"`
	DroppedTotal        uint64 `json:"dropped_total"`
	UploadSuccessTotal  uint64 `json:"upload_success_total"`
	UploadFailTotal     uint64 `json:"upload_fail_total"`
	LastSuccessUnix     int64  `json:"last_success_unix"`
	LastErrorUnix       int64  `json:"last_error_unix"`
}

type MirrorConfig struct {
	// BaseDir is stripped from local paths to form object keys.
	BaseDir string
	Prefix  string

	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration
	MaxAttempts   int
	// Backoff is multiplied by attempt² between retries.
	Backoff time.Duration

	Logger zerolog.Logger
}

// Mirror copies local archive files to object storage in the background.
// Enqueue never blocks for longer than EnqueueWait.
type Mirror struct {
	up  Uploader
	cfg MirrorConfig
	log zerolog.Logger

	jobs   chan string
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewMirror(up Uploader, cfg MirrorConfig) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		up:     up,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "mirror").Logger(),
		jobs:   make(chan string, cfg.QueueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for localPath := range m.jobs {
				m.uploadOne(localPath)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It reports false when the file was
// dropped because the queue stayed full or the mirror is closed.
func (m *Mirror) Enqueue(localPath string) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	m.enqueuedTotal.Add(1)

	select {
	case m.jobs <- localPath:
		return true
	default:
	}

	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
		return true
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.log.Warn().Str("local", localPath).Dur("wait", m.cfg.EnqueueWait).Uint64("dropped_total", dropped).Msg("mirror queue saturated, dropping")
		return false
	}
}

// Close stops accepting files and waits for queued uploads. When ctx expires
// first, in-flight retries are abandoned.
func (m *Mirror) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.jobs)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.uploadFailTotal.Add(1)
		m.log.Warn().Err(err).Str("local", localPath).Msg("mirror skip")
		return
	}
	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.log.Error().Err(err).Str("key", key).Str("local", localPath).Msg("mirror upload failed")
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.log.Info().Str("key", key).Msg("mirror uploaded")
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
		err := m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * m.cfg.Backoff):
		case <-m.ctx.Done():
			return fmt.Errorf("abandoned after %d attempts: %w", attempt, lastErr)
		}
	}
	return lastErr
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	absBase, err := filepath.Abs(m.cfg.BaseDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside %s", absLocal, absBase)
	}
	if m.cfg.Prefix != "" {
		rel = path.Join(m.cfg.Prefix, rel)
	}
	return rel, nil
}
