// Package adminhttp serves the operator API: record ingestion, lookups,
// rollback, flush, state, the live tail and Prometheus metrics.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"blockledger.dev/internal/ledger"
	"blockledger.dev/internal/ledger/record"
	"blockledger.dev/internal/ledger/rollback"
	"blockledger.dev/internal/persistence/logdb"
	"blockledger.dev/internal/transport/ws"
)

const (
	maxBodyBytes   = 1 << 20
	maxIngestBytes = 16 << 20
)

// Engine is the part of ledger.Engine the admin API drives.
type Engine interface {
	Append(actor, world string, pos record.Vec3i, p record.Payload)
	QueryRange(ctx context.Context, f record.Filter) []*record.Record
	QueryForActor(ctx context.Context, actor, world string) []*record.Record
	Rollback(ctx context.Context, f record.Filter) (rollback.Result, error)
	Preview(ctx context.Context, f record.Filter) (rollback.Result, error)
	Flush(ctx context.Context) error
	Stats() ledger.Stats
	Runs(ctx context.Context, limit int) ([]logdb.Run, error)
	Subscribe(buf int) (<-chan *record.Record, func())
}

type Config struct {
	// AllowRemote serves non-loopback clients too.
	AllowRemote bool
	// RatePerMinute and Burst limit rollback and preview requests.
	RatePerMinute int
	Burst         int
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Pprof    bool
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Server struct {
	eng    Engine
	cfg    Config
	log    zerolog.Logger
	schema *jsonschema.Schema
	limit  *rate.Limiter
	tail   *ws.Server
}

func New(eng Engine, cfg Config) (*Server, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 6
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	schema, err := compileFilterSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		eng:    eng,
		cfg:    cfg,
		log:    cfg.Logger,
		schema: schema,
		limit:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.Burst),
		tail:   ws.NewServer(eng, cfg.Logger),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/v1/records", s.guard(s.handleIngest))
	mux.HandleFunc("POST /admin/v1/lookup", s.guard(s.handleLookup))
	mux.HandleFunc("GET /admin/v1/actors/{actor}", s.guard(s.handleActor))
	mux.HandleFunc("POST /admin/v1/rollback", s.guard(s.handleRollback(false)))
	mux.HandleFunc("POST /admin/v1/rollback/preview", s.guard(s.handleRollback(true)))
	mux.HandleFunc("POST /admin/v1/flush", s.guard(s.handleFlush))
	mux.HandleFunc("GET /admin/v1/state", s.guard(s.handleState))
	mux.HandleFunc("GET /admin/v1/runs", s.guard(s.handleRuns))
	mux.HandleFunc("GET /admin/v1/tail", s.guard(s.tail.Handler()))
	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", s.guard(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", s.guard(pprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", s.guard(pprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", s.guard(pprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", s.guard(pprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", s.guard(pprof.Trace))
	}
	return mux
}

func (s *Server) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.cfg.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

// LookupResponse is the body of lookup and actor responses.
type LookupResponse struct {
	Count   int              `json:"count"`
	Records []*record.Record `json:"records"`
}

func (s *Server) handleLookup(rw http.ResponseWriter, r *http.Request) {
	f, ok := s.readFilter(rw, r)
	if !ok {
		return
	}
	recs := s.eng.QueryRange(r.Context(), f)
	writeJSON(rw, http.StatusOK, LookupResponse{Count: len(recs), Records: nonNil(recs)})
}

func (s *Server) handleActor(rw http.ResponseWriter, r *http.Request) {
	actor := strings.TrimSpace(r.PathValue("actor"))
	if actor == "" {
		writeError(rw, http.StatusBadRequest, "missing actor")
		return
	}
	recs := s.eng.QueryForActor(r.Context(), actor, strings.TrimSpace(r.URL.Query().Get("world")))
	writeJSON(rw, http.StatusOK, LookupResponse{Count: len(recs), Records: nonNil(recs)})
}

func (s *Server) handleRollback(preview bool) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		f, ok := s.readFilter(rw, r)
		if !ok {
			return
		}
		if !s.limit.Allow() {
			rw.Header().Set("Retry-After", "10")
			writeError(rw, http.StatusTooManyRequests, "rate limited")
			return
		}
		var (
			res rollback.Result
			err error
		)
		if preview {
			res, err = s.eng.Preview(r.Context(), f)
		} else {
			res, err = s.eng.Rollback(r.Context(), f)
		}
		switch {
		case errors.Is(err, rollback.ErrTooBroad):
			writeJSON(rw, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "result": res})
		case errors.Is(err, rollback.ErrNoWorld):
			writeError(rw, http.StatusServiceUnavailable, err.Error())
		case err != nil:
			s.log.Error().Err(err).Str("filter", f.Key()).Bool("preview", preview).Msg("rollback failed")
			writeError(rw, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(rw, http.StatusOK, res)
		}
	}
}

func (s *Server) handleFlush(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.eng.Flush(ctx); err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleState(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.eng.Stats())
}

func (s *Server) handleRuns(rw http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(rw, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	runs, err := s.eng.Runs(r.Context(), limit)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []logdb.Run{}
	}
	writeJSON(rw, http.StatusOK, runs)
}

func (s *Server) readFilter(rw http.ResponseWriter, r *http.Request) (record.Filter, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	if err != nil {
		writeError(rw, http.StatusRequestEntityTooLarge, "body too large")
		return record.Filter{}, false
	}
	f, err := decodeFilter(s.schema, body, s.cfg.Now())
	if err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return record.Filter{}, false
	}
	return f, true
}

func nonNil(recs []*record.Record) []*record.Record {
	if recs == nil {
		return []*record.Record{}
	}
	return recs
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]any{"error": msg})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
