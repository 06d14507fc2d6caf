// Package ws streams committed records to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"blockledger.dev/internal/ledger/record"
)

const (
	writeWait  = 5 * time.Second
	readWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Source is the live feed of committed records.
type Source interface {
	Subscribe(buf int) (<-chan *record.Record, func())
}

type Server struct {
	src Source
	log zerolog.Logger
	buf int

	upgrader websocket.Upgrader
}

func NewServer(src Source, logger zerolog.Logger) *Server {
	return &Server{
		src: src,
		log: logger,
		buf: 256,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Admin-only endpoint; the loopback guard runs before the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Welcome is the first message on every tail connection.
type Welcome struct {
	Type   string        `json:"type"`
	Filter TailFilter    `json:"filter"`
	Kinds  []record.Kind `json:"kinds"`
}

// TailFilter narrows the stream; empty fields match everything.
type TailFilter struct {
	World  string        `json:"world,omitempty"`
	Actor  string        `json:"actor,omitempty"`
	Kinds  []record.Kind `json:"kinds,omitempty"`
	Action record.Action `json:"action,omitempty"`
}

func (f TailFilter) match(r *record.Record) bool {
	if f.World != "" && r.World != f.World {
		return false
	}
	if f.Actor != "" && !strings.EqualFold(r.Actor, f.Actor) {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if r.Kind() == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return f.Action == "" || r.Action() == f.Action
}

// ParseTailFilter reads world, actor, kind (repeatable) and action from the
// query string.
func ParseTailFilter(r *http.Request) (TailFilter, error) {
	q := r.URL.Query()
	f := TailFilter{
		World: strings.TrimSpace(q.Get("world")),
		Actor: strings.TrimSpace(q.Get("actor")),
	}
	for _, s := range q["kind"] {
		k, err := record.ParseKind(s)
		if err != nil {
			return f, err
		}
		f.Kinds = append(f.Kinds, k)
	}
	if s := q.Get("action"); s != "" {
		a, err := record.ParseAction(s)
		if err != nil {
			return f, err
		}
		f.Action = a
	}
	return f, nil
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		filter, err := ParseTailFilter(r)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		feed, cancelFeed := s.src.Subscribe(s.buf)
		defer cancelFeed()

		if err := writeJSON(conn, Welcome{Type: "TAIL_WELCOME", Filter: filter, Kinds: record.Kinds}); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		done := make(chan struct{})
		go func() {
			defer close(done)
			// Closing the socket unblocks the reader loop.
			stop := func() {
				cancel()
				_ = conn.Close()
			}
			ping := time.NewTicker(pingPeriod)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						stop()
						return
					}
				case rec, ok := <-feed:
					if !ok {
						// Engine closed.
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
							time.Now().Add(time.Second))
						stop()
						return
					}
					if !filter.match(rec) {
						continue
					}
					if err := writeJSON(conn, rec); err != nil {
						s.log.Debug().Err(err).Msg("tail write failed")
						stop()
						return
					}
				}
			}
		}()

		// Reader loop; clients only send pongs and the close frame.
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				break
			}
			if ctx.Err() != nil {
				break
			}
		}
		<-done
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
