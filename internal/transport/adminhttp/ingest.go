package adminhttp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"blockledger.dev/internal/ledger/record"
)

// IngestLine is one line of a POST /admin/v1/records body. The engine stamps
// the time when the line is accepted.
type IngestLine struct {
	Actor   string          `json:"actor"`
	World   string          `json:"world"`
	Pos     [3]int          `json:"pos"`
	Kind    record.Kind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type IngestResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

const maxIngestErrors = 10

func (s *Server) handleIngest(rw http.ResponseWriter, r *http.Request) {
	sc := bufio.NewScanner(http.MaxBytesReader(rw, r.Body, maxIngestBytes))
	sc.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)

	var resp IngestResponse
	reject := func(line int, err error) {
		resp.Rejected++
		if len(resp.Errors) < maxIngestErrors {
			resp.Errors = append(resp.Errors, fmt.Sprintf("line %d: %v", line, err))
		}
	}
	now := s.cfg.Now()
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var in IngestLine
		if err := json.Unmarshal([]byte(text), &in); err != nil {
			reject(n, err)
			continue
		}
		p, err := record.DecodePayload(in.Kind, in.Payload)
		if err != nil {
			reject(n, err)
			continue
		}
		pos := record.Vec3i{X: in.Pos[0], Y: in.Pos[1], Z: in.Pos[2]}
		// Validate up front so the caller learns about bad lines; Append
		// would only log them.
		if _, err := record.New(in.Actor, in.World, pos, now, p); err != nil {
			reject(n, err)
			continue
		}
		s.eng.Append(in.Actor, in.World, pos, p)
		resp.Accepted++
	}
	if err := sc.Err(); err != nil {
		s.log.Warn().Err(err).Int("accepted", resp.Accepted).Msg("ingest body truncated")
		resp.Errors = append(resp.Errors, err.Error())
		writeJSON(rw, http.StatusBadRequest, resp)
		return
	}
	status := http.StatusAccepted
	if resp.Accepted == 0 && resp.Rejected > 0 {
		status = http.StatusBadRequest
	}
	writeJSON(rw, status, resp)
}
