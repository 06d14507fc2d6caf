package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"blockledger.dev/internal/ledger"
)

// call sends body (JSON-encoded when non-nil) and returns the raw response.
// Non-2xx answers are errors carrying the server's message.
func (g *globals) call(ctx context.Context, method, path string, body any, timeout time.Duration) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	u := strings.TrimRight(strings.TrimSpace(g.url), "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return b, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	return b, nil
}

func (g *globals) printRecords(b []byte) error {
	var resp struct {
		Count   int               `json:"count"`
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(b, &resp); err != nil {
		return err
	}
	for _, r := range resp.Records {
		fmt.Fprintln(g.out, string(r))
	}
	fmt.Fprintf(g.out, "# %s records\n", humanize.Comma(int64(resp.Count)))
	return nil
}

func newLookupCmd(g *globals) *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Query the ledger through the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := ff.request()
			if err != nil {
				return err
			}
			b, err := g.call(cmd.Context(), http.MethodPost, "/admin/v1/lookup", req, 30*time.Second)
			if err != nil {
				return err
			}
			return g.printRecords(b)
		},
	}
	ff.register(cmd)
	return cmd
}

func newActorCmd(g *globals) *cobra.Command {
	var world string
	cmd := &cobra.Command{
		Use:   "actor NAME",
		Short: "List everything an actor did",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/v1/actors/" + url.PathEscape(args[0])
			if world != "" {
				path += "?world=" + url.QueryEscape(world)
			}
			b, err := g.call(cmd.Context(), http.MethodGet, path, nil, 30*time.Second)
			if err != nil {
				return err
			}
			return g.printRecords(b)
		},
	}
	cmd.Flags().StringVar(&world, "world", "", "only this world")
	return cmd
}

func newRollbackCmd(g *globals, preview bool) *cobra.Command {
	var ff filterFlags
	use, short, path := "rollback", "Undo matching records", "/admin/v1/rollback"
	if preview {
		use, short, path = "preview", "Show what a rollback would touch", "/admin/v1/rollback/preview"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := ff.request()
			if err != nil {
				return err
			}
			b, err := g.call(cmd.Context(), http.MethodPost, path, req, 5*time.Minute)
			if err != nil {
				return err
			}
			_, err = g.out.Write(b)
			return err
		},
	}
	ff.register(cmd)
	return cmd
}

func newFlushCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Force buffered records to disk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := g.call(cmd.Context(), http.MethodPost, "/admin/v1/flush", nil, 15*time.Second)
			if err != nil {
				return err
			}
			_, err = g.out.Write(b)
			return err
		},
	}
}

func newStateCmd(g *globals) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show engine counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := g.call(cmd.Context(), http.MethodGet, "/admin/v1/state", nil, 5*time.Second)
			if err != nil {
				return err
			}
			if raw {
				_, err = g.out.Write(b)
				return err
			}
			var st ledger.Stats
			if err := json.Unmarshal(b, &st); err != nil {
				return err
			}
			printState(g, st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "print the raw JSON")
	return cmd
}

func printState(g *globals, st ledger.Stats) {
	in := st.Ingest
	fmt.Fprintf(g.out, "index:   ready=%t records=%s\n", st.Ready, humanize.Comma(int64(st.Indexed)))
	fmt.Fprintf(g.out, "ingest:  buffered=%s/%s written=%s failed=%s dropped=%s batches=%s\n",
		humanize.Comma(int64(in.Depth[0]+in.Depth[1])), humanize.Comma(int64(in.Capacity)),
		humanize.Comma(int64(in.RecordsWritten)), humanize.Comma(int64(in.RecordsFailed)),
		humanize.Comma(int64(in.DroppedTotal)), humanize.Comma(int64(in.BatchesWritten)))
	fmt.Fprintf(g.out, "         last write %s, last error %s\n", ago(in.LastSuccessUnix), ago(in.LastErrorUnix))
	c := st.Cache
	fmt.Fprintf(g.out, "cache:   entries=%d hits=%s misses=%s purges=%s\n",
		c.Entries, humanize.Comma(int64(c.Hits)), humanize.Comma(int64(c.Misses)), humanize.Comma(int64(c.Purges)))
	fmt.Fprintf(g.out, "queries: failed=%s rejected=%s invalid records=%s\n",
		humanize.Comma(int64(st.QueryFailures)), humanize.Comma(int64(st.QueryRejected)), humanize.Comma(int64(st.InvalidRecords)))
	fmt.Fprintf(g.out, "tail:    subscribers=%d dropped=%s\n", st.Subscribers, humanize.Comma(int64(st.TailDropped)))
}

func ago(unix int64) string {
	if unix == 0 {
		return "never"
	}
	return humanize.Time(time.Unix(unix, 0))
}

func newRunsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent rollback runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := g.call(cmd.Context(), http.MethodGet, "/admin/v1/runs?limit="+strconv.Itoa(limit), nil, 10*time.Second)
			if err != nil {
				return err
			}
			_, err = g.out.Write(b)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "runs to list")
	return cmd
}
