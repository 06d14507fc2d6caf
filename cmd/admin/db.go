package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"blockledger.dev/internal/ledger/record"
	"blockledger.dev/internal/persistence/archive"
	"blockledger.dev/internal/persistence/logdb"
)

func (g *globals) openStore(ctx context.Context) (*logdb.Store, error) {
	path, err := g.resolveDB()
	if err != nil {
		return nil, err
	}
	return logdb.Open(ctx, path, logdb.Options{})
}

func newDBCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:       "db {actors|worlds|counts|runs}",
		Short:     "Read the ledger database directly",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"actors", "worlds", "counts", "runs"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := g.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			switch args[0] {
			case "actors", "worlds":
				list := st.Actors
				if args[0] == "worlds" {
					list = st.Worlds
				}
				names, err := list(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(g.out, n)
				}
				return nil
			case "counts":
				counts, err := st.Counts(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KIND\tTOTAL\tROLLED BACK")
				var total, rolled int64
				for _, c := range counts {
					total += c.Total
					rolled += c.RolledBack
					fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Kind, humanize.Comma(c.Total), humanize.Comma(c.RolledBack))
				}
				fmt.Fprintf(tw, "all\t%s\t%s\n", humanize.Comma(total), humanize.Comma(rolled))
				return tw.Flush()
			case "runs":
				runs, err := st.Runs(ctx, limit)
				if err != nil {
					return err
				}
				return printLines(g.out, runs)
			}
			return fmt.Errorf("unknown table %q", args[0])
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "runs to list")
	return cmd
}

func newExportCmd(g *globals) *cobra.Command {
	var (
		ff  filterFlags
		out string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write matching records to a .jsonl.zst archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("missing --out")
			}
			req, err := ff.request()
			if err != nil {
				return err
			}
			f, err := req.Filter(time.Now())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := g.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			meta, err := archive.Export(ctx, st, out, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(g.out, "exported %s records to %s\n", humanize.Comma(int64(meta.Records)), out)
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "archive path (.jsonl.zst)")
	return cmd
}

func newInspectCmd(g *globals) *cobra.Command {
	var (
		limit    int
		metaOnly bool
	)
	cmd := &cobra.Command{
		Use:   "inspect ARCHIVE",
		Short: "Print an archive's metadata and records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if meta, err := archive.ReadMeta(path); err == nil {
				created, _ := time.Parse(time.RFC3339Nano, meta.CreatedAt)
				fmt.Fprintf(g.out, "# %s: %s records, created %s, filter %s\n",
					meta.File, humanize.Comma(int64(meta.Records)), humanize.Time(created), meta.Filter)
			}
			if metaOnly {
				return nil
			}
			n := 0
			errStop := errors.New("stop")
			err := archive.Read(path, func(r *record.Record) error {
				if limit > 0 && n >= limit {
					return errStop
				}
				n++
				return printLines(g.out, []*record.Record{r})
			})
			if err != nil && !errors.Is(err, errStop) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many records")
	cmd.Flags().BoolVar(&metaOnly, "meta", false, "print only the metadata line")
	return cmd
}
