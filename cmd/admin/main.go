package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"blockledger.dev/internal/config"
)

type globals struct {
	url        string
	configPath string
	dbPath     string
	out        io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{out: out}
	root := &cobra.Command{
		Use:           "blockledger-admin",
		Short:         "Inspect and operate a block ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&g.url, "url", "http://127.0.0.1:8089", "server base url")
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "server config (used to find the database)")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "sqlite db path (overrides --config)")

	root.AddCommand(
		newDBCmd(g),
		newExportCmd(g),
		newInspectCmd(g),
		newReplayCmd(g),
		newLookupCmd(g),
		newActorCmd(g),
		newRollbackCmd(g, false),
		newRollbackCmd(g, true),
		newFlushCmd(g),
		newStateCmd(g),
		newRunsCmd(g),
	)
	return root
}

// resolveDB finds the database from --db, then --config, then the defaults.
func (g *globals) resolveDB() (string, error) {
	if p := strings.TrimSpace(g.dbPath); p != "" {
		return p, nil
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return "", err
	}
	return cfg.DBPath, nil
}

func (g *globals) printJSON(v any) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printLines writes one compact JSON document per line.
func printLines[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return err
		}
	}
	return nil
}
