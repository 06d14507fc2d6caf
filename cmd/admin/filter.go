package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"blockledger.dev/internal/transport/adminhttp"
)

type filterFlags struct {
	world             string
	at                string
	radius            int
	actors            []string
	since             string
	until             string
	kinds             []string
	actions           []string
	types             []string
	excludeRolledBack bool
	limit             int
}

func (ff *filterFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&ff.world, "world", "", "world id")
	f.StringVar(&ff.at, "at", "", "center position x,y,z (needs --world)")
	f.IntVar(&ff.radius, "radius", 0, "radius around --at; 0 selects one position")
	f.StringSliceVar(&ff.actors, "actor", nil, "actor name (repeatable)")
	f.StringVar(&ff.since, "since", "", "relative window, e.g. 1h30m or 2d")
	f.StringVar(&ff.until, "until", "", "RFC3339 upper time bound")
	f.StringSliceVar(&ff.kinds, "kind", nil, "container|block|sign|kill|item (repeatable)")
	f.StringSliceVar(&ff.actions, "action", nil, "withdrew|deposited|placed|broke|edit|pickup|drop|kill (repeatable)")
	f.StringSliceVar(&ff.types, "type", nil, "item, block or victim id (repeatable)")
	f.BoolVar(&ff.excludeRolledBack, "exclude-rolled-back", false, "hide records already rolled back")
	f.IntVar(&ff.limit, "limit", 0, "maximum records (0 = no limit)")
}

func (ff *filterFlags) request() (adminhttp.FilterRequest, error) {
	req := adminhttp.FilterRequest{
		World:             strings.TrimSpace(ff.world),
		Actors:            ff.actors,
		Since:             strings.TrimSpace(ff.since),
		Until:             strings.TrimSpace(ff.until),
		Kinds:             ff.kinds,
		Actions:           ff.actions,
		Types:             ff.types,
		ExcludeRolledBack: ff.excludeRolledBack,
		Limit:             ff.limit,
	}
	if ff.at != "" {
		c, err := parseVec(ff.at)
		if err != nil {
			return req, err
		}
		req.Center = c
		req.Radius = ff.radius
	} else if ff.radius != 0 {
		return req, fmt.Errorf("--radius needs --at")
	}
	return req, nil
}

func parseVec(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("bad position %q: want x,y,z", s)
	}
	out := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad position %q: %w", s, err)
		}
		out[i] = n
	}
	return out, nil
}
