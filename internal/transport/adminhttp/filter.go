package adminhttp

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"blockledger.dev/internal/ledger/record"
)

//go:embed schemas/filter.schema.json
var filterSchemaJSON []byte

func compileFilterSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource("filter.schema.json", bytes.NewReader(filterSchemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("filter.schema.json")
}

// FilterRequest is the JSON body of lookup and rollback requests.
type FilterRequest struct {
	World             string   `json:"world,omitempty"`
	Center            []int    `json:"center,omitempty"`
	Radius            int      `json:"radius,omitempty"`
	Actors            []string `json:"actors,omitempty"`
	Since             string   `json:"since,omitempty"`
	Until             string   `json:"until,omitempty"`
	Kinds             []string `json:"kinds,omitempty"`
	Actions           []string `json:"actions,omitempty"`
	Types             []string `json:"types,omitempty"`
	ExcludeRolledBack bool     `json:"exclude_rolled_back,omitempty"`
	Limit             int      `json:"limit,omitempty"`
}

// decodeFilter validates body against the schema and converts it. Time specs
// are resolved against now.
func decodeFilter(schema *jsonschema.Schema, body []byte, now time.Time) (record.Filter, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return record.Filter{}, fmt.Errorf("bad json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return record.Filter{}, fmt.Errorf("schema: %w", err)
	}
	var req FilterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return record.Filter{}, fmt.Errorf("bad request: %w", err)
	}
	return req.Filter(now)
}

func (req FilterRequest) Filter(now time.Time) (record.Filter, error) {
	f := record.Filter{
		World:             strings.TrimSpace(req.World),
		Actors:            req.Actors,
		Types:             req.Types,
		ExcludeRolledBack: req.ExcludeRolledBack,
		Limit:             req.Limit,
	}
	if len(req.Center) == 3 {
		f.HasCenter = true
		f.Center = record.Vec3i{X: req.Center[0], Y: req.Center[1], Z: req.Center[2]}
		f.Radius = req.Radius
	}
	if req.Since != "" {
		d, err := record.ParseSince(req.Since)
		if err != nil {
			return f, err
		}
		// Whole seconds, so repeated relative lookups share a cache key.
		f.Since = now.Truncate(time.Second).Add(-d)
	}
	if req.Until != "" {
		t, err := time.Parse(time.RFC3339Nano, req.Until)
		if err != nil {
			return f, fmt.Errorf("until: %w", err)
		}
		f.Until = t
	}
	for _, k := range req.Kinds {
		kind, err := record.ParseKind(k)
		if err != nil {
			return f, err
		}
		f.Kinds = append(f.Kinds, kind)
	}
	for _, a := range req.Actions {
		act, err := record.ParseAction(a)
		if err != nil {
			return f, err
		}
		f.Actions = append(f.Actions, act)
	}
	return f, nil
}
