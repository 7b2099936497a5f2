// Package adapters translates the native output of external tools into
// collector ingests. Each adapter validates the tool's document shape,
// derives the evidence category and correlation id, and makes exactly one
// Ingest call; none of them persist anything on their own.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/attest/pkg/collector"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

// Input is one piece of raw tool output.
type Input struct {
	Payload []byte
	// CorrelationID links the output to a commit, image digest, plan or run.
	// Adapters that can read it from the payload use that when empty.
	CorrelationID string
	// Metadata is passed through to the collector and is visible to mapping
	// rule guards.
	Metadata map[string]string
}

// Adapter is implemented by every tool integration.
type Adapter interface {
	// Tool is the adapter's registry name and the recorded tool.
	Tool() string
	// Sources lists the evidence sources the adapter can produce.
	Sources() []evidence.Source
	Collect(ctx context.Context, ing collector.Ingester, in Input) (evidence.Record, error)
}

// Registry indexes adapters by tool name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding the given adapters.
func NewRegistry(list ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(list))}
	for _, a := range list {
		r.adapters[a.Tool()] = a
	}
	return r
}

// Default returns a registry with every built-in adapter.
func Default() *Registry {
	return NewRegistry(
		NewSonarQube(),
		NewTrivy(),
		NewCheckov(),
		NewZAP(),
		NewPRApproval(),
		NewTerraformApply(),
		NewAccessLog(),
		NewPolicyException(),
	)
}

// Get returns the adapter for tool.
func (r *Registry) Get(tool string) (Adapter, bool) {
	a, ok := r.adapters[tool]
	return a, ok
}

// Tools returns the registered tool names, sorted.
func (r *Registry) Tools() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// derived is what an adapter learned from the payload.
type derived struct {
	source      evidence.Source
	category    string
	correlation string
	collectedAt time.Time
	extra       map[string]string
}

func ingest(ctx context.Context, ing collector.Ingester, tool string, in Input, d derived) (evidence.Record, error) {
	md := make(map[string]string, len(in.Metadata)+4)
	maps.Copy(md, d.extra)
	maps.Copy(md, in.Metadata)
	md[evidence.MetaTool] = tool
	md[evidence.MetaCategory] = d.category

	corr := in.CorrelationID
	if corr == "" {
		corr = d.correlation
	}
	if corr == "" {
		return evidence.Record{}, fmt.Errorf("%w: %s output carries no correlation id; supply one", evidence.ErrInvalidPayload, tool)
	}
	md[evidence.MetaCorrelationID] = corr
	if _, ok := md[evidence.MetaCollectedAt]; !ok && !d.collectedAt.IsZero() {
		md[evidence.MetaCollectedAt] = d.collectedAt.UTC().Format(time.RFC3339Nano)
	}
	return ing.Ingest(ctx, d.source, in.Payload, md)
}

// compileSchema compiles a JSON Schema document for tool output.
func compileSchema(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://attest.schemas.local/adapters/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("adapter schema %s: %v", name, err))
	}
	return c.MustCompile(url)
}

// decode parses payload as JSON and validates it against schema.
func decode(tool string, schema *jsonschema.Schema, payload []byte) (any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: empty %s output", evidence.ErrInvalidPayload, tool)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s output is not JSON: %v", evidence.ErrInvalidPayload, tool, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s output does not match schema: %v", evidence.ErrInvalidPayload, tool, err)
	}
	return doc, nil
}

// Accessors over decoded JSON. Missing or mistyped values yield zero values.

func obj(v any, key string) map[string]any {
	m, _ := v.(map[string]any)
	out, _ := m[key].(map[string]any)
	return out
}

func str(v any, key string) string {
	m, _ := v.(map[string]any)
	switch s := m[key].(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	}
	return ""
}

func arr(v any, key string) []any {
	m, _ := v.(map[string]any)
	out, _ := m[key].([]any)
	return out
}

func has(v any, key string) bool {
	m, _ := v.(map[string]any)
	_, ok := m[key]
	return ok
}
