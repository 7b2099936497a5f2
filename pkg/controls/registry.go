package controls

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/attest/pkg/canonicalize"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

// Snapshot is an immutable, compiled view of one mapping document.
type Snapshot struct {
	Version   string
	Framework string
	Hash      string
	LoadedAt  time.Time

	rules []compiledRule
}

type compiledRule struct {
	Rule
	program cel.Program
}

// Subject identifies the snapshot in the audit ledger.
func (s *Snapshot) Subject() string {
	return s.Version + "@" + s.Hash
}

// Rules returns a copy of the snapshot's rules.
func (s *Snapshot) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}

// Controls lists every control referenced by any rule.
func (s *Snapshot) Controls() []string {
	var all []string
	for _, r := range s.rules {
		all = append(all, r.Controls...)
	}
	return evidence.NormalizeControls(all)
}

// Lookup returns the sorted union of controls mapped to (source, category)
// whose guard, if any, evaluates to true for metadata.
func (s *Snapshot) Lookup(source evidence.Source, category string, metadata map[string]string) ([]string, error) {
	var matched []string
	for _, r := range s.rules {
		if r.Source != string(source) {
			continue
		}
		if r.Category != AnyCategory && r.Category != category {
			continue
		}
		if r.program != nil {
			ok, err := evalGuard(r.program, metadata)
			if err != nil || !ok {
				continue
			}
		}
		matched = append(matched, r.Controls...)
	}
	matched = evidence.NormalizeControls(matched)
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", evidence.ErrUnmappedSource, source, category)
	}
	return matched, nil
}

func evalGuard(prg cel.Program, metadata map[string]string) (bool, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	out, _, err := prg.Eval(map[string]any{"metadata": metadata})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not boolean")
	}
	return b, nil
}

// Compile validates a document and compiles its guards into a Snapshot.
func Compile(doc *Document) (*Snapshot, error) {
	env, err := cel.NewEnv(
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	hash, err := canonicalize.CanonicalHash(doc)
	if err != nil {
		return nil, fmt.Errorf("hash control mapping: %w", err)
	}

	snap := &Snapshot{
		Version:   doc.Version,
		Framework: doc.Framework,
		Hash:      hash,
		LoadedAt:  time.Now().UTC(),
		rules:     make([]compiledRule, 0, len(doc.Rules)),
	}
	for i, r := range doc.Rules {
		cr := compiledRule{Rule: r}
		if r.When != "" {
			ast, issues := env.Compile(r.When)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("rule %d: CEL compile error: %w", i, issues.Err())
			}
			if !ast.OutputType().IsExactType(cel.BoolType) {
				return nil, fmt.Errorf("rule %d: guard must evaluate to bool, got %s", i, ast.OutputType())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("rule %d: CEL program error: %w", i, err)
			}
			cr.program = prg
		}
		snap.rules = append(snap.rules, cr)
	}
	return snap, nil
}

// ReloadHook is called with the new snapshot while the registry write lock is
// held. A hook error aborts the reload and the previous snapshot stays active.
type ReloadHook func(ctx context.Context, snap *Snapshot) error

// Registry holds the active snapshot. Lookups take a read lock so that a
// reload in progress briefly blocks new ingestion rather than interleaving
// with it.
type Registry struct {
	path    string
	mu      sync.RWMutex
	current atomic.Pointer[Snapshot]
	hooks   []ReloadHook
	logger  *slog.Logger
}

// NewRegistry builds a registry backed by the mapping file at path. Call
// Reload to load it.
func NewRegistry(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{path: path, logger: logger.With("component", "controls")}
}

// NewStaticRegistry wraps an already compiled snapshot.
func NewStaticRegistry(snap *Snapshot) *Registry {
	r := &Registry{logger: slog.Default().With("component", "controls")}
	r.current.Store(snap)
	return r
}

// OnReload registers a hook run on every successful reload.
func (r *Registry) OnReload(h ReloadHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Path returns the mapping file the registry reloads from.
func (r *Registry) Path() string { return r.path }

// Snapshot returns the active snapshot, or nil before the first load.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup resolves controls against the active snapshot.
func (r *Registry) Lookup(source evidence.Source, category string, metadata map[string]string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := r.current.Load()
	if snap == nil {
		return nil, fmt.Errorf("%w: no control mapping loaded", evidence.ErrUnmappedSource)
	}
	return snap.Lookup(source, category, metadata)
}

// Reload re-reads the mapping file and swaps it in.
func (r *Registry) Reload(ctx context.Context) (*Snapshot, error) {
	if r.path == "" {
		return nil, fmt.Errorf("registry has no backing file")
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read control mapping: %w", err)
	}
	return r.Load(ctx, data)
}

// Load parses, compiles and activates a mapping document. Reloading an
// identical document is a no-op and does not run the hooks.
func (r *Registry) Load(ctx context.Context, data []byte) (*Snapshot, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	snap, err := Compile(doc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := r.current.Load(); prev != nil && prev.Hash == snap.Hash {
		return prev, nil
	}
	for _, h := range r.hooks {
		if err := h(ctx, snap); err != nil {
			r.logger.ErrorContext(ctx, "control mapping reload aborted", "version", snap.Version, "error", err)
			return nil, fmt.Errorf("reload hook: %w", err)
		}
	}
	r.current.Store(snap)

	r.logger.InfoContext(ctx, "control mapping loaded",
		"version", snap.Version,
		"framework", snap.Framework,
		"rules", len(snap.rules),
		"hash", snap.Hash,
	)
	return snap, nil
}

// Sources returns the sources that have at least one rule, sorted.
func (s *Snapshot) Sources() []evidence.Source {
	seen := map[evidence.Source]struct{}{}
	for _, r := range s.rules {
		seen[evidence.Source(r.Source)] = struct{}{}
	}
	out := make([]evidence.Source, 0, len(seen))
	for src := range seen {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
