package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/api"
	"github.com/Mindburn-Labs/attest/pkg/canonicalize"
	"github.com/Mindburn-Labs/attest/pkg/client"
	"github.com/Mindburn-Labs/attest/pkg/collector"
	"github.com/Mindburn-Labs/attest/pkg/collector/adapters"
	"github.com/Mindburn-Labs/attest/pkg/config"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/ledger"
)

// withApp loads config, wires the app, runs fn and closes the app.
func withApp(configPath string, stderr io.Writer, fn func(ctx context.Context, a *app) int) int {
	cfg, ok := loadConfig(configPath, stderr)
	if !ok {
		return 2
	}
	logger := newLogger(cfg, stderr)
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() {
		if err := a.close(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: close: %v\n", err)
		}
	}()
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// metaFlags collects repeated -meta key=value flags.
type metaFlags map[string]string

func (m metaFlags) String() string { return fmt.Sprint(map[string]string(m)) }

func (m metaFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	m[k] = val
	return nil
}

// runIngest implements `attestd ingest`. With --adapter the file is raw tool
// output parsed by that adapter; otherwise --source and --tool are required.
func runIngest(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := configFlag(fs)
	var (
		file, source, tool, correlation, category, supersedes, adapter, kind string
	)
	meta := metaFlags{}
	fs.StringVar(&file, "file", "", "Path to the tool output (REQUIRED)")
	fs.StringVar(&adapter, "adapter", "", "Parse the file with a tool adapter: "+strings.Join(adapters.Default().Tools(), ", "))
	fs.StringVar(&source, "source", "", "Evidence source, e.g. sast")
	fs.StringVar(&tool, "tool", "", "Producing tool name")
	fs.StringVar(&correlation, "correlation-id", "", "Commit, image digest, plan or run id")
	fs.StringVar(&category, "category", "", "Source-specific category")
	fs.StringVar(&supersedes, "supersedes", "", "Id of the record this one corrects")
	fs.StringVar(&kind, "kind", "auto", "Canonicalization: auto, json or text")
	fs.Var(meta, "meta", "Extra metadata key=value (repeatable)")
	server := fs.String("server", os.Getenv("ATTEST_SERVER"), "Push to a running attestd instead of writing locally")
	token := fs.String("token", os.Getenv("ATTEST_TOKEN"), "Bearer token for --server")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}
	payload, err := os.ReadFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if *server != "" {
		return pushRemote(client.New(*server, client.WithToken(*token)), adapter, api.IngestRequest{
			Source:        source,
			Category:      category,
			CorrelationID: correlation,
			Tool:          tool,
			Supersedes:    supersedes,
			Metadata:      meta,
		}, payload, stdout, stderr)
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) int {
		var rec evidence.Record
		var err error
		if adapter != "" {
			ad, ok := adapters.Default().Get(adapter)
			if !ok {
				_, _ = fmt.Fprintf(stderr, "Error: unknown adapter %q\n", adapter)
				return 2
			}
			rec, err = ad.Collect(ctx, a.collector, adapters.Input{Payload: payload, CorrelationID: correlation, Metadata: meta})
		} else {
			src, perr := evidence.ParseSource(source)
			if perr != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", perr)
				return 2
			}
			meta[evidence.MetaTool] = tool
			meta[evidence.MetaCorrelationID] = correlation
			if category != "" {
				meta[evidence.MetaCategory] = category
			}
			var res collector.Result
			res, err = a.collector.Submit(ctx, collector.Request{
				Source:     src,
				Payload:    payload,
				Metadata:   meta,
				Kind:       canonicalize.Kind(kind),
				Supersedes: supersedes,
			})
			rec = res.Record
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: ingest failed: %v\n", err)
			return 2
		}
		if err := writeJSON(stdout, rec); err != nil {
			return 2
		}
		return 0
	})
}

func pushRemote(c *client.Client, adapter string, req api.IngestRequest, payload []byte, stdout, stderr io.Writer) int {
	ctx := context.Background()
	var (
		res api.IngestResponse
		err error
	)
	if adapter != "" {
		res, err = c.IngestTool(ctx, adapter, payload, req.CorrelationID, req.Metadata)
	} else {
		if json.Valid(payload) {
			req.Payload = json.RawMessage(payload)
		} else if req.Payload, err = json.Marshal(string(payload)); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		res, err = c.Ingest(ctx, req)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: ingest failed: %v\n", err)
		return 2
	}
	if err := writeJSON(stdout, res); err != nil {
		return 2
	}
	return 0
}

// runVerify implements `attestd verify`: exit 0 when the chain (and with
// --records every payload) verifies, 1 when it does not.
func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := configFlag(fs)
	from := fs.Uint64("from", 0, "First sequence number (0 = start)")
	to := fs.Uint64("to", 0, "Last sequence number (0 = head)")
	records := fs.Bool("records", false, "Also re-hash every stored payload")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) int {
		if *records {
			rep, err := a.reconciler.Sweep(ctx)
			_ = writeJSON(stdout, rep)
			return verdict(err, stderr)
		}
		rep, err := a.reconciler.VerifyRange(ctx, *from, *to)
		_ = writeJSON(stdout, rep)
		return verdict(err, stderr)
	})
}

func verdict(err error, stderr io.Writer) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, evidence.ErrChainBroken), errors.Is(err, evidence.ErrIntegrityViolation):
		_, _ = fmt.Fprintf(stderr, "FAILED: %v\n", err)
		return 1
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
}

// runExport implements `attestd export`.
func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := configFlag(fs)
	from := fs.Uint64("from", 0, "First sequence number (0 = start)")
	to := fs.Uint64("to", 0, "Last sequence number (0 = head)")
	out := fs.String("out", "", "Write the bundle here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withApp(*configPath, stderr, func(ctx context.Context, a *app) int {
		if a.signer == nil {
			_, _ = fmt.Fprintln(stderr, "Error: no signing key configured (signing_key_file or signing_secret)")
			return 2
		}
		bundle, err := a.reconciler.Export(ctx, *from, *to, a.signer)
		if err != nil {
			return verdict(err, stderr)
		}
		w := stdout
		if *out != "" {
			f, err := os.Create(*out)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
			defer f.Close()
			w = f
		}
		if err := writeJSON(w, bundle); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write bundle: %v\n", err)
			return 2
		}
		if *out != "" {
			_, _ = fmt.Fprintf(stdout, "exported entries %d..%d of shard %s to %s\n", bundle.From, bundle.To, bundle.Shard, *out)
		}
		return 0
	})
}

// runVerifyExport implements `attestd verify-export`. It needs no config
// and no network.
func runVerifyExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("bundle", "", "Path to the exported bundle (REQUIRED)")
	key := fs.String("key", "", "Trusted hex Ed25519 public key; empty trusts the embedded key")
	jsonOut := fs.Bool("json", false, "Print the verification report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		return 2
	}
	raw, err := os.ReadFile(*path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var bundle ledger.ExportBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: malformed bundle: %v\n", err)
		return 2
	}

	rep, err := ledger.VerifyBundle(&bundle, *key)
	if *jsonOut {
		_ = writeJSON(stdout, rep)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "FAILED: %v\n", err)
		return 1
	}
	if !*jsonOut {
		_, _ = fmt.Fprintf(stdout, "OK: shard %s entries %d..%d, head %s\n", rep.Shard, rep.From, rep.To, rep.HeadHash)
		if *key == "" {
			_, _ = fmt.Fprintln(stdout, "note: signature checked against the embedded key; pass --key to check origin")
		}
	}
	return 0
}

// runHealth implements `attestd health`.
func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "", "Server base URL (default http://localhost:$PORT)")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *url == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = strconv.Itoa(config.DefaultPort)
		}
		*url = "http://localhost:" + port
	}

	h, err := client.New(*url, client.WithTimeout(*timeout)).Health(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "unhealthy: %v\n", err)
		return 1
	}
	if err := writeJSON(stdout, h); err != nil {
		return 2
	}
	return 0
}
