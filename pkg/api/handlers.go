package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/attest/pkg/artifacts"
	"github.com/Mindburn-Labs/attest/pkg/canonicalize"
	"github.com/Mindburn-Labs/attest/pkg/collector"
	"github.com/Mindburn-Labs/attest/pkg/collector/adapters"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/query"
)

// maxBody leaves room for JSON string escaping around a maximum payload.
const maxBody = 2*artifacts.MaxObjectSize + 64<<10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// IngestRequest is the body of POST /evidence. Payload is either the tool's
// JSON output inline or a JSON string holding text output.
type IngestRequest struct {
	Source        string            `json:"source"`
	Category      string            `json:"category,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	Tool          string            `json:"tool"`
	CollectedAt   string            `json:"collected_at,omitempty"`
	Supersedes    string            `json:"supersedes,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// IngestResponse acknowledges a recorded (or replayed) ingest.
type IngestResponse struct {
	ID          string   `json:"id"`
	PayloadHash string   `json:"payload_hash"`
	ControlIDs  []string `json:"control_ids"`
	Replayed    bool     `json:"replayed,omitempty"`
}

func (req IngestRequest) payload() ([]byte, canonicalize.Kind, error) {
	raw := bytes.TrimSpace(req.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, "", fmt.Errorf("%w: payload is required", evidence.ErrInvalidPayload)
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, "", fmt.Errorf("%w: payload: %v", evidence.ErrInvalidPayload, err)
		}
		return []byte(text), canonicalize.KindAuto, nil
	}
	return raw, canonicalize.KindJSON, nil
}

func (req IngestRequest) metadata() map[string]string {
	md := make(map[string]string, len(req.Metadata)+4)
	for k, v := range req.Metadata {
		md[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set(evidence.MetaTool, req.Tool)
	set(evidence.MetaCorrelationID, req.CorrelationID)
	set(evidence.MetaCategory, req.Category)
	set(evidence.MetaCollectedAt, req.CollectedAt)
	return md
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, r, "Malformed request body: "+err.Error())
		return
	}
	src, err := evidence.ParseSource(req.Source)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	payload, kind, err := req.payload()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	res, err := s.deps.Collector.Submit(r.Context(), collector.Request{
		Source:     src,
		Payload:    payload,
		Metadata:   req.metadata(),
		Kind:       kind,
		Supersedes: req.Supersedes,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, IngestResponse{
		ID:          res.Record.ID,
		PayloadHash: res.Record.PayloadHash,
		ControlIDs:  res.Record.ControlIDs,
		Replayed:    res.Replayed,
	})
}

// handleToolIngest accepts raw tool output. Query parameters other than
// correlation_id are passed through as metadata.
func (s *Server) handleToolIngest(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	adapter, ok := s.deps.Adapters.Get(tool)
	if !ok {
		WriteNotFound(w, r, fmt.Sprintf("No adapter for tool %q (known: %s)", tool, strings.Join(s.deps.Adapters.Tools(), ", ")))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, artifacts.MaxObjectSize))
	if err != nil {
		WriteError(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())
		return
	}

	in := adapters.Input{Payload: body, Metadata: map[string]string{}}
	for k, v := range r.URL.Query() {
		if len(v) == 0 {
			continue
		}
		if k == "correlation_id" {
			in.CorrelationID = v[0]
			continue
		}
		in.Metadata[k] = v[0]
	}

	ing := &replayTracker{c: s.deps.Collector}
	rec, err := adapter.Collect(r.Context(), ing, in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status := http.StatusCreated
	if ing.replayed() {
		status = http.StatusOK
	}
	writeJSON(w, status, IngestResponse{
		ID:          rec.ID,
		PayloadHash: rec.PayloadHash,
		ControlIDs:  rec.ControlIDs,
		Replayed:    ing.replayed(),
	})
}

// replayTracker notes whether every ingest an adapter made was a dedup
// replay.
type replayTracker struct {
	c       Collector
	calls   int
	replays int
}

func (t *replayTracker) Ingest(ctx context.Context, source evidence.Source, payload []byte, metadata map[string]string) (evidence.Record, error) {
	res, err := t.c.Submit(ctx, collector.Request{Source: source, Payload: payload, Metadata: metadata})
	if err != nil {
		return evidence.Record{}, err
	}
	t.calls++
	if res.Replayed {
		t.replays++
	}
	return res.Record, nil
}

func (t *replayTracker) replayed() bool { return t.calls > 0 && t.calls == t.replays }

// parseTime accepts RFC 3339 timestamps and bare dates.
func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is neither RFC 3339 nor YYYY-MM-DD", evidence.ErrInvalidPayload, raw)
	}
	return t, nil
}

func parseRange(r *http.Request) (query.DateRange, error) {
	q := r.URL.Query()
	var dr query.DateRange
	var err error
	if raw := q.Get("from"); raw != "" {
		if dr.From, err = parseTime(raw); err != nil {
			return dr, err
		}
	}
	if raw := q.Get("to"); raw != "" {
		if dr.To, err = parseTime(raw); err != nil {
			return dr, err
		}
	}
	return dr, dr.Validate()
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", evidence.ErrInvalidPayload, raw)
	}
	return b, nil
}

// QueryResponse lists the records for a control in a range.
type QueryResponse struct {
	ControlID string             `json:"control_id"`
	Range     query.DateRange    `json:"range"`
	Records   []evidence.Summary `json:"records"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	controlID := r.URL.Query().Get("control_id")
	if controlID == "" {
		WriteBadRequest(w, r, "control_id is required")
		return
	}
	dr, err := parseRange(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	strict, err := parseBool(r.URL.Query().Get("strict"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	recs, err := s.deps.Query.QueryByControl(r.Context(), controlID, dr, query.Options{Strict: strict})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := QueryResponse{ControlID: controlID, Range: dr, Records: make([]evidence.Summary, 0, len(recs))}
	for _, rec := range recs {
		resp.Records = append(resp.Records, rec.Summary())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Query.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	data, rec, err := s.deps.Query.Payload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	ct := "text/plain; charset=utf-8"
	if json.Valid(data) {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("X-Payload-Hash", rec.PayloadHash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// VerifyResponse reports an on-demand integrity check.
type VerifyResponse struct {
	Record evidence.Record `json:"record"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
}

func (s *Server) handleVerifyRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Query.VerifyRecord(r.Context(), chi.URLParam(r, "id"))
	var ie *evidence.IntegrityError
	switch {
	case errors.As(err, &ie):
		writeJSON(w, http.StatusOK, VerifyResponse{Record: rec, OK: false, Error: err.Error()})
	case err != nil:
		s.writeErr(w, r, err)
	default:
		writeJSON(w, http.StatusOK, VerifyResponse{Record: rec, OK: true})
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.Purger == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Deletion is not configured")
		return
	}
	if err := s.deps.Purger.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteness(w http.ResponseWriter, r *http.Request) {
	rep, err := s.completeness(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) completeness(r *http.Request) (query.CompletenessReport, error) {
	dr, err := parseRange(r)
	if err != nil {
		return query.CompletenessReport{}, err
	}
	cadence, err := query.ParseCadence(r.URL.Query().Get("cadence"))
	if err != nil {
		return query.CompletenessReport{}, err
	}
	return s.deps.Query.ValidateCompleteness(r.Context(), chi.URLParam(r, "id"), dr, cadence)
}

func contentType(f query.Format) string {
	switch f {
	case query.FormatCSV:
		return "text/csv; charset=utf-8"
	case query.FormatMarkdown:
		return "text/markdown; charset=utf-8"
	}
	return "application/json"
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, rep *query.Report) {
	format, err := query.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := query.RenderReport(&buf, format, rep); err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", contentType(format))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// handleControlReport renders the records and completeness of one control.
func (s *Server) handleControlReport(w http.ResponseWriter, r *http.Request) {
	controlID := chi.URLParam(r, "id")
	comp, err := s.completeness(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	strict, err := parseBool(r.URL.Query().Get("strict"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	recs, err := s.deps.Query.QueryByControl(r.Context(), controlID, comp.Range, query.Options{Strict: strict})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.render(w, r, &query.Report{
		GeneratedAt:  s.now().UTC(),
		ControlID:    controlID,
		Range:        comp.Range,
		Records:      recs,
		Completeness: &comp,
	})
}

func (s *Server) handleCoverageReport(w http.ResponseWriter, r *http.Request) {
	dr, err := parseRange(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	cov, err := s.deps.Query.CoverageStatistics(r.Context(), dr)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.render(w, r, &query.Report{GeneratedAt: s.now().UTC(), Range: cov.Range, Coverage: &cov})
}

func parseSeq(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a sequence number", evidence.ErrInvalidPayload, raw)
	}
	return n, nil
}

func seqRange(r *http.Request) (uint64, uint64, error) {
	from, err := parseSeq(r.URL.Query().Get("from"))
	if err != nil {
		return 0, 0, err
	}
	to, err := parseSeq(r.URL.Query().Get("to"))
	if err != nil {
		return 0, 0, err
	}
	if to != 0 && from > to {
		return 0, 0, fmt.Errorf("%w: from %d is after to %d", evidence.ErrInvalidPayload, from, to)
	}
	return from, to, nil
}

func (s *Server) handleManifestVerify(w http.ResponseWriter, r *http.Request) {
	from, to, err := seqRange(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	rep, err := s.deps.Chain.VerifyRange(r.Context(), from, to)
	switch {
	case errors.Is(err, evidence.ErrChainBroken):
		s.logger.ErrorContext(r.Context(), "manifest verification failed", "broken_at", rep.BrokenAt, "reason", rep.Reason)
		writeJSON(w, http.StatusConflict, rep)
	case err != nil:
		s.writeErr(w, r, err)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (s *Server) handleManifestExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signer == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "No export signing key configured")
		return
	}
	from, to, err := seqRange(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	bundle, err := s.deps.Chain.Export(r.Context(), from, to, s.deps.Signer)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="manifest-%s-%d-%d.json"`, bundle.Shard, bundle.From, bundle.To))
	writeJSON(w, http.StatusOK, bundle)
}

// ReloadResponse describes the mapping active after a reload.
type ReloadResponse struct {
	Version   string `json:"version"`
	Framework string `json:"framework"`
	Hash      string `json:"hash"`
	Controls  int    `json:"controls"`
}

func (s *Server) handleRegistryReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Control registry reload is not configured")
		return
	}
	snap, err := s.deps.Registry.Reload(r.Context())
	if err != nil {
		// The previous mapping stays active.
		WriteError(w, r, http.StatusUnprocessableEntity, "Reload Rejected", err.Error())
		return
	}
	s.logger.InfoContext(r.Context(), "control mapping reloaded via api", "version", snap.Version, "hash", snap.Hash)
	writeJSON(w, http.StatusOK, ReloadResponse{
		Version:   snap.Version,
		Framework: snap.Framework,
		Hash:      snap.Hash,
		Controls:  len(snap.Controls()),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Scheduler is not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Jobs.Statuses())
}

// HookResponse reports whether a triggered job started or was skipped
// because a run is already in flight.
type HookResponse struct {
	Job     string `json:"job"`
	Started bool   `json:"started"`
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Scheduler is not running")
		return
	}
	job := chi.URLParam(r, "job")
	started, err := s.deps.Jobs.Trigger(job)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, HookResponse{Job: job, Started: started})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Shard    string `json:"shard"`
	Sequence uint64 `json:"ledger_sequence"`
	HeadHash string `json:"ledger_head"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	head, err := s.deps.Ledger.Head(r.Context())
	if err != nil {
		s.logger.WarnContext(r.Context(), "health check failed", "error", err)
		WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Ledger is unreachable")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Shard:    head.Shard,
		Sequence: head.Sequence,
		HeadHash: head.Hash,
	})
}
