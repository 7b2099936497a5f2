// Package client provides a typed Go client for the attest evidence API.
// CI pipelines use it to push tool output to a running attestd.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/api"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/ledger"
	"github.com/Mindburn-Labs/attest/pkg/query"
)

// APIError is returned when the API responds with a non-2xx status. It
// unwraps to the evidence sentinel matching the status, so callers can use
// errors.Is(err, evidence.ErrRetentionLocked) across the wire.
type APIError struct {
	Status  int
	Title   string
	Detail  string
	TraceID string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("attest api %d: %s", e.Status, e.Title)
	}
	return fmt.Sprintf("attest api %d: %s: %s", e.Status, e.Title, e.Detail)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return evidence.ErrInvalidPayload
	case http.StatusUnprocessableEntity:
		return evidence.ErrUnmappedSource
	case http.StatusNotFound:
		return evidence.ErrNotFound
	case http.StatusLocked:
		return evidence.ErrRetentionLocked
	case http.StatusConflict:
		if strings.Contains(e.Title, "Chain") {
			return evidence.ErrChainBroken
		}
		return evidence.ErrIntegrityViolation
	case http.StatusServiceUnavailable:
		return evidence.ErrStoreUnavailable
	case http.StatusGatewayTimeout:
		return evidence.ErrTimeout
	}
	return nil
}

// Client is a typed client for the attest API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

// send performs req and returns the response for 2xx statuses. Anything
// else is decoded into an *APIError and the body is closed.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	var problem api.ProblemDetail
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&problem); err == nil && problem.Title != "" {
		apiErr.Title = problem.Title
		apiErr.Detail = problem.Detail
		apiErr.TraceID = problem.TraceID
	}
	return apiErr
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, method, path, reader, contentType)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Ingest calls POST /evidence. A replayed ingest reports Replayed.
func (c *Client) Ingest(ctx context.Context, req api.IngestRequest) (api.IngestResponse, error) {
	var out api.IngestResponse
	err := c.do(ctx, http.MethodPost, "/evidence", req, &out)
	return out, err
}

// IngestTool calls POST /evidence/tools/{tool} with raw tool output.
// Metadata is sent as query parameters.
func (c *Client) IngestTool(ctx context.Context, tool string, payload []byte, correlationID string, metadata map[string]string) (api.IngestResponse, error) {
	q := url.Values{}
	for k, v := range metadata {
		q.Set(k, v)
	}
	if correlationID != "" {
		q.Set("correlation_id", correlationID)
	}
	path := "/evidence/tools/" + url.PathEscape(tool)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload), "application/octet-stream")
	if err != nil {
		return api.IngestResponse{}, err
	}
	resp, err := c.send(req)
	if err != nil {
		return api.IngestResponse{}, err
	}
	defer resp.Body.Close()
	var out api.IngestResponse
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

// Record calls GET /evidence/{id}.
func (c *Client) Record(ctx context.Context, id string) (evidence.Record, error) {
	var out evidence.Record
	err := c.do(ctx, http.MethodGet, "/evidence/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Payload calls GET /evidence/{id}/payload and returns the canonical bytes.
func (c *Client) Payload(ctx context.Context, id string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/evidence/"+url.PathEscape(id)+"/payload", nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// VerifyRecord calls GET /evidence/{id}/verify. A corrupt record is not an
// error: the response has OK false.
func (c *Client) VerifyRecord(ctx context.Context, id string) (api.VerifyResponse, error) {
	var out api.VerifyResponse
	err := c.do(ctx, http.MethodGet, "/evidence/"+url.PathEscape(id)+"/verify", nil, &out)
	return out, err
}

// Delete calls DELETE /evidence/{id}.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/evidence/"+url.PathEscape(id), nil, nil)
}

func rangeValues(r query.DateRange) url.Values {
	q := url.Values{}
	if !r.From.IsZero() {
		q.Set("from", r.From.UTC().Format(time.RFC3339Nano))
	}
	if !r.To.IsZero() {
		q.Set("to", r.To.UTC().Format(time.RFC3339Nano))
	}
	return q
}

// Query calls GET /evidence?control_id=...
func (c *Client) Query(ctx context.Context, controlID string, r query.DateRange, strict bool) (api.QueryResponse, error) {
	q := rangeValues(r)
	q.Set("control_id", controlID)
	if strict {
		q.Set("strict", "true")
	}
	var out api.QueryResponse
	err := c.do(ctx, http.MethodGet, "/evidence?"+q.Encode(), nil, &out)
	return out, err
}

// Completeness calls GET /controls/{id}/completeness.
func (c *Client) Completeness(ctx context.Context, controlID string, r query.DateRange, cadence query.Cadence) (query.CompletenessReport, error) {
	q := rangeValues(r)
	if cadence != "" {
		q.Set("cadence", string(cadence))
	}
	var out query.CompletenessReport
	err := c.do(ctx, http.MethodGet, "/controls/"+url.PathEscape(controlID)+"/completeness?"+q.Encode(), nil, &out)
	return out, err
}

func seqValues(from, to uint64) string {
	q := url.Values{}
	if from != 0 {
		q.Set("from", strconv.FormatUint(from, 10))
	}
	if to != 0 {
		q.Set("to", strconv.FormatUint(to, 10))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Export calls GET /manifest/export. Zero bounds mean the whole shard.
func (c *Client) Export(ctx context.Context, from, to uint64) (*ledger.ExportBundle, error) {
	var out ledger.ExportBundle
	if err := c.do(ctx, http.MethodGet, "/manifest/export"+seqValues(from, to), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyManifest calls GET /manifest/verify. A broken chain returns the
// report together with a *evidence.ChainBrokenError.
func (c *Client) VerifyManifest(ctx context.Context, from, to uint64) (ledger.VerificationReport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/manifest/verify"+seqValues(from, to), nil, "")
	if err != nil {
		return ledger.VerificationReport{}, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return ledger.VerificationReport{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return ledger.VerificationReport{}, decodeError(resp)
	}

	var rep ledger.VerificationReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return rep, err
	}
	if !rep.OK {
		return rep, &evidence.ChainBrokenError{Shard: rep.Shard, Sequence: rep.BrokenAt, Reason: rep.Reason}
	}
	return rep, nil
}

// ReloadRegistry calls POST /admin/registry/reload.
func (c *Client) ReloadRegistry(ctx context.Context) (api.ReloadResponse, error) {
	var out api.ReloadResponse
	err := c.do(ctx, http.MethodPost, "/admin/registry/reload", nil, &out)
	return out, err
}

// Trigger calls POST /hooks/{job}.
func (c *Client) Trigger(ctx context.Context, job string) (api.HookResponse, error) {
	var out api.HookResponse
	err := c.do(ctx, http.MethodPost, "/hooks/"+url.PathEscape(job), nil, &out)
	return out, err
}

// Health calls GET /health. An unhealthy server returns an *APIError.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
