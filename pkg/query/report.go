package query

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

// Format selects a report rendering.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatCSV      Format = "csv"
)

// ParseFormat validates raw. Empty means JSON; "md" is accepted.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(raw) {
	case "", "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: unknown report format %q", evidence.ErrInvalidPayload, raw)
}

// Report bundles query results for an auditor. Any part may be empty.
type Report struct {
	GeneratedAt  time.Time           `json:"generated_at"`
	ControlID    string              `json:"control_id,omitempty"`
	Range        DateRange           `json:"range"`
	Records      []evidence.Record   `json:"records"`
	Completeness *CompletenessReport `json:"completeness,omitempty"`
	Coverage     *Coverage           `json:"coverage,omitempty"`
}

var csvHeader = []string{
	"id", "source", "category", "tool", "correlation_id", "collected_at", "control_ids",
	"payload_hash", "retention_class", "integrity_state", "superseded_by", "archived", "sequence",
}

// RenderReport writes r to w. CSV carries only the records.
func RenderReport(w io.Writer, f Format, r *Report) error {
	switch f {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatCSV:
		return renderCSV(w, r)
	case FormatMarkdown:
		return renderMarkdown(w, r)
	}
	return fmt.Errorf("%w: unknown report format %q", evidence.ErrInvalidPayload, f)
}

func renderCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range r.Records {
		row := []string{
			rec.ID, string(rec.Source), rec.Category, rec.Tool, rec.CorrelationID,
			rec.CollectedAt.UTC().Format(time.RFC3339), strings.Join(rec.ControlIDs, ";"),
			rec.PayloadHash, rec.RetentionClass, string(rec.IntegrityState), rec.SupersededBy,
			strconv.FormatBool(rec.Archived), strconv.FormatUint(rec.Sequence, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// mdEscape keeps table cells on one line and pipes literal.
func mdEscape(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func renderMarkdown(w io.Writer, r *Report) error {
	var b strings.Builder
	title := "Evidence report"
	if r.ControlID != "" {
		title += " for " + r.ControlID
	}
	fmt.Fprintf(&b, "# %s\n\n", mdEscape(title))
	fmt.Fprintf(&b, "- Generated: %s\n", r.GeneratedAt.UTC().Format(time.RFC3339))
	if !r.Range.From.IsZero() {
		fmt.Fprintf(&b, "- Period: %s to %s\n", r.Range.From.UTC().Format(time.RFC3339), r.Range.To.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")

	if c := r.Completeness; c != nil {
		status := "complete"
		if !c.Complete {
			status = "INCOMPLETE"
		}
		fmt.Fprintf(&b, "## Completeness (%s)\n\n", c.Cadence)
		fmt.Fprintf(&b, "%d of %d periods covered (%.1f%%), %s.\n\n", c.Covered, c.Periods, 100*c.Coverage(), status)
		if len(c.Gaps) > 0 {
			b.WriteString("| Gap from | Gap to |\n|---|---|\n")
			for _, g := range c.Gaps {
				fmt.Fprintf(&b, "| %s | %s |\n", g.From.Format(time.RFC3339), g.To.Format(time.RFC3339))
			}
			b.WriteString("\n")
		}
	}

	if c := r.Coverage; c != nil {
		fmt.Fprintf(&b, "## Coverage\n\n%d records, %d distinct correlation ids, %d superseded, %d archived.\n\n",
			c.Records, c.Correlations, c.Superseded, c.Archived)
		writeCounts(&b, "Control", c.ByControl)
		writeCounts(&b, "Source", c.BySource)
		writeCounts(&b, "Tool", c.ByTool)
		if len(c.Uncovered) > 0 {
			fmt.Fprintf(&b, "Controls without evidence: %s\n\n", mdEscape(strings.Join(c.Uncovered, ", ")))
		}
	}

	if len(r.Records) > 0 {
		b.WriteString("## Records\n\n")
		b.WriteString("| Seq | ID | Source | Tool | Collected | Controls | Integrity | Notes |\n")
		b.WriteString("|---|---|---|---|---|---|---|---|\n")
		for _, rec := range r.Records {
			var notes []string
			if rec.SupersededBy != "" {
				notes = append(notes, "superseded by "+rec.SupersededBy)
			}
			if rec.Archived {
				notes = append(notes, "archived")
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %s | %s | %s |\n",
				rec.Sequence, rec.ID, rec.Source, mdEscape(rec.Tool),
				rec.CollectedAt.UTC().Format(time.RFC3339), strings.Join(rec.ControlIDs, ", "),
				rec.IntegrityState, strings.Join(notes, "; "))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeCounts(b *strings.Builder, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "| %s | Records |\n|---|---|\n", label)
	for _, k := range keys {
		fmt.Fprintf(b, "| %s | %d |\n", mdEscape(k), counts[k])
	}
	b.WriteString("\n")
}
