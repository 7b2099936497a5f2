package query

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

// DateRange is the half-open interval [From, To).
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate rejects empty and inverted ranges.
func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("%w: date range needs both from and to", evidence.ErrInvalidPayload)
	}
	if !r.From.Before(r.To) {
		return fmt.Errorf("%w: date range from %s is not before to %s",
			evidence.ErrInvalidPayload, r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls inside r.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

func (r DateRange) String() string {
	return r.From.UTC().Format(time.RFC3339) + "/" + r.To.UTC().Format(time.RFC3339)
}

// Cadence is how often a control expects fresh evidence.
type Cadence string

const (
	Daily   Cadence = "daily"
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
)

// ParseCadence validates raw. Empty means daily.
func ParseCadence(raw string) (Cadence, error) {
	switch c := Cadence(raw); c {
	case "":
		return Daily, nil
	case Daily, Weekly, Monthly:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown cadence %q", evidence.ErrInvalidPayload, raw)
}

// periodStart aligns t to the start of its period in UTC. Weeks start on
// Monday.
func (c Cadence) periodStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch c {
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return day
}

func (c Cadence) next(start time.Time) time.Time {
	switch c {
	case Weekly:
		return start.AddDate(0, 0, 7)
	case Monthly:
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}

// Periods splits r into cadence periods, clipping the first and last to r.
func (c Cadence) Periods(r DateRange) []DateRange {
	var out []DateRange
	for start := c.periodStart(r.From); start.Before(r.To); start = c.next(start) {
		p := DateRange{From: start, To: c.next(start)}
		if p.From.Before(r.From) {
			p.From = r.From.UTC()
		}
		if p.To.After(r.To) {
			p.To = r.To.UTC()
		}
		out = append(out, p)
	}
	return out
}

// CompletenessReport says whether every period of a range has evidence.
type CompletenessReport struct {
	ControlID string      `json:"control_id"`
	Range     DateRange   `json:"range"`
	Cadence   Cadence     `json:"cadence"`
	Periods   int         `json:"periods"`
	Covered   int         `json:"covered"`
	Complete  bool        `json:"complete"`
	Gaps      []DateRange `json:"gaps"`
	// Records counts the evidence found, superseded and archived included.
	Records int `json:"records"`
}

// Coverage is the fraction of periods with evidence.
func (r CompletenessReport) Coverage() float64 {
	if r.Periods == 0 {
		return 0
	}
	return float64(r.Covered) / float64(r.Periods)
}

// ValidateCompleteness checks that controlID has at least one record in
// every cadence period of r. Adjacent empty periods are reported as a single
// gap.
func (s *Service) ValidateCompleteness(ctx context.Context, controlID string, r DateRange, c Cadence) (CompletenessReport, error) {
	if err := r.Validate(); err != nil {
		return CompletenessReport{}, err
	}
	if c == "" {
		c = Daily
	}
	if _, err := ParseCadence(string(c)); err != nil {
		return CompletenessReport{}, err
	}
	if s.controls != nil {
		if set := s.controls(); set != nil && !slices.Contains(set.Controls(), controlID) {
			return CompletenessReport{}, fmt.Errorf("%w: control %s is not in the active mapping", evidence.ErrNotFound, controlID)
		}
	}

	entries, err := s.ledger.ByControl(ctx, controlID, r.From, r.To)
	if err != nil {
		return CompletenessReport{}, fmt.Errorf("query ledger for %s: %w", controlID, err)
	}

	periods := c.Periods(r)
	covered := make([]bool, len(periods))
	for _, e := range entries {
		i, ok := slices.BinarySearchFunc(periods, e.CollectedAt, func(p DateRange, t time.Time) int {
			switch {
			case t.Before(p.From):
				return 1
			case !t.Before(p.To):
				return -1
			}
			return 0
		})
		if ok {
			covered[i] = true
		}
	}

	rep := CompletenessReport{
		ControlID: controlID,
		Range:     DateRange{From: r.From.UTC(), To: r.To.UTC()},
		Cadence:   c,
		Periods:   len(periods),
		Gaps:      []DateRange{},
		Records:   len(entries),
	}
	for i, p := range periods {
		if covered[i] {
			rep.Covered++
			continue
		}
		if n := len(rep.Gaps); n > 0 && rep.Gaps[n-1].To.Equal(p.From) {
			rep.Gaps[n-1].To = p.To
			continue
		}
		rep.Gaps = append(rep.Gaps, p)
	}
	rep.Complete = len(rep.Gaps) == 0
	s.logger.DebugContext(ctx, "completeness validated", "control_id", controlID, "cadence", c,
		"periods", rep.Periods, "covered", rep.Covered, "gaps", len(rep.Gaps))
	return rep, nil
}
