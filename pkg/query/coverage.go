package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/attest/pkg/ledger"
)

// Coverage summarizes the evidence recorded in a range.
type Coverage struct {
	Range          DateRange      `json:"range"`
	Records        int            `json:"records"`
	ByControl      map[string]int `json:"by_control"`
	BySource       map[string]int `json:"by_source"`
	ByTool         map[string]int `json:"by_tool"`
	Correlations   int            `json:"distinct_correlation_ids"`
	Superseded     int            `json:"superseded"`
	Archived       int            `json:"archived"`
	Uncovered      []string       `json:"uncovered_controls,omitempty"`
	RegistryReload int            `json:"registry_reloads"`
}

// CoverageStatistics counts ingest entries collected within r by control,
// source and tool. When the service knows the active mapping, controls with
// no evidence in r are listed as uncovered.
func (s *Service) CoverageStatistics(ctx context.Context, r DateRange) (Coverage, error) {
	if err := r.Validate(); err != nil {
		return Coverage{}, err
	}
	entries, err := s.ledger.Range(ctx, 0, 0)
	if err != nil {
		return Coverage{}, fmt.Errorf("read ledger: %w", err)
	}

	cov := Coverage{
		Range:     DateRange{From: r.From.UTC(), To: r.To.UTC()},
		ByControl: map[string]int{},
		BySource:  map[string]int{},
		ByTool:    map[string]int{},
	}
	inRange := map[string]bool{}
	correlations := map[string]struct{}{}
	for _, e := range entries {
		switch e.Kind {
		case ledger.KindIngest:
			if !r.Contains(e.CollectedAt) {
				continue
			}
			inRange[e.ID] = true
			cov.Records++
			cov.BySource[string(e.Source)]++
			if e.Tool != "" {
				cov.ByTool[e.Tool]++
			}
			for _, c := range e.ControlIDs {
				cov.ByControl[c]++
			}
			correlations[string(e.Source)+"|"+e.CorrelationID] = struct{}{}
			if e.Supersedes != "" && inRange[e.Supersedes] {
				cov.Superseded++
			}
		case ledger.KindArchive:
			if inRange[e.Subject] {
				cov.Archived++
			}
		case ledger.KindRegistryReload:
			if r.Contains(e.Timestamp) {
				cov.RegistryReload++
			}
		}
	}
	cov.Correlations = len(correlations)

	if s.controls != nil {
		if set := s.controls(); set != nil {
			for _, c := range set.Controls() {
				if cov.ByControl[c] == 0 {
					cov.Uncovered = append(cov.Uncovered, c)
				}
			}
			sort.Strings(cov.Uncovered)
		}
	}
	return cov, nil
}
