// Package retention defines evidence retention classes, the fixed mapping from
// evidence source to class, and the age-based storage tier policy.
package retention

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

// Class is a policy bucket determining the minimum storage duration.
type Class string

const (
	ClassShort      Class = "short"
	ClassStandard   Class = "standard"
	ClassExtended   Class = "extended"
	ClassCompliance Class = "compliance"
)

const day = 24 * time.Hour

// Durations per class. Compliance is the 2555-day (7 year) period the
// collectors have always applied.
var durations = map[Class]time.Duration{
	ClassShort:      90 * day,
	ClassStandard:   365 * day,
	ClassExtended:   1095 * day,
	ClassCompliance: 2555 * day,
}

// Cold-tier thresholds per class. Warm always starts at 30 days.
var coldAfter = map[Class]time.Duration{
	ClassShort:      90 * day,
	ClassStandard:   180 * day,
	ClassExtended:   365 * day,
	ClassCompliance: 365 * day,
}

// WarmAfter is the age at which every class leaves the hot tier.
const WarmAfter = 30 * day

var sourceClasses = map[evidence.Source]Class{
	evidence.SourceSAST:            ClassStandard,
	evidence.SourceContainerScan:   ClassStandard,
	evidence.SourceIaCPolicy:       ClassStandard,
	evidence.SourceDAST:            ClassStandard,
	evidence.SourceSBOM:            ClassCompliance,
	evidence.SourceApplyLog:        ClassCompliance,
	evidence.SourcePRApproval:      ClassCompliance,
	evidence.SourceAccessLog:       ClassExtended,
	evidence.SourceAssetInventory:  ClassShort,
	evidence.SourcePolicyException: ClassCompliance,
}

// ParseClass validates a raw class name.
func ParseClass(raw string) (Class, error) {
	c := Class(raw)
	if _, ok := durations[c]; !ok {
		return "", fmt.Errorf("unknown retention class %q", raw)
	}
	return c, nil
}

// Duration returns the minimum retention for the class.
func (c Class) Duration() time.Duration {
	return durations[c]
}

// ColdAfter returns the age at which objects of the class move to cold.
func (c Class) ColdAfter() time.Duration {
	return coldAfter[c]
}

// Classes returns every class from shortest to longest retention.
func Classes() []Class {
	return []Class{ClassShort, ClassStandard, ClassExtended, ClassCompliance}
}

// Tier is the storage tier an object currently lives in.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Policy resolves classes and deadlines, applying per-source overrides.
// A zero Policy uses the fixed tables only.
type Policy struct {
	Overrides map[evidence.Source]time.Duration
}

// NewPolicy validates overrides: an override may lengthen retention, never
// shorten it below the class minimum.
func NewPolicy(overrides map[evidence.Source]time.Duration) (*Policy, error) {
	for src, d := range overrides {
		cls, ok := sourceClasses[src]
		if !ok {
			return nil, fmt.Errorf("retention override for unknown source %q", src)
		}
		if d < cls.Duration() {
			return nil, fmt.Errorf("retention override for %s (%s) is shorter than class %s minimum (%s)",
				src, d, cls, cls.Duration())
		}
	}
	return &Policy{Overrides: overrides}, nil
}

// ClassFor returns the fixed retention class for a source.
func (p *Policy) ClassFor(src evidence.Source) (Class, error) {
	cls, ok := sourceClasses[src]
	if !ok {
		return "", fmt.Errorf("%w: no retention class for source %q", evidence.ErrInvalidPayload, src)
	}
	return cls, nil
}

// DurationFor returns the effective retention for a source, override included.
func (p *Policy) DurationFor(src evidence.Source) time.Duration {
	if p != nil {
		if d, ok := p.Overrides[src]; ok {
			return d
		}
	}
	return sourceClasses[src].Duration()
}

// RetainUntil is the earliest instant at which deletion is permitted.
func (p *Policy) RetainUntil(src evidence.Source, collectedAt time.Time) time.Time {
	return collectedAt.UTC().Add(p.DurationFor(src))
}

// TierAt returns the tier an object of the given class should occupy at age.
func TierAt(c Class, age time.Duration) Tier {
	switch {
	case age >= coldAfter[c]:
		return TierCold
	case age >= WarmAfter:
		return TierWarm
	default:
		return TierHot
	}
}
