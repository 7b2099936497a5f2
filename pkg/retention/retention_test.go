package retention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

func TestClassForEverySource(t *testing.T) {
	p := &Policy{}
	for _, src := range evidence.Sources() {
		_, err := p.ClassFor(src)
		require.NoError(t, err, "source %s has no retention class", src)
	}
}

func TestComplianceIsSevenYears(t *testing.T) {
	assert.Equal(t, 2555*24*time.Hour, ClassCompliance.Duration())
}

func TestRetainUntilUsesOverride(t *testing.T) {
	p, err := NewPolicy(map[evidence.Source]time.Duration{
		evidence.SourceSAST: 2 * 365 * 24 * time.Hour,
	})
	require.NoError(t, err)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, at.Add(730*24*time.Hour), p.RetainUntil(evidence.SourceSAST, at))
	assert.Equal(t, at.Add(ClassExtended.Duration()), p.RetainUntil(evidence.SourceAccessLog, at))
}

func TestNewPolicyRejectsShorterOverride(t *testing.T) {
	_, err := NewPolicy(map[evidence.Source]time.Duration{
		evidence.SourceSBOM: 24 * time.Hour,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shorter than class")
}

func TestTierAt(t *testing.T) {
	d := 24 * time.Hour
	assert.Equal(t, TierHot, TierAt(ClassStandard, 10*d))
	assert.Equal(t, TierWarm, TierAt(ClassStandard, 30*d))
	assert.Equal(t, TierWarm, TierAt(ClassStandard, 179*d))
	assert.Equal(t, TierCold, TierAt(ClassStandard, 180*d))
	assert.Equal(t, TierCold, TierAt(ClassShort, 90*d))
	assert.Equal(t, TierWarm, TierAt(ClassCompliance, 364*d))
}

func TestParseClass(t *testing.T) {
	c, err := ParseClass("extended")
	require.NoError(t, err)
	assert.Equal(t, ClassExtended, c)

	_, err = ParseClass("forever")
	assert.Error(t, err)
}
