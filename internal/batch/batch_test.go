package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCutoffDate_SubtractsRetentionAndBuffer(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	cutoff := CutoffDate(now, 90, 1)
	assert.Equal(t, time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC), cutoff)
}

func TestCutoffForQuery_TZAwarePassesThrough(t *testing.T) {
	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, cutoff, CutoffForQuery(cutoff, true))
}

func TestCutoffForQuery_NaiveKeepsClockValue(t *testing.T) {
	loc := time.FixedZone("TEST", -5*3600)
	cutoff := time.Date(2024, 1, 1, 10, 30, 0, 0, loc)
	got := CutoffForQuery(cutoff, false)
	assert.Equal(t, 10, got.Hour())
	assert.Equal(t, time.UTC, got.Location())
}
