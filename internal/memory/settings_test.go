package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseSettings_Nil(t *testing.T) {
	s := ParseSettings(nil)
	assert.Equal(t, 0.85, s.SimilarityThreshold)
	assert.Equal(t, 50, s.MaxPerUser)
	assert.Equal(t, 30, s.ConsolidationThreshold)
	assert.Equal(t, 0.7, s.ClusterThreshold)
	assert.Equal(t, 90, s.ExpiryDays)
	assert.Equal(t, 10, s.MinKeep)
	assert.Equal(t, 24*time.Hour, s.MaintenanceInterval)
}

func TestParseSettings_EmptyObject(t *testing.T) {
	assert.Equal(t, DefaultSettings(), ParseSettings([]byte(`{}`)))
}

func TestParseSettings_InvalidJSON(t *testing.T) {
	assert.Equal(t, DefaultSettings(), ParseSettings([]byte(`not json`)))
}

func TestParseSettings_Partial(t *testing.T) {
	s := ParseSettings([]byte(`{"max_per_user": 100, "expiry_days": 30}`))
	assert.Equal(t, 100, s.MaxPerUser)
	assert.Equal(t, 30, s.ExpiryDays)
	assert.Equal(t, 0.85, s.SimilarityThreshold)
	assert.Equal(t, 10, s.MinKeep)
}

func TestSettings_ExpiryWindow(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 90*24*time.Hour, s.ExpiryWindow())
}

func TestMaxL2Distance(t *testing.T) {
	assert.InDelta(t, 0.3, MaxL2Distance(0.85), 1e-9)
	assert.InDelta(t, 0.0, MaxL2Distance(1), 1e-9)
}
