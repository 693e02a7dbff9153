package memory

import (
	"encoding/json"
	"time"
)

// Settings tunes the memory store. The zero value is not usable; start from
// DefaultSettings.
type Settings struct {
	SimilarityThreshold    float64       `json:"similarity_threshold"`
	MaxPerUser             int           `json:"max_per_user"`
	ConsolidationThreshold int           `json:"consolidation_threshold"`
	ClusterThreshold       float64       `json:"cluster_threshold"`
	ExpiryDays             int           `json:"expiry_days"`
	MinKeep                int           `json:"min_keep"`
	SearchLimit            int           `json:"search_limit"`
	RecentLimit            int           `json:"recent_limit"`
	MaintenanceInterval    time.Duration `json:"-"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		SimilarityThreshold:    0.85,
		MaxPerUser:             50,
		ConsolidationThreshold: 30,
		ClusterThreshold:       0.7,
		ExpiryDays:             90,
		MinKeep:                10,
		SearchLimit:            5,
		RecentLimit:            10,
		MaintenanceInterval:    24 * time.Hour,
	}
}

// ExpiryWindow is how long a memory may go unread before it becomes eligible
// for cleanup.
func (s Settings) ExpiryWindow() time.Duration {
	return time.Duration(s.ExpiryDays) * 24 * time.Hour
}

// MaxL2Distance converts a cosine-similarity threshold into the equivalent
// squared-L2 bound for unit vectors, for backends that only expose L2.
func MaxL2Distance(threshold float64) float64 {
	return 2 * (1 - threshold)
}

// ParseSettings merges a JSON document over DefaultSettings.
// Nil, empty or invalid input yields the defaults.
func ParseSettings(data []byte) Settings {
	s := DefaultSettings()
	if len(data) == 0 {
		return s
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return s
	}

	_ = json.Unmarshal(data, &s)
	return s
}
