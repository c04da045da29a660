package main

import (
	"time"

	"github.com/matst80/udpmask/internal/relay"
)

type statsSource interface {
	Stats() relay.Stats
}

// Stats is the /api/state payload.
type Stats struct {
	relay.Stats
	Now string `json:"now"`
}

func collectStats(s statsSource) Stats {
	return Stats{Stats: s.Stats(), Now: time.Now().UTC().Format(time.RFC3339)}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Active":      s.ActiveFlows,
		"Capacity":    s.Capacity,
		"Opened":      s.FlowsOpened,
		"Evicted":     s.FlowsEvicted,
		"PacketsUp":   s.PacketsUp,
		"PacketsDown": s.PacketsDown,
		"BytesUp":     s.BytesUp,
		"BytesDown":   s.BytesDown,
		"Drops":       s.Drops,
	}
}
