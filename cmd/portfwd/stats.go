package main

import (
	"time"

	"github.com/matst80/portfwd/internal/state"
)

// Stats represents current proxy stats for the state API.
type Stats struct {
	state.Stats
	Pairs []state.PairInfo `json:"pairs"`
	Now   string           `json:"now"`
}

func collectStats(s state.Store) Stats {
	return Stats{Stats: s.Stats(), Pairs: s.Pairs(), Now: time.Now().UTC().Format(time.RFC3339)}
}
