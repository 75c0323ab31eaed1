// Package state records pending attempts and established pairs for the
// dashboard and readiness endpoints. It holds no sockets; the proxy keeps
// those itself.
package state

import (
	"sort"
	"time"
)

// PendingInfo describes an accepted client whose remote dial is outstanding.
type PendingInfo struct {
	ID       string    `json:"id"`
	Client   string    `json:"client"`
	Listener string    `json:"listener"`
	Created  time.Time `json:"created"`
}

// PairInfo describes an established client/remote pair.
type PairInfo struct {
	ID     string    `json:"id"`
	Client string    `json:"client"` // client -> local label
	Remote string    `json:"remote"` // local -> remote label
	Since  time.Time `json:"since"`
}

// Stats is a point-in-time summary.
type Stats struct {
	Pending      int   `json:"pending"`
	Active       int   `json:"active"`
	TotalPairs   int64 `json:"total_pairs"`
	DialFailures int64 `json:"dial_failures"`
}

// Store abstracts bookkeeping so several proxy instances can share totals.
type Store interface {
	TrackPending(p PendingInfo)
	// DropPending forgets a pending attempt and reports whether it was known.
	DropPending(id string) bool
	// RegisterPair moves a pending attempt to the established set.
	RegisterPair(p PairInfo) error
	RemovePair(id string)
	RecordDialFailure()
	SetReady(ready bool)
	SetClosing(closing bool)
	IsReady() bool
	IsClosing() bool
	Stats() Stats
	// Pairs lists the pairs relayed by this process, oldest first.
	Pairs() []PairInfo
	Close() error
}

func sortedPairs(m map[string]PairInfo) []PairInfo {
	out := make([]PairInfo, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].ID < out[j].ID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}
