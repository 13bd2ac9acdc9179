// Package distribution models the monthly findertoken allotment.
package distribution

import "time"

// Record marks that a finder received the monthly allotment for a calendar
// month. The (FinderID, Year, Month) key is unique: it is what makes re-running
// a distribution batch safe.
type Record struct {
	FinderID      string    `json:"finder_id"`
	Year          int       `json:"year"`
	Month         int       `json:"month"`
	TokensGranted int64     `json:"tokens_granted"`
	DistributedAt time.Time `json:"distributed_at"`
}

// Result summarizes one distribution run for observability.
type Result struct {
	Year               int      `json:"year"`
	Month              int      `json:"month"`
	Distributed        int      `json:"distributed"`
	AlreadyDistributed int      `json:"already_distributed"`
	Failed             []string `json:"failed,omitempty"`
}
