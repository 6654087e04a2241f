// Package keypool spreads outbound imagery requests across many provider
// API keys, grouped account -> project -> key, each with its own daily
// quota. Quota consumption is counted at dispatch time so concurrent
// workers can never over-subscribe a key.
package keypool

import (
	"fmt"
	"time"
)

// Credential is one provider API key with its quota window. used_today
// resets on a rolling 24h boundary per key, not at wall-clock midnight, so
// a large pool does not reset in one thundering herd.
type Credential struct {
	ID         int64     `json:"id"`
	AccountID  string    `json:"accountId"`
	ProjectID  string    `json:"projectId"`
	Key        string    `json:"-"`
	DailyQuota int64     `json:"dailyQuota"`
	UsedToday  int64     `json:"usedToday"`
	ResetAt    time.Time `json:"resetAt"`
}

// Exhausted reports whether the credential has no remaining quota at t.
func (c Credential) Exhausted(t time.Time) bool {
	return c.UsedToday >= c.DailyQuota && c.ResetAt.After(t)
}

// QuotaExhaustedError signals that every credential in the pool is spent for
// the current window. NextReset is the earliest moment any key frees up.
type QuotaExhaustedError struct {
	NextReset time.Time
}

func (e *QuotaExhaustedError) Error() string {
	if e.NextReset.IsZero() {
		return "credential pool exhausted: no credentials configured"
	}
	return fmt.Sprintf("credential pool exhausted until %s", e.NextReset.Format(time.RFC3339))
}

// Capacity is the read-only summary consumed by the administrative view.
type Capacity struct {
	Accounts      int   `json:"totalAccounts"`
	Projects      int   `json:"totalProjects"`
	Keys          int   `json:"totalKeys"`
	DailyCapacity int64 `json:"dailyCapacity"`
	Remaining     int64 `json:"remaining"`
}

// EstimateHours projects how long acquiring targetImages will take at the
// pool's aggregate daily throughput. ok is false when the pool has no
// capacity at all, in which case the projection is undefined.
func (c Capacity) EstimateHours(targetImages int64) (hours float64, ok bool) {
	if c.DailyCapacity <= 0 {
		return 0, false
	}
	if targetImages <= 0 {
		return 0, true
	}
	return float64(targetImages) / (float64(c.DailyCapacity) / 24.0), true
}
