// Package abuse applies layered rate and quantity ceilings to score
// submissions: per-source and per-identity request rates, rolling-hour
// score and transaction sums, a burst floor, and a session-velocity
// check for steady-state farming.
package abuse

import "time"

// Deny reasons reported to callers. Each maps to a 429 with a reset time.
const (
	ReasonSourceRate   = "source_rate"
	ReasonIdentityRate = "identity_rate"
	ReasonHourlyScore  = "hourly_score"
	ReasonHourlyTx     = "hourly_tx"
	ReasonBurst        = "burst"
	ReasonVelocity     = "velocity"
)

// Denial describes which ceiling a request hit and when the caller may retry.
type Denial struct {
	Reason  string    `json:"reason"`
	ResetAt time.Time `json:"resetAt"`
}

// Limits holds every ceiling the tracker enforces. Zero values disable the
// corresponding check.
type Limits struct {
	// SourceRPM caps committed requests per source address per minute.
	SourceRPM int
	// IdentityRPM caps committed requests per identity per minute.
	IdentityRPM int
	// HourlyScore caps the rolling-hour score sum per identity.
	HourlyScore int64
	// HourlyTx caps the rolling-hour transaction-count sum per identity.
	HourlyTx int64
	// MinGap is the minimum interval between two requests from one identity.
	MinGap time.Duration
	// ScorePerMinute caps the average score rate over the identity's
	// session, checked once MinSamples requests have been committed.
	ScorePerMinute float64
	// MinSamples is the number of committed requests required before the
	// velocity check applies.
	MinSamples int
}

// Snapshot is the point-in-time view of one identity's counters, returned
// with accepted submissions and from the admin inspection endpoint.
type Snapshot struct {
	Identity   string    `json:"identity"`
	HourScore  int64     `json:"hourScore"`
	HourTx     int64     `json:"hourTx"`
	HourCount  int       `json:"hourCount"`
	TotalScore int64     `json:"totalScore"`
	Requests   int64     `json:"requests"`
	FirstSeen  time.Time `json:"firstSeen,omitzero"`
	LastSeen   time.Time `json:"lastSeen,omitzero"`
}
