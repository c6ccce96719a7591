package abuse

import (
	"sync"
	"time"
)

const (
	// rollingWindow bounds every hourly counter.
	rollingWindow = time.Hour
	// rateWindow bounds the per-minute request counters.
	rateWindow = time.Minute
)

type sample struct {
	at    time.Time
	score int64
	tx    int64
}

type identityRecord struct {
	samples    []sample // committed requests inside the rolling window
	totalScore int64    // session total, survives sample pruning
	requests   int64
	firstSeen  time.Time
	lastSeen   time.Time
}

type sourceRecord struct {
	hits []time.Time
	// inflight counts admitted requests that have not yet committed or
	// released. It holds their minute-window slots so concurrent requests
	// from different identities on one source cannot all pass the same
	// ceiling before any of them commits.
	inflight int
}

// Tracker counts committed submissions per identity and per source and
// answers admission checks against the configured ceilings. Counters only
// advance on Commit, so a rejected or failed request never penalizes a
// retry.
type Tracker struct {
	limits Limits

	mu         sync.Mutex
	identities map[string]*identityRecord
	sources    map[string]*sourceRecord
}

func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		limits:     limits,
		identities: make(map[string]*identityRecord),
		sources:    make(map[string]*sourceRecord),
	}
}

// Check applies the ceilings in order: source rate, identity rate,
// prospective hourly score and transaction sums, burst floor, then session
// velocity. It returns nil when the request may proceed. Prospective means
// the request's own score and txCount are added before comparing, so a
// request that would push the hour over its ceiling is rejected up front.
// A passing check reserves the source's minute-window slot; the caller
// settles the reservation with Commit on acceptance or Release on any
// later failure.
func (t *Tracker) Check(identity, source string, score, txCount int64, now time.Time) *Denial {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d := t.checkSourceLocked(source, now); d != nil {
		return d
	}

	rec := t.identities[identity]
	if rec == nil {
		rec = &identityRecord{}
	}
	rec.prune(now)

	if t.limits.IdentityRPM > 0 {
		inMinute := 0
		var oldest time.Time
		for _, s := range rec.samples {
			if now.Sub(s.at) < rateWindow {
				if inMinute == 0 {
					oldest = s.at
				}
				inMinute++
			}
		}
		if inMinute >= t.limits.IdentityRPM {
			return &Denial{Reason: ReasonIdentityRate, ResetAt: oldest.Add(rateWindow)}
		}
	}

	if t.limits.HourlyScore > 0 {
		hourScore, _ := rec.hourSums()
		if hourScore+score > t.limits.HourlyScore {
			return &Denial{Reason: ReasonHourlyScore, ResetAt: rec.windowReset(now)}
		}
	}
	if t.limits.HourlyTx > 0 {
		_, hourTx := rec.hourSums()
		if hourTx+txCount > t.limits.HourlyTx {
			return &Denial{Reason: ReasonHourlyTx, ResetAt: rec.windowReset(now)}
		}
	}

	if t.limits.MinGap > 0 && !rec.lastSeen.IsZero() {
		if gap := now.Sub(rec.lastSeen); gap < t.limits.MinGap {
			return &Denial{Reason: ReasonBurst, ResetAt: rec.lastSeen.Add(t.limits.MinGap)}
		}
	}

	if t.limits.ScorePerMinute > 0 && t.limits.MinSamples > 0 && rec.requests >= int64(t.limits.MinSamples) {
		minutes := now.Sub(rec.firstSeen).Minutes()
		if minutes < 1 {
			minutes = 1
		}
		if float64(rec.totalScore+score)/minutes > t.limits.ScorePerMinute {
			return &Denial{Reason: ReasonVelocity, ResetAt: now.Add(rateWindow)}
		}
	}

	t.reserveSourceLocked(source)
	return nil
}

func (t *Tracker) checkSourceLocked(source string, now time.Time) *Denial {
	if t.limits.SourceRPM <= 0 {
		return nil
	}
	src := t.sources[source]
	if src == nil {
		return nil
	}
	src.prune(now)
	if len(src.hits)+src.inflight >= t.limits.SourceRPM {
		reset := now.Add(rateWindow)
		if len(src.hits) > 0 {
			reset = src.hits[0].Add(rateWindow)
		}
		return &Denial{Reason: ReasonSourceRate, ResetAt: reset}
	}
	return nil
}

func (t *Tracker) reserveSourceLocked(source string) {
	if t.limits.SourceRPM <= 0 {
		return
	}
	src := t.sources[source]
	if src == nil {
		src = &sourceRecord{}
		t.sources[source] = src
	}
	src.inflight++
}

// Release frees the source slot a passing Check reserved. Call it when
// the request fails after admission and never reaches Commit.
func (t *Tracker) Release(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if src := t.sources[source]; src != nil && src.inflight > 0 {
		src.inflight--
	}
}

// Commit advances the counters for a fully accepted submission.
func (t *Tracker) Commit(identity, source string, score, txCount int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.identities[identity]
	if rec == nil {
		rec = &identityRecord{firstSeen: now}
		t.identities[identity] = rec
	}
	rec.prune(now)
	rec.samples = append(rec.samples, sample{at: now, score: score, tx: txCount})
	rec.totalScore += score
	rec.requests++
	rec.lastSeen = now

	src := t.sources[source]
	if src == nil {
		src = &sourceRecord{}
		t.sources[source] = src
	}
	src.prune(now)
	if src.inflight > 0 {
		src.inflight--
	}
	src.hits = append(src.hits, now)
}

// Snapshot reports the identity's current counters. A never-seen identity
// yields a zero snapshot with the identity filled in.
func (t *Tracker) Snapshot(identity string, now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{Identity: identity}
	rec := t.identities[identity]
	if rec == nil {
		return snap
	}
	rec.prune(now)
	snap.HourScore, snap.HourTx = rec.hourSums()
	snap.HourCount = len(rec.samples)
	snap.TotalScore = rec.totalScore
	snap.Requests = rec.requests
	snap.FirstSeen = rec.firstSeen
	snap.LastSeen = rec.lastSeen
	return snap
}

// Sweep drops records whose last activity predates the rolling window.
// Pruning inside Check and Commit keeps live records tight, so the sweep
// only has to collect fully idle entries.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	cutoff := now.Add(-rollingWindow)
	for id, rec := range t.identities {
		if rec.lastSeen.Before(cutoff) {
			delete(t.identities, id)
			removed++
		}
	}
	for addr, src := range t.sources {
		src.prune(now)
		if len(src.hits) == 0 && src.inflight == 0 {
			delete(t.sources, addr)
			removed++
		}
	}
	return removed
}

func (r *identityRecord) prune(now time.Time) {
	cutoff := now.Add(-rollingWindow)
	i := 0
	for i < len(r.samples) && r.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.samples = append(r.samples[:0], r.samples[i:]...)
	}
}

func (r *identityRecord) hourSums() (score, tx int64) {
	for _, s := range r.samples {
		score += s.score
		tx += s.tx
	}
	return score, tx
}

// windowReset reports when the oldest in-window sample falls out of the
// rolling hour, freeing headroom under the hourly ceilings.
func (r *identityRecord) windowReset(now time.Time) time.Time {
	if len(r.samples) == 0 {
		return now.Add(rollingWindow)
	}
	return r.samples[0].at.Add(rollingWindow)
}

func (s *sourceRecord) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(s.hits) && s.hits[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.hits = append(s.hits[:0], s.hits[i:]...)
	}
}
