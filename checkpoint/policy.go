// Package checkpoint implements the pure commit-timing policy and the
// commit execution of spec §4.G: deciding when to flush and commit, and
// computing what to commit in flushful vs. flushless mode. Grounded on the
// interval/force-flag clock shape the teacher uses for its pipeline runner
// commit loop (_examples/mohsanabbas-quanta/internal/pipeline/runner.go).
package checkpoint

import "time"

// Policy decides, given the current time and an optional force flag,
// whether a commit should run now. It holds no knowledge of how a commit
// is actually performed; that's Commit's job.
type Policy struct {
	interval   time.Duration
	lastCommit time.Time
}

// NewPolicy returns a Policy that fires every interval, measured from now.
func NewPolicy(interval time.Duration, now time.Time) *Policy {
	return &Policy{interval: interval, lastCommit: now}
}

// Due reports whether a commit should run: either force is set, or at
// least interval has elapsed since the last commit.
func (p *Policy) Due(now time.Time, force bool) bool {
	if force {
		return true
	}
	return now.Sub(p.lastCommit) >= p.interval
}

// MarkCommitted resets the interval clock. Callers invoke this after a
// commit completes, successful or not — a failed commit is retried once the
// next interval has elapsed, not on every poll.
func (p *Policy) MarkCommitted(now time.Time) {
	p.lastCommit = now
}

// NextDeadline returns when the next soft commit is due, useful for
// sizing a poll timeout around offsetCommitInterval/2 per spec §4.E.
func (p *Policy) NextDeadline() time.Time {
	return p.lastCommit.Add(p.interval)
}
