package ratelimits

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// leaseState is the Lease's one-way state machine: OPEN -> COMMITTED or
// OPEN -> RELEASED (spec.md §4.G).
type leaseState int

const (
	leaseOpen leaseState = iota
	leaseCommitted
	leaseReleased
)

// planItem is the per-bucket plan a Lease needs to commit or release: the
// key it touched, the version the admission wrote that key at (Commit and
// Release re-read the key for their conditional writes and do not use it),
// and the original consumed amounts (for the compensating release).
type planItem struct {
	key            string
	limits         []Limit
	version        int64
	originalDeltas map[string]int64
}

// Lease is the scoped handle returned by a successful Acquire. It holds
// accumulated signed per-limit deltas in memory; no I/O happens until
// Commit or Release. Multiple Commit/Release calls are idempotent no-ops
// after the first (spec.md §4.G).
//
// Lease is not safe for concurrent use: it is single-threaded from the
// caller's perspective, per spec.md §5. Go has no scope-exit destructor,
// so a dropped Lease (no Commit, no Release, process continues) leaks its
// consumption — this is the documented resolution of spec.md §9's open
// question: "the core opts to treat this as committed". Callers MUST
// `defer` a Commit or Release.
type Lease struct {
	mu sync.Mutex

	id       string
	noop     bool
	state    leaseState
	items    []planItem
	deltas   map[string]map[string]int64 // key -> limit name -> signed delta
	statuses []LimitStatus

	admission *Admission
}

// newLease constructs an OPEN lease seeded with the consumed amounts from
// a successful admission, bound to items.
func newLease(admission *Admission, items []planItem, statuses []LimitStatus) *Lease {
	l := &Lease{
		id:        uuid.NewString(),
		state:     leaseOpen,
		items:     items,
		deltas:    make(map[string]map[string]int64, len(items)),
		statuses:  statuses,
		admission: admission,
	}
	for _, it := range items {
		l.deltas[it.key] = make(map[string]int64)
	}
	return l
}

// newNoopLease constructs a Lease whose methods are all silent no-ops,
// returned by the failure-mode gate when on_unavailable = ALLOW activates
// fail-open (spec.md §4.H).
func newNoopLease() *Lease {
	return &Lease{id: uuid.NewString(), noop: true, state: leaseCommitted}
}

// ID returns the lease's identifier, useful for log correlation.
func (l *Lease) ID() string { return l.id }

// Statuses returns the LimitStatus list produced by the admission that
// created this lease.
func (l *Lease) Statuses() []LimitStatus {
	return l.statuses
}

// Adjust accumulates a signed per-limit delta map in memory while the
// lease is OPEN. Multiple calls combine additively. It is a silent no-op
// once the lease has terminated, or if it is a no-op lease.
func (l *Lease) Adjust(delta map[string]int64) {
	if l.noop {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != leaseOpen {
		return
	}
	for _, it := range l.items {
		m := l.deltas[it.key]
		for name, d := range delta {
			if _, ok := findLimit(it.limits, name); ok {
				m[name] += d
			}
		}
	}
}

// Commit applies any net nonzero deltas via a conditional update (single
// bucket) or transaction (cascade), retrying on ConflictError with
// jittered backoff, and transitions the lease to COMMITTED. Subsequent
// calls are no-ops.
func (l *Lease) Commit(ctx context.Context) error {
	if l.noop {
		return nil
	}
	l.mu.Lock()
	if l.state != leaseOpen {
		l.mu.Unlock()
		return nil
	}
	l.state = leaseCommitted
	items := l.items
	deltas := l.deltas
	l.mu.Unlock()

	if !anyNonzero(deltas) {
		return nil
	}
	return l.admission.applyDeltas(ctx, items, deltas)
}

// Release issues a compensating write per bucket that negates the
// original consume (returns the tokens), independent per bucket — a
// cascade release is two single best-effort writes, not a transaction. A
// failed compensating write is logged but never raised, since the caller
// is already handling a failure (spec.md §4.G). It transitions the lease
// to RELEASED. Subsequent calls are no-ops.
func (l *Lease) Release(ctx context.Context) error {
	if l.noop {
		return nil
	}
	l.mu.Lock()
	if l.state != leaseOpen {
		l.mu.Unlock()
		return nil
	}
	l.state = leaseReleased
	items := l.items
	l.mu.Unlock()

	for _, it := range items {
		// adjust adds its delta to the balance, so the refund is +consumed.
		refund := make(map[string]int64, len(it.originalDeltas))
		for name, consumed := range it.originalDeltas {
			refund[name] = consumed
		}
		if err := l.admission.applyDeltaToOneBucket(ctx, it, refund); err != nil {
			l.admission.logReleaseFailure(it.key, err)
		}
	}
	return nil
}

func anyNonzero(deltas map[string]map[string]int64) bool {
	for _, m := range deltas {
		for _, d := range m {
			if d != 0 {
				return true
			}
		}
	}
	return false
}

// newConflictBackoff returns the jittered exponential backoff policy used
// for conditional-write retries throughout the admission engine and
// lease commit, capped at the slow path's default retry count.
func newConflictBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conflictRetryBaseInterval
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not elapsed time
	return backoff.WithMaxRetries(b, conflictRetryMaxAttempts)
}
