package ratelimits

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmhodges/clock"
	"go.uber.org/zap"
)

const (
	// conflictRetryMaxAttempts is the default N of spec.md §4.F's "retry
	// the slow path from the top up to N times (default 3)".
	conflictRetryMaxAttempts = 3
	// conflictRetryBaseInterval seeds the jittered exponential backoff
	// between conflict retries.
	conflictRetryBaseInterval = 5 * time.Millisecond
	// fastPathStaleness is how old a cached bucket observation may be
	// before the fast path refuses to trust it and falls back to the slow
	// path outright, independent of whether refill would occur.
	fastPathStaleness = 2 * time.Second
)

// seenBucket is what the fast path remembers about a single limit's bucket
// key it has previously read or written: its state and version as of
// cachedAt (a local monotonic timestamp, used only to estimate whether
// refill could have occurred since — the admission decision itself always
// uses server-reported state once any I/O happens).
type seenBucket struct {
	state    BucketState
	version  int64
	cachedAt time.Time
}

// AcquireRequest is the input to Admission.Acquire (spec.md §4.F /§6).
type AcquireRequest struct {
	EntityID      string
	Resource      string
	Consume       map[string]int64
	Limits        []Limit // caller override, precedence level 5
	Cascade       bool
	OnUnavailable OnUnavailable // caller override of the resolved policy; OnUnavailableUnset means "use resolved"
	NoFastPath    bool
}

// Admission is the engine of spec.md §4.F: resolve -> plan ->
// check-and-consume -> cascade -> statuses/lease.
type Admission struct {
	source   Source
	clk      clock.Clock
	resolver *Resolver
	entities *EntityStore
	metrics  *Metrics
	logger   *zap.Logger
	opaqueID string

	defaultOnUnavailable OnUnavailable

	seenMu sync.Mutex
	seen   map[string]seenBucket
}

// NewAdmission returns an Admission engine. defaultOnUnavailable is the
// conservative fallback used when the resolver itself cannot be consulted
// (spec.md §4.H: "if resolution itself failed infrastructurally, the gate
// falls back to the constructor default").
func NewAdmission(source Source, clk clock.Clock, resolver *Resolver, entities *EntityStore, metrics *Metrics, logger *zap.Logger, opaqueID string, defaultOnUnavailable OnUnavailable) *Admission {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Admission{
		source:               source,
		clk:                  clk,
		resolver:             resolver,
		entities:             entities,
		metrics:              metrics,
		logger:               logger,
		opaqueID:             opaqueID,
		defaultOnUnavailable: defaultOnUnavailable,
		seen:                 make(map[string]seenBucket),
	}
}

// Acquire runs the admission decision for one request: resolve effective
// limits, optionally follow the one-level cascade to a parent entity, try
// the speculative fast path, and fall back to the full read-check-write
// slow path (spec.md §4.F).
func (a *Admission) Acquire(ctx context.Context, req AcquireRequest) (*Lease, error) {
	start := a.clk.Now()
	res, err := a.resolver.Resolve(ctx, a.opaqueID, req.EntityID, req.Resource, req.Limits)
	if err != nil {
		return nil, err
	}
	if err := validateConsume(req.Consume, res.limits); err != nil {
		return nil, err
	}

	parentID := ""
	var parentLimits []Limit
	if req.Cascade {
		parentID, err = a.entities.ParentOf(ctx, req.EntityID)
		if err != nil {
			return nil, err
		}
		if parentID != "" {
			parentRes, err := a.resolver.Resolve(ctx, a.opaqueID, parentID, req.Resource, nil)
			if err != nil {
				return nil, err
			}
			parentLimits = parentRes.limits
			if err := validateConsume(req.Consume, parentLimits); err != nil {
				return nil, err
			}
		}
	}
	cascade := req.Cascade && parentID != ""

	if !cascade && !req.NoFastPath {
		lease, ok, err := a.tryFastPath(ctx, req, res.limits)
		if err != nil {
			return nil, err
		}
		if ok {
			a.metrics.observeAcquire(a.clk.Since(start), true)
			return lease, nil
		}
	}

	lease, err := a.slowPath(ctx, req, res.limits, parentID, parentLimits, cascade)
	a.metrics.observeAcquire(a.clk.Since(start), err == nil)
	return lease, err
}

func validateConsume(consume map[string]int64, limits []Limit) error {
	for name, amount := range consume {
		limit, ok := findLimit(limits, name)
		if !ok {
			return newValidationError("consume references unknown limit %q", name)
		}
		if amount < 0 {
			return newValidationError("consume amount for %q must be >= 0", name)
		}
		if amount > limit.Burst {
			return newValidationError("consume amount for %q (%d) exceeds burst (%d)", name, amount, limit.Burst)
		}
	}
	return nil
}

// bucketWrite is one pending write to one limit's own bucket key: the
// expected version it must present (0 meaning "must not yet exist") and
// the post-check state to persist there.
type bucketWrite struct {
	key     string
	limit   Limit
	version int64
	state   BucketState
}

// limitKeysByName returns, for every limit bound to (entityID, resource),
// the storage key that limit's bucket is persisted under. Every limit name
// gets its own key (spec.md §3: a bucket carries independent state "for
// each limit name"), so a consume against one limit can never share or
// corrupt another's balance, and two limits can be written atomically
// together via a single TransactUpdate.
func limitKeysByName(opaqueID, entityID, resource string, limits []Limit) map[string]string {
	out := make(map[string]string, len(limits))
	for _, l := range limits {
		out[l.Name] = limitBucketKey(opaqueID, entityID, resource, l.Name)
	}
	return out
}

// fetchWorkingSet turns the batch-read states for limits' own keys into the
// per-limit-name working map the bucket engine operates on, plus the
// version each key must present for its next conditional write. A key
// absent from states has never been written; its limit starts fresh and
// its write version is 0 (create).
func fetchWorkingSet(limits []Limit, keys map[string]string, states map[string]BucketStateVersion, nowServerMs int64) (working map[string]BucketState, versions map[string]int64) {
	working = make(map[string]BucketState, len(limits))
	versions = make(map[string]int64, len(limits))
	for _, l := range limits {
		key := keys[l.Name]
		sv, ok := states[key]
		if !ok {
			working[l.Name] = freshBucketState(l, nowServerMs)
			versions[key] = 0
			continue
		}
		working[l.Name] = sv.State
		versions[key] = sv.Version
	}
	return working, versions
}

// perLimitOrFresh returns the persisted state for one limit's key, or a
// fresh bucket if that key has never been written.
func perLimitOrFresh(states map[string]BucketStateVersion, key string, l Limit, nowServerMs int64) BucketState {
	if sv, ok := states[key]; ok {
		return sv.State
	}
	return freshBucketState(l, nowServerMs)
}

// buildWrites pairs each limit's post-check working state with its key and
// expected version, ready for commitWrites.
func buildWrites(limits []Limit, keys map[string]string, working map[string]BucketState, versions map[string]int64) []bucketWrite {
	out := make([]bucketWrite, 0, len(limits))
	for _, l := range limits {
		key := keys[l.Name]
		out = append(out, bucketWrite{
			key:     key,
			limit:   l,
			version: versions[key],
			state:   working[l.Name],
		})
	}
	return out
}

// commitWrites persists every write: a single conditional create/update
// when there is exactly one key involved, or one atomic TransactUpdate
// when several limits (or a cascade's two entities) must land together.
// retryable reports whether the failure was a ConflictError the caller
// should retry from the top.
func (a *Admission) commitWrites(ctx context.Context, writes []bucketWrite) (serverNowMs int64, retryable bool, err error) {
	if len(writes) == 1 {
		w := writes[0]
		if w.version == 0 {
			serverNowMs, err = a.source.PutBucketNew(ctx, w.key, w.state)
			if err != nil {
				if IsAlreadyExists(err) {
					return 0, true, &ConflictError{Key: w.key}
				}
				return 0, false, err
			}
			return serverNowMs, false, nil
		}
		serverNowMs, err = a.source.UpdateBucket(ctx, w.key, w.version, w.state)
		if err != nil {
			if IsConflict(err) {
				return 0, true, err
			}
			return 0, false, err
		}
		return serverNowMs, false, nil
	}

	items := make([]TransactItem, len(writes))
	for i, w := range writes {
		items[i] = TransactItem{Key: w.key, ExpectedVersion: w.version, State: w.state}
	}
	serverNowMs, err = a.source.TransactUpdate(ctx, items)
	if err != nil {
		if IsConflict(err) {
			return 0, true, err
		}
		return 0, false, err
	}
	return serverNowMs, false, nil
}

// planItemsFor turns committed writes into the Lease's plan items, each
// scoped to exactly the one limit its key represents, and remembers the new
// state for the fast path.
func (a *Admission) planItemsFor(writes []bucketWrite, consume map[string]int64) []planItem {
	items := make([]planItem, 0, len(writes))
	for _, w := range writes {
		a.remember(w.key, w.state, w.version+1)
		items = append(items, planItem{
			key:            w.key,
			limits:         []Limit{w.limit},
			version:        w.version + 1,
			originalDeltas: map[string]int64{w.limit.Name: consume[w.limit.Name]},
		})
	}
	return items
}

// tryFastPath attempts the speculative write of spec.md §4.F step 3,
// skipping the read round-trip by trusting the most recent observation of
// every limit's own key. ok is false whenever the fast path declines (a
// limit has no cached version, the cache is stale, or refill since
// last-seen would plausibly change the outcome) or when the speculative
// write loses a race (ConflictError): both cases fall through to the slow
// path, which re-reads and retries from scratch. When more than one limit
// is bound to (entityID, resource), the speculative write is one
// TransactUpdate across all of them, so the fast path stays atomic across
// limits exactly like the slow path.
func (a *Admission) tryFastPath(ctx context.Context, req AcquireRequest, limits []Limit) (*Lease, bool, error) {
	keys := limitKeysByName(a.opaqueID, req.EntityID, req.Resource, limits)

	a.seenMu.Lock()
	seenByName := make(map[string]seenBucket, len(limits))
	allSeen := true
	for _, l := range limits {
		sb, ok := a.seen[keys[l.Name]]
		if !ok {
			allSeen = false
			break
		}
		seenByName[l.Name] = sb
	}
	a.seenMu.Unlock()
	if !allSeen {
		return nil, false, nil
	}

	now := a.clk.Now()
	working := make(map[string]BucketState, len(limits))
	var referenceNowMs int64
	for _, l := range limits {
		sb := seenByName[l.Name]
		if now.Sub(sb.cachedAt) > fastPathStaleness {
			return nil, false, nil
		}
		elapsedMs := now.Sub(sb.cachedAt).Milliseconds()
		if estimateRefill(l, elapsedMs) > 0 {
			// Refill would plausibly change admission; don't trust a stale
			// local estimate of server time for the decision itself.
			return nil, false, nil
		}
		working[l.Name] = sb.state
		referenceNowMs = sb.state.LastRefillServerMs
	}

	admitted, statuses := checkAndConsume(working, limits, req.Consume, referenceNowMs)
	if !admitted {
		return nil, false, nil
	}
	withEntity(statuses, req.EntityID, req.Resource)

	writes := make([]bucketWrite, 0, len(limits))
	for _, l := range limits {
		sb := seenByName[l.Name]
		writes = append(writes, bucketWrite{
			key:      keys[l.Name],
			limit:    l,
			version:  sb.version,
			state:    working[l.Name],
		})
	}

	_, retryable, err := a.commitWrites(ctx, writes)
	if err != nil {
		if retryable {
			return nil, false, nil
		}
		return nil, false, err
	}

	items := a.planItemsFor(writes, req.Consume)
	return newLease(a, items, statuses), true, nil
}

// estimateRefill mirrors bucket.go's refill math using a local clock
// estimate of elapsed server time, used only to decide whether the fast
// path can trust that no refill happened since the bucket was cached.
func estimateRefill(l Limit, elapsedMs int64) int64 {
	periodMs := l.RefillPeriod.Milliseconds()
	if periodMs <= 0 {
		return 0
	}
	return elapsedMs * (l.RefillAmount * 1000) / periodMs
}

// slowPath is spec.md §4.F step 4: read, run the bucket engine per
// bucket, and write (single conditional update or cascade transaction),
// retrying on ConflictError up to conflictRetryMaxAttempts times with
// jittered backoff.
func (a *Admission) slowPath(ctx context.Context, req AcquireRequest, limits []Limit, parentID string, parentLimits []Limit, cascade bool) (*Lease, error) {
	var lease *Lease
	var lastErr error

	op := func() error {
		l, retryable, err := a.slowPathAttempt(ctx, req, limits, parentID, parentLimits, cascade)
		if err != nil {
			if retryable {
				lastErr = err
				a.metrics.observeConflictRetry()
				return err
			}
			return backoff.Permanent(err)
		}
		lease = l
		return nil
	}

	if err := backoff.Retry(op, newConflictBackoff()); err != nil {
		if lastErr != nil && IsConflict(lastErr) {
			return nil, newInfrastructureError("acquire", lastErr)
		}
		return nil, unwrapPermanent(err)
	}
	return lease, nil
}

func unwrapPermanent(err error) error {
	var perr *backoff.PermanentError
	if ok := asPermanent(err, &perr); ok {
		return perr.Err
	}
	return err
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	pe, ok := err.(*backoff.PermanentError)
	if ok {
		*target = pe
		return true
	}
	return false
}

// slowPathAttempt is one try of the slow path: batch-read every involved
// limit's own key (child's, plus parent's on a cascade), run the bucket
// engine per entity against its own working set, and if every limit (child
// and, on a cascade, parent) admits, commit every touched key in one write
// — a single conditional write when only one key is involved, otherwise one
// TransactUpdate spanning all of them. retryable indicates the failure was
// a ConflictError the caller should retry.
func (a *Admission) slowPathAttempt(ctx context.Context, req AcquireRequest, limits []Limit, parentID string, parentLimits []Limit, cascade bool) (*Lease, bool, error) {
	childKeys := limitKeysByName(a.opaqueID, req.EntityID, req.Resource, limits)
	var parentKeys map[string]string
	if cascade {
		parentKeys = limitKeysByName(a.opaqueID, parentID, req.Resource, parentLimits)
	}

	allKeys := make([]string, 0, len(limits)+len(parentLimits))
	for _, l := range limits {
		allKeys = append(allKeys, childKeys[l.Name])
	}
	for _, l := range parentLimits {
		allKeys = append(allKeys, parentKeys[l.Name])
	}

	states, serverNowMs, err := a.source.BatchGetBuckets(ctx, allKeys)
	if err != nil {
		return nil, false, err
	}

	childWorking, childVersions := fetchWorkingSet(limits, childKeys, states, serverNowMs)
	childAdmitted, childStatuses := checkAndConsume(childWorking, limits, req.Consume, serverNowMs)
	withEntity(childStatuses, req.EntityID, req.Resource)

	admitted := childAdmitted
	all := childStatuses

	var parentWorking map[string]BucketState
	var parentVersions map[string]int64
	if cascade {
		var parentAdmitted bool
		var parentStatuses []LimitStatus
		parentWorking, parentVersions = fetchWorkingSet(parentLimits, parentKeys, states, serverNowMs)
		parentAdmitted, parentStatuses = checkAndConsume(parentWorking, parentLimits, req.Consume, serverNowMs)
		withEntity(parentStatuses, parentID, req.Resource)
		admitted = admitted && parentAdmitted
		all = append(append([]LimitStatus{}, childStatuses...), parentStatuses...)
	}

	if !admitted {
		return nil, false, newRateLimitExceeded(all)
	}

	writes := buildWrites(limits, childKeys, childWorking, childVersions)
	if cascade {
		writes = append(writes, buildWrites(parentLimits, parentKeys, parentWorking, parentVersions)...)
	}

	_, retryable, err := a.commitWrites(ctx, writes)
	if err != nil {
		return nil, retryable, err
	}

	items := a.planItemsFor(writes, req.Consume)
	return newLease(a, items, all), false, nil
}

func withEntity(statuses []LimitStatus, entityID, resource string) {
	for i := range statuses {
		statuses[i].EntityID = entityID
		statuses[i].Resource = resource
	}
}

func (a *Admission) remember(key string, state BucketState, version int64) {
	a.seenMu.Lock()
	a.seen[key] = seenBucket{state: state, version: version, cachedAt: a.clk.Now()}
	a.seenMu.Unlock()
}

// applyDeltas is Lease.Commit's I/O: apply accumulated adjustments via a
// conditional update (single key) or transaction (several keys), retrying
// on conflict.
func (a *Admission) applyDeltas(ctx context.Context, items []planItem, deltas map[string]map[string]int64) error {
	if len(items) == 1 {
		return a.applyDeltaToOneBucket(ctx, items[0], deltas[items[0].key])
	}

	op := func() error {
		states, _, err := a.source.BatchGetBuckets(ctx, keysOf(items))
		if err != nil {
			return backoff.Permanent(err)
		}
		txItems := make([]TransactItem, 0, len(items))
		for _, it := range items {
			sv, ok := states[it.key]
			if !ok {
				return backoff.Permanent(&NotFoundError{Key: it.key})
			}
			s := sv.State
			for _, d := range deltas[it.key] {
				s.adjust(d)
			}
			txItems = append(txItems, TransactItem{Key: it.key, ExpectedVersion: sv.Version, State: s})
		}
		_, err = a.source.TransactUpdate(ctx, txItems)
		if err != nil {
			if IsConflict(err) {
				a.metrics.observeConflictRetry()
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, newConflictBackoff()); err != nil {
		return unwrapPermanent(err)
	}
	return nil
}

func (a *Admission) applyDeltaToOneBucket(ctx context.Context, item planItem, delta map[string]int64) error {
	op := func() error {
		state, version, _, err := a.source.GetBucket(ctx, item.key)
		if err != nil {
			return backoff.Permanent(err)
		}
		for _, d := range delta {
			state.adjust(d)
		}
		_, err = a.source.UpdateBucket(ctx, item.key, version, state)
		if err != nil {
			if IsConflict(err) {
				a.metrics.observeConflictRetry()
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, newConflictBackoff()); err != nil {
		return unwrapPermanent(err)
	}
	return nil
}

func keysOf(items []planItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.key
	}
	return out
}

func (a *Admission) logReleaseFailure(key string, err error) {
	a.logger.Warn("lease release: compensating write failed", zap.String("key", key), zap.Error(err))
}

// Available returns the current token balance, in base units, for every
// limit bound to (entityID, resource). It performs a read but no write
// (spec.md §4.F, "read-only operations").
func (a *Admission) Available(ctx context.Context, entityID, resource string) (map[string]int64, error) {
	res, err := a.resolver.Resolve(ctx, a.opaqueID, entityID, resource, nil)
	if err != nil {
		return nil, err
	}
	keys := limitKeysByName(a.opaqueID, entityID, resource, res.limits)
	allKeys := make([]string, 0, len(res.limits))
	for _, l := range res.limits {
		allKeys = append(allKeys, keys[l.Name])
	}
	states, serverNowMs, err := a.source.BatchGetBuckets(ctx, allKeys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(res.limits))
	for _, l := range res.limits {
		s := perLimitOrFresh(states, keys[l.Name], l, serverNowMs)
		s.refill(serverNowMs)
		out[l.Name] = s.availableBaseUnits()
	}
	return out, nil
}

// TimeUntilAvailable returns how long until needed base units would be
// available for every named limit, the maximum across limits if several
// are short.
func (a *Admission) TimeUntilAvailable(ctx context.Context, entityID, resource string, needed map[string]int64) (time.Duration, error) {
	res, err := a.resolver.Resolve(ctx, a.opaqueID, entityID, resource, nil)
	if err != nil {
		return 0, err
	}
	keys := limitKeysByName(a.opaqueID, entityID, resource, res.limits)
	allKeys := make([]string, 0, len(res.limits))
	for _, l := range res.limits {
		allKeys = append(allKeys, keys[l.Name])
	}
	states, serverNowMs, err := a.source.BatchGetBuckets(ctx, allKeys)
	if err != nil {
		return 0, err
	}
	var maxWait int64
	for name, amount := range needed {
		l, ok := findLimit(res.limits, name)
		if !ok {
			return 0, newValidationError("unknown limit %q", name)
		}
		s := perLimitOrFresh(states, keys[name], l, serverNowMs)
		s.refill(serverNowMs)
		r := s.check(amount)
		if r.retryAfterMs > maxWait {
			maxWait = r.retryAfterMs
		}
	}
	return time.Duration(maxWait) * time.Millisecond, nil
}

// GetStatus returns the current LimitStatus for every limit bound to
// (entityID, resource), as if `requested` base units of each were about to
// be consumed, without consuming anything.
func (a *Admission) GetStatus(ctx context.Context, entityID, resource string, requested map[string]int64) ([]LimitStatus, error) {
	res, err := a.resolver.Resolve(ctx, a.opaqueID, entityID, resource, nil)
	if err != nil {
		return nil, err
	}
	keys := limitKeysByName(a.opaqueID, entityID, resource, res.limits)
	allKeys := make([]string, 0, len(res.limits))
	for _, l := range res.limits {
		allKeys = append(allKeys, keys[l.Name])
	}
	states, serverNowMs, err := a.source.BatchGetBuckets(ctx, allKeys)
	if err != nil {
		return nil, err
	}
	working := make(map[string]BucketState, len(res.limits))
	for _, l := range res.limits {
		working[l.Name] = perLimitOrFresh(states, keys[l.Name], l, serverNowMs)
	}
	_, statuses := checkAndConsume(working, res.limits, requested, serverNowMs)
	withEntity(statuses, entityID, resource)
	return statuses, nil
}

// IsAvailable best-effort probes the storage adapter's liveness.
func (a *Admission) IsAvailable(ctx context.Context) bool {
	return a.source.IsReachable(ctx)
}
