package ratelimits

// BucketState is the persistent per-limit record stored by a Source,
// scaled by 1000 (tokens_milli) so integer refill math never drifts.
// TokensMilli may be negative: a lease Adjust can drive a bucket into
// debt, bounded only by future refill.
type BucketState struct {
	TokensMilli       int64
	LastRefillServerMs int64
	CapacityMilli     int64
	BurstMilli        int64
	RefillAmountMilli int64
	RefillPeriodMs    int64
}

// freshBucketState returns the initial state for a limit: full at burst,
// timestamped at nowServerMs.
func freshBucketState(l Limit, nowServerMs int64) BucketState {
	return BucketState{
		TokensMilli:        l.Burst * 1000,
		LastRefillServerMs: nowServerMs,
		CapacityMilli:      l.Capacity * 1000,
		BurstMilli:         l.Burst * 1000,
		RefillAmountMilli:  l.RefillAmount * 1000,
		RefillPeriodMs:     l.RefillPeriod.Milliseconds(),
	}
}

// refill applies drift-compensated lazy refill to a bucket state in place,
// per spec.md §4.A. The remainder of the integer division is carried
// forward into LastRefillServerMs so that refilling in many small steps
// over an interval T yields bit-for-bit the same result as refilling once
// over T.
func (s *BucketState) refill(nowServerMs int64) {
	elapsed := nowServerMs - s.LastRefillServerMs
	if elapsed <= 0 {
		return
	}
	tokensToAdd := elapsed * s.RefillAmountMilli / s.RefillPeriodMs
	if tokensToAdd <= 0 {
		return
	}
	s.LastRefillServerMs += tokensToAdd * s.RefillPeriodMs / s.RefillAmountMilli
	s.TokensMilli += tokensToAdd
	if s.TokensMilli > s.BurstMilli {
		s.TokensMilli = s.BurstMilli
	}
}

// checkResult is the outcome of evaluating a single limit against a
// requested cost, after refill.
type checkResult struct {
	wouldHaveMilli int64
	exceeded       bool
	retryAfterMs   int64
}

// check evaluates, after refill, whether requested base units could be
// consumed from s. It does not mutate s (callers call consume separately
// once every limit in a plan has been checked).
func (s *BucketState) check(requested int64) checkResult {
	requestedMilli := requested * 1000
	wouldHave := s.TokensMilli - requestedMilli
	if wouldHave >= 0 {
		return checkResult{wouldHaveMilli: wouldHave, exceeded: false}
	}
	deficit := requestedMilli - s.TokensMilli
	retryAfterMs := ceilDiv(deficit*s.RefillPeriodMs, s.RefillAmountMilli)
	return checkResult{wouldHaveMilli: wouldHave, exceeded: true, retryAfterMs: retryAfterMs}
}

// consume applies a previously computed admitted checkResult.
func (s *BucketState) consume(r checkResult) {
	s.TokensMilli = r.wouldHaveMilli
}

// adjust applies a signed delta (in base units) to the bucket, per
// spec.md §4.A: may drive TokensMilli negative (debt), never above
// BurstMilli (excess is discarded).
func (s *BucketState) adjust(deltaBaseUnits int64) {
	s.TokensMilli += deltaBaseUnits * 1000
	if s.TokensMilli > s.BurstMilli {
		s.TokensMilli = s.BurstMilli
	}
}

// availableBaseUnits returns the current token balance in base units,
// rounded down (a partial base unit is not available to spend).
func (s *BucketState) availableBaseUnits() int64 {
	if s.TokensMilli < 0 {
		return -((-s.TokensMilli + 999) / 1000)
	}
	return s.TokensMilli / 1000
}

func ceilDiv(num, den int64) int64 {
	if den <= 0 {
		return 0
	}
	if num <= 0 {
		return 0
	}
	return (num + den - 1) / den
}

// checkAndConsume runs refill + check for every (name, requested) pair in
// consume against the resolved limits, in the single-bucket or cascade
// flavor used by the admission engine's slow path: every limit is
// evaluated against the SAME state snapshot before any is mutated, and
// mutation only happens if every limit admits. This is what spec.md §4.A
// calls "all limits are evaluated together".
func checkAndConsume(state map[string]BucketState, limits []Limit, consume map[string]int64, nowServerMs int64) (admitted bool, statuses []LimitStatus) {
	checks := make(map[string]checkResult, len(consume))
	admitted = true
	for _, l := range limits {
		s, ok := state[l.Name]
		if !ok {
			s = freshBucketState(l, nowServerMs)
		}
		s.refill(nowServerMs)
		requested := consume[l.Name]
		r := s.check(requested)
		checks[l.Name] = r
		state[l.Name] = s
		if r.exceeded {
			admitted = false
		}
		statuses = append(statuses, LimitStatus{
			LimitName:    l.Name,
			Capacity:     l.Capacity,
			Burst:        l.Burst,
			Available:    s.availableBaseUnits(),
			Requested:    requested,
			Exceeded:     r.exceeded,
			RetryAfterMs: r.retryAfterMs,
		})
	}
	if admitted {
		for name, r := range checks {
			s := state[name]
			s.consume(r)
			state[name] = s
		}
	}
	return admitted, statuses
}
