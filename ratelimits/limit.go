package ratelimits

import "time"

// Limit is a single rate-limiting rule: capacity is the sustained rate in
// base units per refill period, burst is the bucket ceiling (capacity <=
// burst), and refill adds RefillAmount base units every RefillPeriod. A
// freshly created bucket begins full at Burst.
type Limit struct {
	Name         string
	Capacity     int64
	Burst        int64
	RefillAmount int64
	RefillPeriod time.Duration
}

// validate checks the invariants spec.md §3 requires of a Limit:
// capacity <= burst, refill_amount > 0, refill_period > 0.
func (l Limit) validate() error {
	if l.Name == "" {
		return newValidationError("limit name must not be empty")
	}
	if l.Capacity <= 0 {
		return newValidationError("limit %q: capacity must be > 0", l.Name)
	}
	if l.Burst < l.Capacity {
		return newValidationError("limit %q: burst (%d) must be >= capacity (%d)", l.Name, l.Burst, l.Capacity)
	}
	if l.RefillAmount <= 0 {
		return newValidationError("limit %q: refill_amount must be > 0", l.Name)
	}
	if l.RefillPeriod <= 0 {
		return newValidationError("limit %q: refill_period must be > 0", l.Name)
	}
	return nil
}

func validateLimits(limits []Limit) error {
	seen := make(map[string]struct{}, len(limits))
	for _, l := range limits {
		if err := l.validate(); err != nil {
			return err
		}
		if _, dup := seen[l.Name]; dup {
			return newValidationError("duplicate limit name %q", l.Name)
		}
		seen[l.Name] = struct{}{}
	}
	return nil
}

// PerSecond returns a Limit of capacity base units per second with burst
// equal to capacity (no extra headroom above the sustained rate).
func PerSecond(name string, capacity int64) Limit {
	return Limit{Name: name, Capacity: capacity, Burst: capacity, RefillAmount: capacity, RefillPeriod: time.Second}
}

// PerMinute returns a Limit of capacity base units per minute, burst equal
// to capacity.
func PerMinute(name string, capacity int64) Limit {
	return Limit{Name: name, Capacity: capacity, Burst: capacity, RefillAmount: capacity, RefillPeriod: time.Minute}
}

// PerHour returns a Limit of capacity base units per hour, burst equal to
// capacity.
func PerHour(name string, capacity int64) Limit {
	return Limit{Name: name, Capacity: capacity, Burst: capacity, RefillAmount: capacity, RefillPeriod: time.Hour}
}

// PerDay returns a Limit of capacity base units per day, burst equal to
// capacity.
func PerDay(name string, capacity int64) Limit {
	return Limit{Name: name, Capacity: capacity, Burst: capacity, RefillAmount: capacity, RefillPeriod: 24 * time.Hour}
}

// WithBurst returns a copy of l with Burst set to burst. Use this after one
// of the PerX factories to grant headroom above the sustained rate, e.g.
// ratelimits.PerMinute("rpm", 10).WithBurst(15).
func (l Limit) WithBurst(burst int64) Limit {
	l.Burst = burst
	return l
}

func findLimit(limits []Limit, name string) (Limit, bool) {
	for _, l := range limits {
		if l.Name == name {
			return l, true
		}
	}
	return Limit{}, false
}
