// Package quota is the Quota Observer: tracks global byte usage against a
// configured ceiling and exposes a hysteresis-damped uploads_blocked flag so
// the boundary layer doesn't oscillate at the exact threshold.
//
// Grounded on the teacher's internal/store/diskstats_linux.go, which already
// polls filesystem usage for a free-space check — the shape here is the
// same "compute, compare against a configured limit, cache the verdict"
// pattern, generalised from a single hard limit to a two-threshold
// hysteresis band (spec.md §4.10).
package quota

import "sync"

// Status is the wire shape of current_quota().
type Status struct {
	UsedBytes      uint64 `json:"used_bytes"`
	MaxBytes       uint64 `json:"max_bytes"`
	UploadsBlocked bool   `json:"uploads_blocked"`
	Message        string `json:"message,omitempty"`
}

// UsageSource reports the Metadata Store's current total live-record bytes.
// A narrow interface rather than a direct *metadata.Store dependency keeps
// this package testable without constructing a full store.
type UsageSource interface {
	TotalBytes() int64
}

// Observer recomputes and caches quota status. recompute() is expected to
// be invoked after every mutation that changes used bytes (uploads,
// deletes, expirations) — see spec.md §4.10.
type Observer struct {
	source UsageSource
	maxBytes uint64
	high     float64
	low      float64

	mu      sync.RWMutex
	blocked bool
	used    uint64
}

// New creates an Observer. high and low are fractions of maxBytes
// (e.g. 0.95 and 0.85) — high flips uploads_blocked true, low flips it back
// false, damping oscillation right at the threshold.
func New(source UsageSource, maxBytes uint64, high, low float64) *Observer {
	return &Observer{
		source:   source,
		maxBytes: maxBytes,
		high:     high,
		low:      low,
	}
}

// Recompute refreshes the cached usage and blocked flag from the current
// UsageSource reading. Call after every mutation (spec.md §4.10).
func (o *Observer) Recompute() Status {
	used := uint64(0)
	if n := o.source.TotalBytes(); n > 0 {
		used = uint64(n)
	}

	o.mu.Lock()
	o.used = used
	highWater := uint64(float64(o.maxBytes) * o.high)
	lowWater := uint64(float64(o.maxBytes) * o.low)
	switch {
	case used >= highWater:
		o.blocked = true
	case used < lowWater:
		o.blocked = false
	}
	blocked := o.blocked
	o.mu.Unlock()

	return o.statusFor(used, blocked)
}

// CurrentQuota returns the last computed status without forcing a
// recomputation — current_quota() from spec.md §4.10.
func (o *Observer) CurrentQuota() Status {
	o.mu.RLock()
	used, blocked := o.used, o.blocked
	o.mu.RUnlock()
	return o.statusFor(used, blocked)
}

// WouldExceed reports whether admitting an additional declaredSize bytes
// would push used bytes past the configured ceiling — the Upload Admission
// pipeline's global-quota check (spec.md §4.5 step 5).
func (o *Observer) WouldExceed(declaredSize int64) bool {
	o.mu.RLock()
	used := o.used
	o.mu.RUnlock()
	if declaredSize < 0 {
		declaredSize = 0
	}
	return used+uint64(declaredSize) > o.maxBytes
}

func (o *Observer) statusFor(used uint64, blocked bool) Status {
	s := Status{UsedBytes: used, MaxBytes: o.maxBytes, UploadsBlocked: blocked}
	if blocked {
		s.Message = "storage quota nearly exhausted; new uploads are temporarily blocked"
	}
	return s
}
