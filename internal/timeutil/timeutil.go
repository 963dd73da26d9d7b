// Package timeutil centralizes the minutes-of-day and midnight-unwrap
// arithmetic used by the off-peak reconciler and special-charging
// planner, per design note §9 ("centralize midnight-unwrap into a
// single helper and apply it at exactly one layer").
package timeutil

import (
	"fmt"
	"sort"
	"time"
)

// MinutesOfDay returns the minutes since local midnight for t, in
// [0, 1440).
func MinutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// FormatMinutesOfDay renders m (which may be in [0,1440]) as "HH:MM".
// FormatMinutesOfDay(ParseMinutesOfDay(s)) == s for all zero-padded s in
// "00:00".."23:59" ("24:00" parses to 1440 and formats as "00:00"),
// and MinutesOfDay(parse(format(m))) == m for all m in [0,1440) (L1).
func FormatMinutesOfDay(m int) string {
	m = m % 1440
	if m < 0 {
		m += 1440
	}
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// ParseMinutesOfDay parses an "HH:MM" string into minutes-of-day.
func ParseMinutesOfDay(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse minutes-of-day %q: %w", s, err)
	}
	if h < 0 || h > 24 || m < 0 || m >= 60 {
		return 0, fmt.Errorf("parse minutes-of-day %q: out of range", s)
	}
	return h*60 + m, nil
}

// Window is a half-open [Start, End) interval in "minutes since
// reference midnight" — i.e. already midnight-unwrapped, so End may
// exceed 1440 when the window crosses midnight.
type Window struct {
	Start int
	End   int
}

// UnwrapWindow takes a wire-style (start, end) pair — where end=1440
// means "next midnight" and end < start means the window wraps past
// midnight — and returns the unwrapped half-open Window used for all
// overlap math (§3, §8 boundary behaviours).
func UnwrapWindow(startMin, endMin int) Window {
	end := endMin
	if end < startMin {
		end += 1440
	}
	return Window{Start: startMin, End: end}
}

// Overlaps reports whether two unwrapped windows intersect (§4.7 step 4,
// P4). Both windows must already be unwrapped via UnwrapWindow.
func (w Window) Overlaps(o Window) bool {
	// Compare across one extra period so a window wrapped past 1440
	// still intersects a same-day window occupying the wrapped tail.
	for _, shift := range []int{-1440, 0, 1440} {
		s := Window{Start: o.Start + shift, End: o.End + shift}
		if w.Start < s.End && s.Start < w.End {
			return true
		}
	}
	return false
}

// OverlapMinutes returns the number of minutes w and o overlap, 0 if none.
func (w Window) OverlapMinutes(o Window) int {
	best := 0
	for _, shift := range []int{-1440, 0, 1440} {
		s := Window{Start: o.Start + shift, End: o.End + shift}
		lo := max(w.Start, s.Start)
		hi := min(w.End, s.End)
		if hi > lo && hi-lo > best {
			best = hi - lo
		}
	}
	return best
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ResolveOverlaps implements §4.7 step 4: iterate candidates in their
// given priority order (plan order is authoritative) and accept a
// candidate iff it does not overlap any already-accepted candidate.
// Returns the accepted indices in acceptance order (P4: no two accepted
// windows overlap).
func ResolveOverlaps(windows []Window) []int {
	var accepted []Window
	var acceptedIdx []int
	for i, w := range windows {
		conflict := false
		for _, a := range accepted {
			if w.Overlaps(a) {
				conflict = true
				break
			}
		}
		if !conflict {
			accepted = append(accepted, w)
			acceptedIdx = append(acceptedIdx, i)
		}
	}
	return acceptedIdx
}

// PlanSlotKey is the (start, end, energy) triple hashed by HashPlan (L2).
type PlanSlotKey struct {
	StartUTC  time.Time
	EndUTC    time.Time
	EnergyKWh float64
}

// HashPlan computes a content hash of plan slots, sorted by start time,
// over the (start, end, energy) triples (§4.7 step 2, L2):
// hash(P) == hash(P') iff the sorted triples of P and P' are equal.
func HashPlan(slots []PlanSlotKey) string {
	sorted := make([]PlanSlotKey, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartUTC.Before(sorted[j].StartUTC)
	})
	h := fnvOffset
	for _, s := range sorted {
		h = fnvMix(h, s.StartUTC.UTC().Format(time.RFC3339))
		h = fnvMix(h, s.EndUTC.UTC().Format(time.RFC3339))
		h = fnvMix(h, fmt.Sprintf("%.4f", s.EnergyKWh))
	}
	return fmt.Sprintf("%016x", h)
}

const fnvOffset uint64 = 14695981039346656037
const fnvPrime uint64 = 1099511628211

func fnvMix(h uint64, s string) uint64 {
	h ^= 0x01 // field separator
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime
	}
	return h
}
