// Window search for the Special-Charging Planner (C8), §4.8.1.
package special

import (
	"fmt"
	"time"

	"github.com/mac923/offpeak-ev-controller/internal/config"
	"github.com/mac923/offpeak-ev-controller/internal/model"
)

// RequiredHours computes the charging duration needed to reach
// targetPercent from currentPercent (§4.8.1). ok is false if no
// charging is needed (target already met).
func RequiredHours(targetPercent, currentPercent int, packKWh, chargeRateKW float64) (hours float64, ok bool) {
	if targetPercent <= currentPercent {
		return 0, false
	}
	hours = (float64(targetPercent-currentPercent) / 100.0) * packKWh / chargeRateKW
	return hours, true
}

func floorToHour(t time.Time) time.Time {
	return t.Add(-time.Duration(t.Minute())*time.Minute - time.Duration(t.Second())*time.Second - time.Duration(t.Nanosecond()))
}

// overlapsPeak reports whether [start,end) intersects any configured
// peak window on any day it spans (midnight-unwrap aware).
func overlapsPeak(start, end time.Time, loc *time.Location, peaks []config.PeakWindow) bool {
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc).Add(-24 * time.Hour)
	limit := end.Add(24 * time.Hour)
	for !day.After(limit) {
		for _, pw := range peaks {
			pStart := day.Add(time.Duration(pw.StartMinutes) * time.Minute)
			pEnd := day.Add(time.Duration(pw.EndMinutes) * time.Minute)
			if pw.EndMinutes < pw.StartMinutes {
				pEnd = pEnd.Add(24 * time.Hour)
			}
			if start.Before(pEnd) && pStart.Before(end) {
				return true
			}
		}
		day = day.Add(24 * time.Hour)
	}
	return false
}

// overlapHoursWithPeak returns the total hours [start,end) overlaps any
// peak window (strategy 3's collision measure).
func overlapHoursWithPeak(start, end time.Time, loc *time.Location, peaks []config.PeakWindow) float64 {
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc).Add(-24 * time.Hour)
	limit := end.Add(24 * time.Hour)
	var total time.Duration
	for !day.After(limit) {
		for _, pw := range peaks {
			pStart := day.Add(time.Duration(pw.StartMinutes) * time.Minute)
			pEnd := day.Add(time.Duration(pw.EndMinutes) * time.Minute)
			if pw.EndMinutes < pw.StartMinutes {
				pEnd = pEnd.Add(24 * time.Hour)
			}
			lo := start
			if pStart.After(lo) {
				lo = pStart
			}
			hi := end
			if pEnd.Before(hi) {
				hi = pEnd
			}
			if hi.After(lo) {
				total += hi.Sub(lo)
			}
		}
		day = day.Add(24 * time.Hour)
	}
	return total.Hours()
}

// SearchWindow implements §4.8.1: try strategies in order, accept the
// first that succeeds.
func SearchWindow(cfg config.SpecialChargingConfig, loc *time.Location, now, deadline time.Time, hours float64) (model.ChargingPlan, error) {
	dur := time.Duration(hours * float64(time.Hour))
	safety := time.Duration(cfg.SafetyBufferHours * float64(time.Hour))

	// Strategy 1: avoid-peak, standard lead.
	latestStart := floorToHour(deadline.Add(-(dur + safety)))
	if plan, ok := tryAccept(latestStart, dur, 2*time.Hour, now, loc, cfg.PeakWindows, "avoid_peak_standard"); ok {
		return plan, nil
	}

	// Strategy 2: avoid-peak, earlier — shift by whole hours up to max_lead,
	// plus two fixed anchors.
	maxLead := time.Duration(cfg.MaxAdvanceHours * float64(time.Hour))
	for k := 1; k <= 24; k++ {
		candidate := deadline.Add(-(dur + time.Duration(k)*time.Hour))
		if deadline.Sub(candidate) > maxLead {
			break
		}
		if plan, ok := tryAccept(candidate, dur, 2*time.Hour, now, loc, cfg.PeakWindows, "avoid_peak_earlier"); ok {
			return plan, nil
		}
	}
	sixAM := time.Date(deadline.Year(), deadline.Month(), deadline.Day(), 6, 0, 0, 0, loc)
	if sixAM.After(deadline) {
		sixAM = sixAM.Add(-24 * time.Hour)
	}
	if plan, ok := tryAccept(sixAM.Add(-dur), dur, 2*time.Hour, now, loc, cfg.PeakWindows, "avoid_peak_end_at_six"); ok {
		return plan, nil
	}
	prevEveningTenPM := time.Date(deadline.Year(), deadline.Month(), deadline.Day(), 22, 0, 0, 0, loc).Add(-24 * time.Hour)
	if plan, ok := tryAccept(prevEveningTenPM, dur, 2*time.Hour, now, loc, cfg.PeakWindows, "avoid_peak_previous_evening"); ok {
		return plan, nil
	}

	// Strategy 3: minimal collision among offsets -3h..+1h relative to strategy 1.
	var bestStart time.Time
	bestOverlap := hours + 1 // sentinel worse than any acceptable overlap
	found := false
	for offsetH := -3; offsetH <= 1; offsetH++ {
		candidate := latestStart.Add(time.Duration(offsetH) * time.Hour)
		sendAt := candidate.Add(-2 * time.Hour)
		if !sendAt.After(now) {
			continue
		}
		overlap := overlapHoursWithPeak(candidate, candidate.Add(dur), loc, cfg.PeakWindows)
		if overlap <= hours*0.5 && overlap < bestOverlap {
			bestOverlap = overlap
			bestStart = candidate
			found = true
		}
	}
	if found {
		return model.ChargingPlan{
			ChargingStart:  bestStart,
			ChargingEnd:    bestStart.Add(dur),
			SendScheduleAt: bestStart.Add(-2 * time.Hour),
			Strategy:       "minimal_collision",
			RequiredHours:  hours,
		}, nil
	}

	// Strategy 4: fallback, accept unconditionally.
	fallbackStart := deadline.Add(-(dur + 30*time.Minute))
	return model.ChargingPlan{
		ChargingStart:  fallbackStart,
		ChargingEnd:    fallbackStart.Add(dur),
		SendScheduleAt: fallbackStart.Add(-time.Hour),
		Strategy:       "fallback",
		RequiredHours:  hours,
	}, nil
}

func tryAccept(start time.Time, dur, sendLead time.Duration, now time.Time, loc *time.Location, peaks []config.PeakWindow, strategy string) (model.ChargingPlan, bool) {
	end := start.Add(dur)
	sendAt := start.Add(-sendLead)
	if !sendAt.After(now) {
		return model.ChargingPlan{}, false
	}
	if overlapsPeak(start, end, loc, peaks) {
		return model.ChargingPlan{}, false
	}
	return model.ChargingPlan{
		ChargingStart:  start,
		ChargingEnd:    end,
		SendScheduleAt: sendAt,
		Strategy:       strategy,
		RequiredHours:  dur.Hours(),
	}, true
}

// SessionID implements §3's "special_{row}_{YYYYMMDD_HHMM}" key format.
func SessionID(row int, chargingStart time.Time) string {
	return fmt.Sprintf("special_%d_%s", row, chargingStart.Format("20060102_1504"))
}
