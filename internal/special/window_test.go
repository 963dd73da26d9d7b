package special

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mac923/offpeak-ev-controller/internal/config"
)

func testCfg() config.SpecialChargingConfig {
	return config.SpecialChargingConfig{
		ChargeRateKW:      11,
		PackCapacityKWh:   75,
		SafetyBufferHours: 1.5,
		MinAdvanceHours:   6,
		MaxAdvanceHours:   24,
		PeakWindows: []config.PeakWindow{
			{StartMinutes: 360, EndMinutes: 600},
			{StartMinutes: 1140, EndMinutes: 1320},
		},
	}
}

func TestRequiredHoursReturnsFalseWhenTargetAlreadyMet(t *testing.T) {
	_, ok := RequiredHours(60, 70, 75, 11)
	assert.False(t, ok)
}

func TestRequiredHoursComputesDuration(t *testing.T) {
	h, ok := RequiredHours(80, 50, 75, 11)
	require.True(t, ok)
	assert.InDelta(t, (0.30*75)/11, h, 0.001)
}

func TestSearchWindowAcceptsStrategyOneWhenItAvoidsPeak(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, loc)
	deadline := time.Date(2026, 3, 2, 5, 0, 0, 0, loc) // well clear of peak windows
	plan, err := SearchWindow(testCfg(), loc, now, deadline, 2.0)
	require.NoError(t, err)
	assert.Equal(t, "avoid_peak_standard", plan.Strategy)
	assert.True(t, plan.SendScheduleAt.After(now))
	assert.True(t, plan.ChargingEnd.Equal(plan.ChargingStart.Add(2 * time.Hour)))
}

func TestSearchWindowFallsThroughToFallbackWhenNothingElseFits(t *testing.T) {
	loc := time.UTC
	// Deadline only 10 minutes away: no strategy's send_schedule_at can
	// be in the future except the fallback's own send time test, which
	// the fallback strategy doesn't gate at all.
	now := time.Date(2026, 3, 1, 7, 50, 0, 0, loc)
	deadline := time.Date(2026, 3, 1, 8, 0, 0, 0, loc)
	plan, err := SearchWindow(testCfg(), loc, now, deadline, 1.0)
	require.NoError(t, err)
	assert.Equal(t, "fallback", plan.Strategy)
}

func TestSessionIDFormat(t *testing.T) {
	start := time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC)
	assert.Equal(t, "special_7_20260301_2230", SessionID(7, start))
}
