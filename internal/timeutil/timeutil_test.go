package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAndParseMinutesOfDayRoundTrip(t *testing.T) {
	for _, m := range []int{0, 1, 59, 60, 719, 720, 1439} {
		s := FormatMinutesOfDay(m)
		parsed, err := ParseMinutesOfDay(s)
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
}

func TestParseMinutesOfDayRejectsOutOfRange(t *testing.T) {
	_, err := ParseMinutesOfDay("25:00")
	assert.Error(t, err)
	_, err = ParseMinutesOfDay("10:60")
	assert.Error(t, err)
}

func TestUnwrapWindowHandlesMidnightCrossing(t *testing.T) {
	w := UnwrapWindow(23*60, 1*60)
	assert.Equal(t, 23*60, w.Start)
	assert.Equal(t, 24*60+60, w.End)
}

func TestUnwrapWindowHandlesPlainWindow(t *testing.T) {
	w := UnwrapWindow(13*60, 15*60)
	assert.Equal(t, 13*60, w.Start)
	assert.Equal(t, 15*60, w.End)
}

func TestOverlapsDetectsSameDayOverlap(t *testing.T) {
	a := UnwrapWindow(13*60, 15*60)
	b := UnwrapWindow(14*60, 16*60)
	assert.True(t, a.Overlaps(b))
}

func TestOverlapsDetectsNoOverlap(t *testing.T) {
	a := UnwrapWindow(13*60, 15*60)
	b := UnwrapWindow(16*60, 17*60)
	assert.False(t, a.Overlaps(b))
}

func TestOverlapsDetectsAcrossMidnightWrap(t *testing.T) {
	overnight := UnwrapWindow(23*60, 1*60)
	earlyMorning := UnwrapWindow(0, 30)
	assert.True(t, overnight.Overlaps(earlyMorning))
}

func TestOverlapMinutesComputesIntersectionSize(t *testing.T) {
	a := UnwrapWindow(13*60, 15*60)
	b := UnwrapWindow(14*60, 16*60)
	assert.Equal(t, 60, a.OverlapMinutes(b))
}

func TestResolveOverlapsAcceptsFirstInPriorityOrderOnConflict(t *testing.T) {
	windows := []Window{
		UnwrapWindow(13*60, 15*60),
		UnwrapWindow(14*60, 16*60),
		UnwrapWindow(20*60, 21*60),
	}
	accepted := ResolveOverlaps(windows)
	assert.Equal(t, []int{0, 2}, accepted)
}

func TestHashPlanIsOrderIndependent(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC)
	t3 := time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)
	t4 := time.Date(2026, 1, 1, 21, 0, 0, 0, time.UTC)

	a := []PlanSlotKey{
		{StartUTC: t1, EndUTC: t2, EnergyKWh: 22.0},
		{StartUTC: t3, EndUTC: t4, EnergyKWh: 5.0},
	}
	b := []PlanSlotKey{
		{StartUTC: t3, EndUTC: t4, EnergyKWh: 5.0},
		{StartUTC: t1, EndUTC: t2, EnergyKWh: 22.0},
	}
	assert.Equal(t, HashPlan(a), HashPlan(b))
}

func TestHashPlanChangesWhenContentChanges(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC)

	a := []PlanSlotKey{{StartUTC: t1, EndUTC: t2, EnergyKWh: 22.0}}
	b := []PlanSlotKey{{StartUTC: t1, EndUTC: t2, EnergyKWh: 22.5}}
	assert.NotEqual(t, HashPlan(a), HashPlan(b))
}
