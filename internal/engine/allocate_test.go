package engine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scoresByFloor scores every unit with its floor number
func scoresByFloor(units []Unit) []DisadvantageScore {
	out := make([]DisadvantageScore, len(units))
	for i, u := range units {
		out[i] = DisadvantageScore{UnitID: u.ID, Value: float64(u.Floor)}
	}
	return out
}

func modes(entries []ScheduleEntry) map[string]ScheduleMode {
	out := make(map[string]ScheduleMode, len(entries))
	for _, e := range entries {
		out[e.UnitID] = e.Mode
	}
	return out
}

func TestAllocateCapacityBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OffPeakCeiling = 1
	units := stack(10, true)

	alloc, err := NewScheduleCoordinator(cfg, testDay, nil).Allocate(units, scoresByFloor(units), testTariff(1.65, 0.82))
	require.NoError(t, err)
	require.Len(t, alloc.Schedules, 10)

	precool := 0
	for _, e := range alloc.Schedules {
		if e.Mode == ModePreCool {
			precool++
			assert.Equal(t, unitID(10), e.UnitID)
			assert.Equal(t, 1, e.Rank)
		}
	}
	assert.Equal(t, 1, precool)
	assert.Equal(t, 1, alloc.Summary.CoordinatedUnits)
	assert.Equal(t, 9, alloc.Summary.BaselineUnits)
	assert.True(t, alloc.Ledger.Total().IsZero(), "ledger total %s", alloc.Ledger.Total())
}

func TestAllocatePreCoolEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OffPeakCeiling = 1
	units := stack(3, true)

	alloc, err := NewScheduleCoordinator(cfg, testDay, nil).Allocate(units, scoresByFloor(units), testTariff(1.65, 0.82))
	require.NoError(t, err)
	require.NotNil(t, alloc.Peak)

	top := alloc.Schedules[0]
	assert.Equal(t, unitID(3), top.UnitID)
	assert.Equal(t, ModePreCool, top.Mode)
	assert.True(t, testDay.Add(9*time.Hour).Equal(top.Start))
	assert.True(t, testDay.Add(15*time.Hour).Equal(top.End))
	require.NotNil(t, top.CoastStart)
	require.NotNil(t, top.CoastEnd)
	assert.True(t, testDay.Add(15*time.Hour).Equal(*top.CoastStart))
	assert.True(t, testDay.Add(23*time.Hour).Equal(*top.CoastEnd))

	// 600 sq ft * 0.01 kWh * 2 h at a 0.83 spread
	assert.True(t, dec("9.96").Equal(top.Credits), "credits %s", top.Credits)
	assert.True(t, dec("9.96").Equal(alloc.Summary.TotalCreditsIssued))
}

func TestAllocateZeroSumWithPayers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OffPeakCeiling = 3
	units := stack(7, true)

	alloc, err := NewScheduleCoordinator(cfg, testDay, flatWeather(testDay, 33, 90)).Allocate(units, scoresByFloor(units), testTariff(1.65, 0.82))
	require.NoError(t, err)

	assert.True(t, alloc.Ledger.Total().IsZero())
	assert.Equal(t, 3, alloc.Summary.CoordinatedUnits)

	for _, e := range alloc.Schedules {
		if e.Mode == ModePreCool {
			assert.True(t, e.Credits.IsPositive(), "unit %s", e.UnitID)
		} else {
			assert.True(t, e.Credits.IsNegative(), "unit %s", e.UnitID)
		}
	}
}

func TestAllocateSelfChargeWithoutPayers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OffPeakCeiling = 3
	units := stack(3, true)

	alloc, err := NewScheduleCoordinator(cfg, testDay, nil).Allocate(units, scoresByFloor(units), testTariff(1.65, 0.82))
	require.NoError(t, err)

	assert.Equal(t, 3, alloc.Summary.CoordinatedUnits)
	assert.True(t, alloc.Ledger.Total().IsZero())
	assert.True(t, alloc.Summary.TotalCreditsIssued.IsPositive())
	for _, e := range alloc.Schedules {
		assert.True(t, e.Credits.IsZero(), "unit %s holds %s", e.UnitID, e.Credits)
	}
	assert.Equal(t, 100.0, alloc.Summary.PeakReductionPct)
}

func TestAllocateSkipsUnitsWithoutPeakCooling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OffPeakCeiling = 1
	units := stack(3, true)
	// top-ranked unit already cools at 02:00
	units[2].PreferredStartHour = 2

	alloc, err := NewScheduleCoordinator(cfg, testDay, nil).Allocate(units, scoresByFloor(units), testTariff(1.65, 0.82))
	require.NoError(t, err)

	byID := map[string]ScheduleEntry{}
	for _, e := range alloc.Schedules {
		byID[e.UnitID] = e
	}
	top := byID[unitID(3)]
	assert.Equal(t, ModeBaseline, top.Mode)
	assert.Equal(t, 1, top.Rank)
	assert.True(t, top.Credits.IsZero(), "credits %s", top.Credits)

	assert.Equal(t, ModePreCool, byID[unitID(2)].Mode)
	assert.True(t, dec("9.96").Equal(byID[unitID(2)].Credits), "credits %s", byID[unitID(2)].Credits)
	assert.True(t, dec("-9.96").Equal(byID[unitID(1)].Credits), "credits %s", byID[unitID(1)].Credits)
	assert.True(t, alloc.Ledger.Total().IsZero())
	assert.Equal(t, 1, alloc.Summary.CoordinatedUnits)
}

func TestAllocateCreditsPeakOverlapOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OffPeakCeiling = 1
	units := stack(2, true)
	// 22:00-24:00 has one hour inside the 15:00-23:00 peak
	units[1].PreferredStartHour = 22

	alloc, err := NewScheduleCoordinator(cfg, testDay, nil).Allocate(units, scoresByFloor(units), testTariff(1.65, 0.82))
	require.NoError(t, err)

	byID := map[string]ScheduleEntry{}
	for _, e := range alloc.Schedules {
		byID[e.UnitID] = e
	}
	assert.Equal(t, ModePreCool, byID[unitID(2)].Mode)
	assert.True(t, dec("4.98").Equal(byID[unitID(2)].Credits), "credits %s", byID[unitID(2)].Credits)
	assert.True(t, dec("-4.98").Equal(byID[unitID(1)].Credits), "credits %s", byID[unitID(1)].Credits)
	assert.True(t, dec("4.98").Equal(alloc.Summary.TotalCreditsIssued))
}

func TestAllocateOnlyOptedInUnits(t *testing.T) {
	units := stack(4, true)
	units[1].OptedIn = false

	alloc, err := NewScheduleCoordinator(DefaultConfig(), testDay, nil).Allocate(units, scoresByFloor(units), testTariff(1.65, 0.82))
	require.NoError(t, err)

	got := modes(alloc.Schedules)
	assert.Len(t, got, 3)
	assert.NotContains(t, got, unitID(2))
}

func TestAllocateUnscoredUnitsDegrade(t *testing.T) {
	units := stack(3, true)
	scores := scoresByFloor(units)[1:]

	alloc, err := NewScheduleCoordinator(DefaultConfig(), testDay, nil).Allocate(units, scores, testTariff(1.65, 0.82))
	require.NoError(t, err)

	assert.Equal(t, ModeBaseline, modes(alloc.Schedules)[unitID(1)])
	assert.Equal(t, 1, alloc.Summary.DegradedUnits)
	assert.Equal(t, 2, alloc.Summary.CoordinatedUnits)
	assert.True(t, alloc.Ledger.Total().IsZero())
}

func TestAllocateWithoutPeak(t *testing.T) {
	units := stack(3, true)
	tariff := testTariff(0.8, 0.8)
	tariff.IsPeak = RateAbove(5)

	alloc, err := NewScheduleCoordinator(DefaultConfig(), testDay, nil).Allocate(units, scoresByFloor(units), tariff)
	require.NoError(t, err)

	assert.Nil(t, alloc.Peak)
	assert.Empty(t, alloc.Ledger.Entries)
	for _, e := range alloc.Schedules {
		assert.Equal(t, ModeBaseline, e.Mode)
	}
}

func TestAllocateCapacityError(t *testing.T) {
	for _, ceiling := range []int{0, -1} {
		cfg := DefaultConfig()
		cfg.OffPeakCeiling = ceiling
		_, err := NewScheduleCoordinator(cfg, testDay, nil).Allocate(stack(2, true), nil, testTariff(1.65, 0.82))
		assert.True(t, errors.Is(err, ErrCapacity), "ceiling %d: %v", ceiling, err)
	}
}

func TestAllocateIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OffPeakCeiling = 4
	units := stack(9, true)
	weather := flatWeather(testDay, 31, 80)

	run := func() []byte {
		alloc, err := NewScheduleCoordinator(cfg, testDay, weather).Allocate(units, scoresByFloor(units), testTariff(1.65, 0.82))
		require.NoError(t, err)
		b, err := json.Marshal(alloc)
		require.NoError(t, err)
		return b
	}

	first := run()
	for i := 0; i < 3; i++ {
		assert.Equal(t, string(first), string(run()))
	}
}
