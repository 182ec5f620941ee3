package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDay = time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC)

// testTariff prices 15:00-23:00 at peak and everything else off-peak
func testTariff(peak, offPeak float64) Tariff {
	rates := make([]HourRate, 24)
	var hours []int
	for h := 0; h < 24; h++ {
		rate := offPeak
		if h >= 15 && h < 23 {
			rate = peak
			hours = append(hours, h)
		}
		rates[h] = HourRate{Hour: h, Rate: rate}
	}
	return Tariff{Rates: rates, IsPeak: PeakHours(hours)}
}

func flatWeather(day time.Time, tempC, humidity float64) []WeatherSlot {
	slots := make([]WeatherSlot, 24)
	for h := range slots {
		slots[h] = WeatherSlot{Time: day.Add(time.Duration(h) * time.Hour), TempC: tempC, Humidity: humidity}
	}
	return slots
}

// stack returns n south-facing 600 sq ft units on floors 1..n
func stack(n int, optedIn bool) []Unit {
	units := make([]Unit, n)
	for i := range units {
		units[i] = Unit{
			ID:                 unitID(i + 1),
			BuildingID:         "b1",
			Floor:              i + 1,
			Orientation:        South,
			AreaSqFt:           600,
			Residents:          2,
			PreferredStartHour: 19,
			OptedIn:            optedIn,
		}
	}
	return units
}

func unitID(floor int) string {
	return "u" + string(rune('a'+floor-1))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero ceiling", mutate: func(c *Config) { c.OffPeakCeiling = 0 }, wantErr: ErrCapacity},
		{name: "negative ceiling", mutate: func(c *Config) { c.OffPeakCeiling = -3 }, wantErr: ErrCapacity},
		{name: "step does not divide day", mutate: func(c *Config) { c.StepMinutes = 7 }, wantErr: ErrInvalidConfig},
		{name: "zero capacitance", mutate: func(c *Config) { c.Thermal.CapacitanceJPerK = 0 }, wantErr: ErrInvalidCoefficient},
		{name: "unstable step", mutate: func(c *Config) { c.Thermal.CapacitanceJPerK = 1000 }, wantErr: ErrInvalidCoefficient},
		{name: "no passes", mutate: func(c *Config) { c.NeighborPasses = 0 }, wantErr: ErrInvalidConfig},
		{name: "inverted pre-cool hours", mutate: func(c *Config) { c.MinPreCoolHours, c.MaxPreCoolHours = 4, 2 }, wantErr: ErrInvalidConfig},
		{name: "baseline too long", mutate: func(c *Config) { c.BaselineHours = 25 }, wantErr: ErrInvalidConfig},
		{name: "negative weight", mutate: func(c *Config) { c.Weights.Exposure = -1 }, wantErr: ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestDayGrid(t *testing.T) {
	grid := DayGrid(testDay.Add(13*time.Hour), 15*time.Minute)
	require.Len(t, grid, 96)
	assert.Equal(t, testDay, grid[0])
	assert.Equal(t, testDay.Add(23*time.Hour+45*time.Minute), grid[95])
}

func TestParseDate(t *testing.T) {
	hk, err := time.LoadLocation("Asia/Hong_Kong")
	require.NoError(t, err)

	d, err := ParseDate("2025-07-15", hk)
	require.NoError(t, err)
	assert.Equal(t, hk, d.Location())
	assert.Equal(t, 15, d.Day())

	_, err = ParseDate("15/07/2025", hk)
	assert.Error(t, err)
}
