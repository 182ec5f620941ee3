package weather

import (
	"context"
	"math"
	"time"

	"github.com/awaistahir/climate-loop/internal/engine"
)

// Typical is an offline source producing a smooth diurnal cycle, coolest at
// 05:00 and hottest at 15:00. The defaults follow a Hong Kong summer day.
type Typical struct {
	LowC         float64
	HighC        float64
	HumidityLow  float64
	HumidityHigh float64
}

// NewTypical returns a Hong Kong summer profile (26-32 °C, 70-90 %RH)
func NewTypical() *Typical {
	return &Typical{LowC: 26, HighC: 32, HumidityLow: 70, HumidityHigh: 90}
}

// Hourly returns 24 hourly samples for the building's local day
func (s *Typical) Hourly(_ context.Context, b engine.Building, day time.Time) ([]engine.WeatherSlot, error) {
	loc, err := Location(b.Timezone)
	if err != nil {
		return nil, err
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)

	slots := make([]engine.WeatherSlot, 24)
	for h := range slots {
		// 0 at 05:00, 1 at 15:00
		var heat float64
		switch {
		case h < 5:
			heat = (1 + math.Cos(math.Pi*float64(h+9)/14)) / 2
		case h <= 15:
			heat = (1 - math.Cos(math.Pi*float64(h-5)/10)) / 2
		default:
			heat = (1 + math.Cos(math.Pi*float64(h-15)/14)) / 2
		}
		slots[h] = engine.WeatherSlot{
			Time:     start.Add(time.Duration(h) * time.Hour),
			TempC:    s.LowC + heat*(s.HighC-s.LowC),
			Humidity: s.HumidityHigh - heat*(s.HumidityHigh-s.HumidityLow),
		}
	}
	return slots, nil
}
