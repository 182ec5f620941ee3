package engine

import (
	"fmt"
	"math"
)

// WeatherFactor scales cooling energy for hot or humid days
func WeatherFactor(slots []WeatherSlot) float64 {
	if len(slots) == 0 {
		return 1.0
	}
	maxTemp, maxHumidity := math.Inf(-1), math.Inf(-1)
	for _, s := range slots {
		maxTemp = math.Max(maxTemp, s.TempC)
		maxHumidity = math.Max(maxHumidity, s.Humidity)
	}

	factor := 1.0
	switch {
	case maxTemp > 32:
		factor *= 1.3
	case maxTemp > 28:
		factor *= 1.15
	}
	if maxHumidity > 85 {
		factor *= 1.1
	}
	return factor
}

// CoolingEnergyKWh estimates the energy a unit uses for hours of cooling
func CoolingEnergyKWh(u Unit, hours float64, kwhPerSqFtHour, weatherFactor float64) float64 {
	if hours <= 0 {
		return 0
	}
	return u.AreaSqFt * kwhPerSqFtHour * hours * weatherFactor
}

// SavingsEstimate is a quick monthly projection for a prospective unit
type SavingsEstimate struct {
	MonthlySavings int `json:"monthly_savings"`
	CreditsEarned  int `json:"credits_earned"`
	TotalBenefit   int `json:"total_benefit"`
	YearlyBenefit  int `json:"yearly_benefit"`
}

var orientationMultiplier = map[Orientation]float64{
	South: 1.4,
	West:  1.2,
	East:  1.0,
	North: 0.8,
}

// EstimateSavings projects monthly savings without running a cycle.
// Higher and sun-facing floors save more; credits add 30% on top.
func EstimateSavings(floor int, orientation Orientation, areaSqFt float64) (SavingsEstimate, error) {
	if floor < 1 {
		return SavingsEstimate{}, fmt.Errorf("floor must be positive, got %d", floor)
	}
	if areaSqFt <= 0 {
		return SavingsEstimate{}, fmt.Errorf("area must be positive, got %v", areaSqFt)
	}
	mult, ok := orientationMultiplier[orientation]
	if !ok {
		return SavingsEstimate{}, fmt.Errorf("unknown orientation %q", orientation)
	}

	const baseSavings = 200.0
	floorFactor := math.Min(float64(floor)/50.0, 1.0) * 100
	sizeFactor := areaSqFt / 600.0

	monthly := int(baseSavings * (1 + floorFactor/100) * mult * sizeFactor)
	credits := int(float64(monthly) * 0.3)

	return SavingsEstimate{
		MonthlySavings: monthly,
		CreditsEarned:  credits,
		TotalBenefit:   monthly + credits,
		YearlyBenefit:  (monthly + credits) * 12,
	}, nil
}
