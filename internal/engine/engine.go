package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTrace       = errors.New("invalid trace")
	ErrInvalidCoefficient = errors.New("invalid thermal coefficient")
	ErrMissingTrace       = errors.New("missing thermal trace")
	ErrIncompleteInput    = errors.New("incomplete cycle input")
	ErrCapacity           = errors.New("off-peak capacity must be positive")
	ErrInvalidConfig      = errors.New("invalid engine configuration")
	ErrInvalidTariff      = errors.New("invalid tariff")
)

// Coefficients are the physical constants of the per-unit thermal model
type Coefficients struct {
	WallUValue       float64 `mapstructure:"wall_u_value" json:"wall_u_value"`               // W/m²K
	WallAreaM2       float64 `mapstructure:"wall_area_m2" json:"wall_area_m2"`               // exposed facade
	CapacitanceJPerK float64 `mapstructure:"capacitance_j_per_k" json:"capacitance_j_per_k"` // thermal mass
	InterFloorWPerK  float64 `mapstructure:"inter_floor_w_per_k" json:"inter_floor_w_per_k"` // slab conductance
}

// Weights tune the disadvantage score
type Weights struct {
	HeatAbove   float64                 `mapstructure:"heat_above" json:"heat_above"`
	Exposure    float64                 `mapstructure:"exposure" json:"exposure"`
	ThermalMass float64                 `mapstructure:"thermal_mass" json:"thermal_mass"`
	Roof        float64                 `mapstructure:"roof" json:"roof"`
	Orientation map[Orientation]float64 `mapstructure:"orientation" json:"orientation"`
}

// Config holds every tunable of a scheduling cycle
type Config struct {
	StepMinutes             int          `mapstructure:"step_minutes" json:"step_minutes"`
	InitialTempC            float64      `mapstructure:"initial_temp_c" json:"initial_temp_c"`
	StratificationCPerFloor float64      `mapstructure:"stratification_c_per_floor" json:"stratification_c_per_floor"`
	CoolingPowerW           float64      `mapstructure:"cooling_power_w" json:"cooling_power_w"`
	NeighborPasses          int          `mapstructure:"neighbor_passes" json:"neighbor_passes"`
	Thermal                 Coefficients `mapstructure:"thermal" json:"thermal"`
	Weights                 Weights      `mapstructure:"weights" json:"weights"`
	OffPeakCeiling          int          `mapstructure:"off_peak_ceiling" json:"off_peak_ceiling"`
	MinPreCoolHours         int          `mapstructure:"min_precool_hours" json:"min_precool_hours"`
	MaxPreCoolHours         int          `mapstructure:"max_precool_hours" json:"max_precool_hours"`
	BaselineHours           int          `mapstructure:"baseline_hours" json:"baseline_hours"`
	KWhPerSqFtHour          float64      `mapstructure:"kwh_per_sqft_hour" json:"kwh_per_sqft_hour"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		StepMinutes:             15,
		InitialTempC:            26.0,
		StratificationCPerFloor: 0.5,
		CoolingPowerW:           3500,
		NeighborPasses:          2,
		Thermal: Coefficients{
			WallUValue:       2.0,
			WallAreaM2:       40,
			CapacitanceJPerK: 2.0e7,
			InterFloorWPerK:  40,
		},
		Weights: DefaultWeights(),
		// 20 concurrent pre-cooling units per building transformer
		OffPeakCeiling:  20,
		MinPreCoolHours: 2,
		MaxPreCoolHours: 6,
		BaselineHours:   2,
		KWhPerSqFtHour:  0.01,
	}
}

// DefaultWeights mirrors the published scoring formula
func DefaultWeights() Weights {
	return Weights{
		HeatAbove:   2.5,
		Exposure:    1.8,
		ThermalMass: 1.0,
		Roof:        1.0,
		Orientation: map[Orientation]float64{
			South: 1.0,
			West:  0.8,
			East:  0.5,
			North: 0.2,
		},
	}
}

// Step returns the simulation time step
func (c Config) Step() time.Duration {
	return time.Duration(c.StepMinutes) * time.Minute
}

// Validate checks the configuration once at load time
func (c Config) Validate() error {
	if c.OffPeakCeiling <= 0 {
		return fmt.Errorf("%w: got %d", ErrCapacity, c.OffPeakCeiling)
	}
	if c.StepMinutes <= 0 || (24*60)%c.StepMinutes != 0 {
		return fmt.Errorf("%w: step_minutes %d must divide a day", ErrInvalidConfig, c.StepMinutes)
	}
	if err := c.Thermal.Validate(c.Step()); err != nil {
		return err
	}
	if c.NeighborPasses < 1 {
		return fmt.Errorf("%w: neighbor_passes must be at least 1", ErrInvalidConfig)
	}
	if c.MinPreCoolHours < 1 || c.MaxPreCoolHours < c.MinPreCoolHours {
		return fmt.Errorf("%w: pre-cool hours %d..%d", ErrInvalidConfig, c.MinPreCoolHours, c.MaxPreCoolHours)
	}
	if c.BaselineHours < 1 || c.BaselineHours > 24 {
		return fmt.Errorf("%w: baseline_hours %d", ErrInvalidConfig, c.BaselineHours)
	}
	if c.CoolingPowerW < 0 || c.KWhPerSqFtHour <= 0 {
		return fmt.Errorf("%w: cooling power and energy intensity must be positive", ErrInvalidConfig)
	}
	w := c.Weights
	if w.HeatAbove < 0 || w.Exposure < 0 || w.ThermalMass < 0 || w.Roof < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// Validate checks that every coefficient is positive and that the explicit
// update is stable for the given step.
func (k Coefficients) Validate(step time.Duration) error {
	named := []struct {
		name  string
		value float64
	}{
		{"wall_u_value", k.WallUValue},
		{"wall_area_m2", k.WallAreaM2},
		{"capacitance_j_per_k", k.CapacitanceJPerK},
		{"inter_floor_w_per_k", k.InterFloorWPerK},
		{"step_seconds", step.Seconds()},
	}
	for _, n := range named {
		if !(n.value > 0) {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidCoefficient, n.name, n.value)
		}
	}

	// worst case is a middle floor with both neighbours
	if ratio := step.Seconds() * (k.WallUValue*k.WallAreaM2 + 2*k.InterFloorWPerK) / k.CapacitanceJPerK; ratio > 1 {
		return fmt.Errorf("%w: step too coarse for capacitance (ratio %.3f > 1)", ErrInvalidCoefficient, ratio)
	}
	return nil
}

// DayGrid returns the start time of every step of the given local day
func DayGrid(day time.Time, step time.Duration) []time.Time {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	n := int((24 * time.Hour) / step)
	grid := make([]time.Time, n)
	for i := range grid {
		grid[i] = start.Add(time.Duration(i) * step)
	}
	return grid
}

// ParseDate parses YYYY-MM-DD in the given location
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return d, nil
}
