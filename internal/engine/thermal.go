package engine

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// ThermalModel integrates a lumped-capacitance model of one apartment with
// heat exchange to the floors directly above and below.
type ThermalModel struct {
	coeff Coefficients
	step  time.Duration
}

// SimulationInput carries the per-step inputs of one unit's simulation.
// Above and Below are nil when there is no neighbour on that side.
type SimulationInput struct {
	InitialTempC float64
	Outdoor      []float64 // °C per step
	Cooling      []float64 // W of heat removed per step
	Above        []float64 // °C of the unit above per step
	Below        []float64 // °C of the unit below per step
}

// NewThermalModel validates the coefficients for the given step
func NewThermalModel(coeff Coefficients, step time.Duration) (*ThermalModel, error) {
	if err := coeff.Validate(step); err != nil {
		return nil, err
	}
	return &ThermalModel{coeff: coeff, step: step}, nil
}

// Simulate returns the unit's state at the start of every step
func (m *ThermalModel) Simulate(u Unit, in SimulationInput) (Trace, error) {
	if err := m.coeff.Validate(m.step); err != nil {
		return nil, fmt.Errorf("unit %s: %w", u.ID, err)
	}
	if err := checkInput(in); err != nil {
		return nil, fmt.Errorf("unit %s: %w", u.ID, err)
	}

	dt := m.step.Seconds()
	c := m.coeff.CapacitanceJPerK
	ua := m.coeff.WallUValue * m.coeff.WallAreaM2
	k := m.coeff.InterFloorWPerK

	trace := make(Trace, len(in.Outdoor))
	t := in.InitialTempC
	for i := range in.Outdoor {
		var fromAbove, toBelow float64
		if in.Above != nil {
			fromAbove = k * (in.Above[i] - t)
		}
		if in.Below != nil {
			toBelow = k * (t - in.Below[i])
		}
		wallLoss := ua * (t - in.Outdoor[i])

		trace[i] = ThermalState{
			Step:           i,
			TempC:          t,
			CoolingW:       in.Cooling[i],
			HeatFromAboveW: fromAbove,
		}

		t += dt * (-in.Cooling[i] - wallLoss + fromAbove - toBelow) / c
	}
	return trace, nil
}

func checkInput(in SimulationInput) error {
	n := len(in.Outdoor)
	if n == 0 {
		return fmt.Errorf("%w: outdoor trace is empty", ErrInvalidTrace)
	}
	if len(in.Cooling) != n {
		return fmt.Errorf("%w: cooling trace has %d steps, outdoor has %d", ErrInvalidTrace, len(in.Cooling), n)
	}
	if in.Above != nil && len(in.Above) != n {
		return fmt.Errorf("%w: above-neighbour trace has %d steps, outdoor has %d", ErrInvalidTrace, len(in.Above), n)
	}
	if in.Below != nil && len(in.Below) != n {
		return fmt.Errorf("%w: below-neighbour trace has %d steps, outdoor has %d", ErrInvalidTrace, len(in.Below), n)
	}
	if !finite(in.InitialTempC) {
		return fmt.Errorf("%w: initial temperature is not finite", ErrInvalidTrace)
	}
	for i := 0; i < n; i++ {
		if in.Cooling[i] < 0 || !finite(in.Cooling[i]) {
			return fmt.Errorf("%w: cooling power at step %d is %v", ErrInvalidTrace, i, in.Cooling[i])
		}
		if !finite(in.Outdoor[i]) {
			return fmt.Errorf("%w: outdoor temperature at step %d is %v", ErrInvalidTrace, i, in.Outdoor[i])
		}
		if in.Above != nil && !finite(in.Above[i]) {
			return fmt.Errorf("%w: above-neighbour temperature at step %d is %v", ErrInvalidTrace, i, in.Above[i])
		}
		if in.Below != nil && !finite(in.Below[i]) {
			return fmt.Errorf("%w: below-neighbour temperature at step %d is %v", ErrInvalidTrace, i, in.Below[i])
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ResampleOutdoor linearly interpolates weather samples onto the grid,
// holding the first and last sample beyond the forecast range.
func ResampleOutdoor(slots []WeatherSlot, grid []time.Time) ([]float64, error) {
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: no weather samples", ErrInvalidTrace)
	}
	sorted := make([]WeatherSlot, len(slots))
	copy(sorted, slots)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	out := make([]float64, len(grid))
	j := 0
	for i, t := range grid {
		for j+1 < len(sorted) && !sorted[j+1].Time.After(t) {
			j++
		}
		switch {
		case !t.After(sorted[0].Time):
			out[i] = sorted[0].TempC
		case j+1 >= len(sorted):
			out[i] = sorted[len(sorted)-1].TempC
		default:
			a, b := sorted[j], sorted[j+1]
			span := b.Time.Sub(a.Time).Seconds()
			if span <= 0 {
				out[i] = b.TempC
				continue
			}
			f := t.Sub(a.Time).Seconds() / span
			out[i] = a.TempC + f*(b.TempC-a.TempC)
		}
	}
	return out, nil
}

// CoolingTrace returns powerW for steps inside [startHour, startHour+hours)
// and zero elsewhere; windows wrap past midnight.
func CoolingTrace(grid []time.Time, startHour, hours int, powerW float64) []float64 {
	out := make([]float64, len(grid))
	for i, t := range grid {
		if inHourWindow(t.Hour(), startHour, hours) {
			out[i] = powerW
		}
	}
	return out
}

func inHourWindow(hour, startHour, hours int) bool {
	if hours <= 0 {
		return false
	}
	if hours >= 24 {
		return true
	}
	offset := ((hour-startHour)%24 + 24) % 24
	return offset < hours
}
