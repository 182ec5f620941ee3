package engine

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// PriorityScorer ranks units by how much they gain from coordinated pre-cooling
type PriorityScorer struct {
	weights  Weights
	coeff    Coefficients
	step     time.Duration
	peakMask []bool
}

// NewPriorityScorer builds a scorer for one cycle. peakMask marks the steps
// that fall in peak-rate hours; nil means the whole trace counts.
func NewPriorityScorer(cfg Config, peakMask []bool) *PriorityScorer {
	return &PriorityScorer{
		weights:  cfg.Weights,
		coeff:    cfg.Thermal,
		step:     cfg.Step(),
		peakMask: peakMask,
	}
}

// ExposureFactor is the outdoor exposure of a unit: its facade orientation
// plus the roof when nothing sits above it.
func (s *PriorityScorer) ExposureFactor(u Unit, topFloor bool) float64 {
	f := s.weights.Orientation[u.Orientation]
	if topFloor {
		f += s.weights.Roof
	}
	return f
}

// Score computes the disadvantage of one unit from its simulated trace
func (s *PriorityScorer) Score(u Unit, trace Trace, exposure float64) (DisadvantageScore, error) {
	if len(trace) == 0 {
		return DisadvantageScore{}, fmt.Errorf("unit %s: %w", u.ID, ErrMissingTrace)
	}

	var heatJ float64
	for _, st := range trace {
		if st.HeatFromAboveW > 0 {
			heatJ += st.HeatFromAboveW * s.step.Seconds()
		}
	}
	heatAboveK := heatJ / s.coeff.CapacitanceJPerK

	peak := math.Inf(-1)
	usePeak := s.peakMask != nil && len(s.peakMask) == len(trace) && anyTrue(s.peakMask)
	for i, st := range trace {
		if usePeak && !s.peakMask[i] {
			continue
		}
		if st.TempC > peak {
			peak = st.TempC
		}
	}

	massOffset := s.weights.ThermalMass * u.AreaSqFt / 1000.0

	value := heatAboveK*s.weights.HeatAbove + exposure*s.weights.Exposure + peak - massOffset
	if value < 0 || math.IsNaN(value) {
		value = 0
	}

	return DisadvantageScore{
		UnitID:     u.ID,
		Value:      value,
		HeatAboveK: heatAboveK,
		Exposure:   exposure,
		PeakTempC:  peak,
		MassOffset: massOffset,
	}, nil
}

// Rank returns scores ordered highest first, ties by ascending unit ID
func Rank(scores []DisadvantageScore) []DisadvantageScore {
	ranked := make([]DisadvantageScore, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Value != ranked[j].Value {
			return ranked[i].Value > ranked[j].Value
		}
		return ranked[i].UnitID < ranked[j].UnitID
	})
	return ranked
}

func anyTrue(mask []bool) bool {
	for _, b := range mask {
		if b {
			return true
		}
	}
	return false
}
