package engine

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// rates closer than this are considered equal when ordering slots
const rateEpsilon = 1e-9

// PeakHours treats the listed hours as the peak period
func PeakHours(hours []int) PeakPredicate {
	set := make(map[int]bool, len(hours))
	for _, h := range hours {
		set[h] = true
	}
	return func(hour int, _ float64) bool {
		return set[hour]
	}
}

// RateAbove treats every hour priced strictly above threshold as peak
func RateAbove(threshold float64) PeakPredicate {
	return func(_ int, rate float64) bool {
		return rate > threshold
	}
}

// Validate checks that the tariff covers each hour of the day exactly once
func (t Tariff) Validate() error {
	if t.IsPeak == nil {
		return fmt.Errorf("%w: no peak predicate", ErrInvalidTariff)
	}
	if len(t.Rates) != 24 {
		return fmt.Errorf("%w: expected 24 hourly rates, got %d", ErrInvalidTariff, len(t.Rates))
	}
	var seen [24]bool
	for _, r := range t.Rates {
		if r.Hour < 0 || r.Hour > 23 {
			return fmt.Errorf("%w: hour %d out of range", ErrInvalidTariff, r.Hour)
		}
		if seen[r.Hour] {
			return fmt.Errorf("%w: hour %d listed twice", ErrInvalidTariff, r.Hour)
		}
		if r.Rate < 0 {
			return fmt.Errorf("%w: negative rate at hour %d", ErrInvalidTariff, r.Hour)
		}
		seen[r.Hour] = true
	}
	return nil
}

func (t Tariff) byHour() [24]float64 {
	var rates [24]float64
	for _, r := range t.Rates {
		if r.Hour >= 0 && r.Hour < 24 {
			rates[r.Hour] = r.Rate
		}
	}
	return rates
}

func (t Tariff) peakFlags() [24]bool {
	var flags [24]bool
	rates := t.byHour()
	for h := 0; h < 24; h++ {
		flags[h] = t.IsPeak(h, rates[h])
	}
	return flags
}

// PeakInterval is the contiguous block of peak hours holding the top rate
type PeakInterval struct {
	StartHour int     `json:"start_hour"`
	EndHour   int     `json:"end_hour"` // exclusive
	Rate      float64 `json:"rate"`     // highest rate inside the block
}

// Hours returns the interval length
func (p PeakInterval) Hours() int {
	return p.EndHour - p.StartHour
}

// Contains reports whether hour falls inside the interval
func (p PeakInterval) Contains(hour int) bool {
	return hour >= p.StartHour && hour < p.EndHour
}

// PeakInterval finds the costliest contiguous peak block; ok is false when
// no hour is peak.
func (t Tariff) PeakInterval() (PeakInterval, bool) {
	rates := t.byHour()
	flags := t.peakFlags()

	best := -1
	for h := 0; h < 24; h++ {
		if flags[h] && (best < 0 || rates[h] > rates[best]) {
			best = h
		}
	}
	if best < 0 {
		return PeakInterval{}, false
	}

	start, end := best, best+1
	for start > 0 && flags[start-1] {
		start--
	}
	for end < 24 && flags[end] {
		end++
	}
	return PeakInterval{StartHour: start, EndHour: end, Rate: rates[best]}, true
}

// PreCoolSlot is a candidate window that ends when the peak interval starts
type PreCoolSlot struct {
	StartHour int     `json:"start_hour"`
	Hours     int     `json:"hours"`
	AvgRate   float64 `json:"avg_rate"`
}

// EndHour is the exclusive end of the slot
func (s PreCoolSlot) EndHour() int {
	return s.StartHour + s.Hours
}

// PreCoolSlots lists the off-peak windows directly before the peak interval,
// cheapest first and earliest on ties.
func (t Tariff) PreCoolSlots(peak PeakInterval, minHours, maxHours int) []PreCoolSlot {
	rates := t.byHour()
	flags := t.peakFlags()

	runStart := peak.StartHour
	for runStart > 0 && !flags[runStart-1] {
		runStart--
	}

	slots := []PreCoolSlot{}
	for start := runStart; start <= peak.StartHour-minHours; start++ {
		hours := peak.StartHour - start
		if hours > maxHours {
			continue
		}
		sum := 0.0
		for h := start; h < peak.StartHour; h++ {
			sum += rates[h]
		}
		slots = append(slots, PreCoolSlot{
			StartHour: start,
			Hours:     hours,
			AvgRate:   sum / float64(hours),
		})
	}

	sort.SliceStable(slots, func(i, j int) bool {
		if math.Abs(slots[i].AvgRate-slots[j].AvgRate) > rateEpsilon {
			return slots[i].AvgRate < slots[j].AvgRate
		}
		return slots[i].StartHour < slots[j].StartHour
	})
	return slots
}

// PeakMask marks the grid steps that fall in peak hours
func (t Tariff) PeakMask(grid []time.Time) []bool {
	flags := t.peakFlags()
	mask := make([]bool, len(grid))
	for i, ts := range grid {
		mask[i] = flags[ts.Hour()]
	}
	return mask
}

// AverageRate is the mean rate over [startHour, startHour+hours), wrapping
// past midnight.
func (t Tariff) AverageRate(startHour, hours int) float64 {
	if hours <= 0 {
		return 0
	}
	rates := t.byHour()
	sum := 0.0
	for i := 0; i < hours; i++ {
		sum += rates[(startHour+i)%24]
	}
	return sum / float64(hours)
}

// PeakHourList returns the hours the predicate marks as peak, ascending
func (t Tariff) PeakHourList() []int {
	hours := []int{}
	if t.IsPeak == nil {
		return hours
	}
	flags := t.peakFlags()
	for h, peak := range flags {
		if peak {
			hours = append(hours, h)
		}
	}
	return hours
}
