package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ScheduleCoordinator turns ranked scores into a capacity-bounded schedule
// and a balanced credit ledger for one building-day.
type ScheduleCoordinator struct {
	cfg           Config
	day           time.Time
	weatherFactor float64
}

// Allocation is the output of Allocate
type Allocation struct {
	Schedules []ScheduleEntry `json:"schedules"`
	Ledger    Ledger          `json:"ledger"`
	Summary   Summary         `json:"summary"`
	Peak      *PeakInterval   `json:"peak,omitempty"`
}

// NewScheduleCoordinator prepares allocation for the local day containing
// day. weather only feeds the energy estimate.
func NewScheduleCoordinator(cfg Config, day time.Time, weather []WeatherSlot) *ScheduleCoordinator {
	return &ScheduleCoordinator{
		cfg:           cfg,
		day:           time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location()),
		weatherFactor: WeatherFactor(weather),
	}
}

type unitPlan struct {
	unit         Unit
	entry        ScheduleEntry
	energyKWh    float64
	rate         float64 // average rate of the hours the unit actually cools
	baselineRate float64
	earned       decimal.Decimal
}

// Allocate assigns the highest-scoring opted-in units to off-peak pre-cooling
// slots until the ceiling is reached; everyone else gets a baseline entry.
func (c *ScheduleCoordinator) Allocate(units []Unit, scores []DisadvantageScore, tariff Tariff) (Allocation, error) {
	if c.cfg.OffPeakCeiling <= 0 {
		return Allocation{}, fmt.Errorf("%w: got %d", ErrCapacity, c.cfg.OffPeakCeiling)
	}
	if err := tariff.Validate(); err != nil {
		return Allocation{}, err
	}

	opted := map[string]Unit{}
	for _, u := range units {
		if !u.OptedIn {
			continue
		}
		if _, dup := opted[u.ID]; !dup {
			opted[u.ID] = u
		}
	}

	seen := map[string]bool{}
	eligible := make([]DisadvantageScore, 0, len(scores))
	for _, s := range scores {
		if _, ok := opted[s.UnitID]; ok && !seen[s.UnitID] {
			seen[s.UnitID] = true
			eligible = append(eligible, s)
		}
	}
	ranked := Rank(eligible)

	peak, hasPeak := tariff.PeakInterval()
	var slots []PreCoolSlot
	if hasPeak {
		slots = tariff.PreCoolSlots(peak, c.cfg.MinPreCoolHours, c.cfg.MaxPreCoolHours)
	}

	var hourLoad [24]int
	plans := make([]*unitPlan, 0, len(opted))

	for r, s := range ranked {
		u := opted[s.UnitID]
		p := c.newPlan(u, tariff)
		p.entry.Rank = r + 1
		p.entry.Score = s.Value

		if hasPeak && c.peakHoursOf(u, peak) == 0 {
			// no peak cooling to shift
			plans = append(plans, p)
			continue
		}
		if slot, ok := c.takeSlot(slots, &hourLoad, r); ok {
			coastStart := c.at(peak.StartHour)
			coastEnd := c.at(peak.EndHour)
			p.entry.Mode = ModePreCool
			p.entry.Start = c.at(slot.StartHour)
			p.entry.End = c.at(slot.EndHour())
			p.entry.CoastStart = &coastStart
			p.entry.CoastEnd = &coastEnd
			p.rate = slot.AvgRate
		}
		plans = append(plans, p)
	}

	degraded := 0
	for _, id := range sortedKeys(opted) {
		if seen[id] {
			continue
		}
		plans = append(plans, c.newPlan(opted[id], tariff))
		degraded++
	}

	ledger := Ledger{}
	if hasPeak {
		c.settle(plans, peak, &ledger)
	}

	alloc := Allocation{
		Schedules: make([]ScheduleEntry, len(plans)),
		Ledger:    ledger,
	}
	if hasPeak {
		pk := peak
		alloc.Peak = &pk
	}
	for i, p := range plans {
		p.entry.Credits = ledger.BalanceOf(p.unit.ID)
		alloc.Schedules[i] = p.entry
	}
	alloc.Summary = c.summarize(plans, ledger, peak, hasPeak, degraded)
	return alloc, nil
}

// newPlan builds the baseline entry every unit starts from
func (c *ScheduleCoordinator) newPlan(u Unit, tariff Tariff) *unitPlan {
	start := normalizeHour(u.PreferredStartHour)
	baselineRate := tariff.AverageRate(start, c.cfg.BaselineHours)
	begin := c.at(start)
	return &unitPlan{
		unit: u,
		entry: ScheduleEntry{
			UnitID: u.ID,
			Mode:   ModeBaseline,
			Start:  begin,
			End:    begin.Add(time.Duration(c.cfg.BaselineHours) * time.Hour),
		},
		energyKWh:    CoolingEnergyKWh(u, float64(c.cfg.BaselineHours), c.cfg.KWhPerSqFtHour, c.weatherFactor),
		rate:         baselineRate,
		baselineRate: baselineRate,
		earned:       decimal.Zero,
	}
}

// takeSlot reserves the rank's preferred slot, or the next one that still
// fits under the concurrency ceiling.
func (c *ScheduleCoordinator) takeSlot(slots []PreCoolSlot, load *[24]int, rank int) (PreCoolSlot, bool) {
	for i := 0; i < len(slots); i++ {
		cand := slots[(rank+i)%len(slots)]
		fits := true
		for h := cand.StartHour; h < cand.EndHour(); h++ {
			if load[h] >= c.cfg.OffPeakCeiling {
				fits = false
				break
			}
		}
		if !fits {
			continue
		}
		for h := cand.StartHour; h < cand.EndHour(); h++ {
			load[h]++
		}
		return cand, true
	}
	return PreCoolSlot{}, false
}

// settle writes the earn entries for coordinated units and charges the same
// total to units that cool during the peak interval.
func (c *ScheduleCoordinator) settle(plans []*unitPlan, peak PeakInterval, ledger *Ledger) {
	for _, p := range plans {
		if p.entry.Mode != ModePreCool {
			continue
		}
		amount := decimal.NewFromFloat((peak.Rate - p.rate) * c.peakEnergyKWh(p.unit, peak)).Round(creditPlaces)
		if !amount.IsPositive() {
			continue
		}
		p.earned = amount
		ledger.earn(p.unit.ID, amount, "coasted through peak interval")
	}

	issued := ledger.Issued()
	if !issued.IsPositive() {
		return
	}

	var payers []*unitPlan
	for _, p := range plans {
		if p.entry.Mode == ModeBaseline && c.peakHoursOf(p.unit, peak) > 0 {
			payers = append(payers, p)
		}
	}
	sort.SliceStable(payers, func(i, j int) bool {
		return payers[i].unit.ID < payers[j].unit.ID
	})
	weights := make([]float64, len(payers))
	for i, p := range payers {
		weights[i] = c.peakEnergyKWh(p.unit, peak)
	}

	if len(payers) == 0 {
		// nobody cooled in the peak: each pre-cooler carries its own charge
		for _, p := range plans {
			if p.earned.IsPositive() {
				ledger.charge(p.unit.ID, p.earned, "off-peak pre-cooling")
			}
		}
		return
	}

	for i, share := range splitProRata(issued, weights) {
		ledger.charge(payers[i].unit.ID, share, "cooled during peak interval")
	}
}

func (c *ScheduleCoordinator) summarize(plans []*unitPlan, ledger Ledger, peak PeakInterval, hasPeak bool, degraded int) Summary {
	s := Summary{
		DegradedUnits:      degraded,
		TotalCreditsIssued: ledger.Issued(),
	}

	savings, cost := 0.0, 0.0
	peakCount := 0
	for _, p := range plans {
		cost += p.energyKWh * p.rate
		if p.entry.Mode == ModePreCool {
			s.CoordinatedUnits++
			savings += p.energyKWh * (p.baselineRate - p.rate)
			continue
		}
		s.BaselineUnits++
		if hasPeak && c.peakHoursOf(p.unit, peak) > 0 {
			peakCount++
		}
	}

	s.EstimatedSavings = decimal.NewFromFloat(savings).Round(creditPlaces)
	s.EstimatedTotalCost = decimal.NewFromFloat(cost).Round(creditPlaces)
	s.AverageSavingsPerUnit = decimal.Zero
	if s.CoordinatedUnits > 0 {
		s.AverageSavingsPerUnit = s.EstimatedSavings.Div(decimal.NewFromInt(int64(s.CoordinatedUnits))).Round(creditPlaces)
	}
	if n := len(plans); n > 0 {
		pct := (1 - float64(peakCount)/float64(n)) * 100
		s.PeakReductionPct = math.Round(pct*100) / 100
	}
	return s
}

// at returns the wall-clock time of an hour on the coordinator's day;
// hour 24 is the following midnight.
func (c *ScheduleCoordinator) at(hour int) time.Time {
	return time.Date(c.day.Year(), c.day.Month(), c.day.Day(), hour, 0, 0, 0, c.day.Location())
}

// peakHoursOf counts the baseline cooling hours of u inside the peak interval
func (c *ScheduleCoordinator) peakHoursOf(u Unit, peak PeakInterval) int {
	return peakOverlapHours(normalizeHour(u.PreferredStartHour), c.cfg.BaselineHours, peak)
}

// peakEnergyKWh is the cooling energy of u's baseline hours inside the peak
func (c *ScheduleCoordinator) peakEnergyKWh(u Unit, peak PeakInterval) float64 {
	return CoolingEnergyKWh(u, float64(c.peakHoursOf(u, peak)), c.cfg.KWhPerSqFtHour, c.weatherFactor)
}

func peakOverlapHours(startHour, hours int, peak PeakInterval) int {
	n := 0
	for i := 0; i < hours && i < 24; i++ {
		if peak.Contains((startHour + i) % 24) {
			n++
		}
	}
	return n
}

func normalizeHour(h int) int {
	return ((h % 24) + 24) % 24
}

func sortedKeys(m map[string]Unit) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
