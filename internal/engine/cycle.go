package engine

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrCycleState  = errors.New("cycle is not collecting inputs")
	ErrInvalidUnit = errors.New("invalid unit")
)

// CycleState is the position of a cycle in its lifecycle
type CycleState string

const (
	StateCollecting CycleState = "collecting"
	StateScoring    CycleState = "scoring"
	StateAllocating CycleState = "allocating"
	StatePublished  CycleState = "published"
)

// UnitFailure records why a unit fell back to a baseline schedule
type UnitFailure struct {
	UnitID string `json:"unit_id"`
	Reason string `json:"reason"`
	err    error
}

// Err returns the underlying error
func (f UnitFailure) Err() error {
	return f.err
}

// Cycle is one scheduling run for a building-day. Inputs are collected
// first; Run then scores, allocates and publishes in one pass.
type Cycle struct {
	cfg        Config
	buildingID string
	day        time.Time
	units      []Unit

	state        CycleState
	weather      []WeatherSlot
	hasWeather   bool
	tariff       *Tariff
	optIns       map[string]bool
	hasOptIns    bool
	initialTemps map[string]float64
}

// NewCycle starts a cycle in the collecting state. units is copied.
func NewCycle(cfg Config, buildingID string, day time.Time, units []Unit) *Cycle {
	c := &Cycle{
		cfg:        cfg,
		buildingID: buildingID,
		day:        time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location()),
		units:      append([]Unit(nil), units...),
	}
	c.Reset()
	return c
}

// State returns the current lifecycle state
func (c *Cycle) State() CycleState {
	return c.state
}

// Reset discards collected inputs and returns to collecting
func (c *Cycle) Reset() {
	c.state = StateCollecting
	c.weather = nil
	c.hasWeather = false
	c.tariff = nil
	c.optIns = nil
	c.hasOptIns = false
	c.initialTemps = nil
}

// SetWeather supplies the forecast snapshot
func (c *Cycle) SetWeather(slots []WeatherSlot) error {
	if c.state != StateCollecting {
		return ErrCycleState
	}
	c.weather = append([]WeatherSlot(nil), slots...)
	c.hasWeather = len(slots) > 0
	return nil
}

// SetTariff supplies the time-of-use schedule
func (c *Cycle) SetTariff(t Tariff) error {
	if c.state != StateCollecting {
		return ErrCycleState
	}
	cp := Tariff{Rates: append([]HourRate(nil), t.Rates...), IsPeak: t.IsPeak}
	c.tariff = &cp
	return nil
}

// SetOptIns supplies the participating unit IDs; an empty list is a valid
// input meaning nobody participates.
func (c *Cycle) SetOptIns(ids []string) error {
	if c.state != StateCollecting {
		return ErrCycleState
	}
	c.optIns = make(map[string]bool, len(ids))
	for _, id := range ids {
		c.optIns[id] = true
	}
	c.hasOptIns = true
	return nil
}

// SetInitialTemps overrides the modelled starting temperature of units with
// measured readings.
func (c *Cycle) SetInitialTemps(temps map[string]float64) error {
	if c.state != StateCollecting {
		return ErrCycleState
	}
	c.initialTemps = make(map[string]float64, len(temps))
	for id, t := range temps {
		c.initialTemps[id] = t
	}
	return nil
}

// Run executes the cycle. On failure nothing is published and the cycle
// returns to collecting so the caller can resupply inputs.
func (c *Cycle) Run() (Result, error) {
	if c.state != StateCollecting {
		return Result{}, ErrCycleState
	}

	var missing []string
	if !c.hasWeather {
		missing = append(missing, "weather forecast")
	}
	if c.tariff == nil {
		missing = append(missing, "tariff schedule")
	}
	if !c.hasOptIns {
		missing = append(missing, "opt-in list")
	}
	if len(missing) > 0 {
		return Result{}, fmt.Errorf("%w: missing %s", ErrIncompleteInput, strings.Join(missing, ", "))
	}

	res, err := c.run()
	if err != nil {
		c.state = StateCollecting
		return Result{}, err
	}
	c.state = StatePublished
	return res, nil
}

func (c *Cycle) run() (Result, error) {
	if err := c.cfg.Validate(); err != nil {
		return Result{}, err
	}
	if err := c.tariff.Validate(); err != nil {
		return Result{}, err
	}

	units := make([]Unit, len(c.units))
	for i, u := range c.units {
		u.OptedIn = c.optIns[u.ID]
		units[i] = u
	}
	if err := checkFloors(units); err != nil {
		return Result{}, err
	}

	c.state = StateScoring
	grid := DayGrid(c.day, c.cfg.Step())
	outdoor, err := ResampleOutdoor(c.weather, grid)
	if err != nil {
		return Result{}, err
	}

	traces, failures := c.simulate(units, grid, outdoor)

	scorer := NewPriorityScorer(c.cfg, c.tariff.PeakMask(grid))
	top := topFloor(units)
	scores := make([]DisadvantageScore, 0, len(units))
	for _, u := range units {
		tr, ok := traces[u.ID]
		if !u.OptedIn || !ok {
			continue
		}
		s, err := scorer.Score(u, tr, scorer.ExposureFactor(u, u.Floor == top))
		if err != nil {
			return Result{}, err
		}
		scores = append(scores, s)
	}

	c.state = StateAllocating
	alloc, err := NewScheduleCoordinator(c.cfg, c.day, c.weather).Allocate(units, scores, *c.tariff)
	if err != nil {
		return Result{}, err
	}

	return Result{
		BuildingID: c.buildingID,
		Date:       c.day.Format("2006-01-02"),
		Schedules:  alloc.Schedules,
		Ledger:     alloc.Ledger,
		Scores:     Rank(scores),
		Summary:    alloc.Summary,
		Degraded:   failures,
	}, nil
}

// simulate runs NeighborPasses relaxation passes. Within a pass every unit
// is simulated in parallel against the previous pass's neighbour traces.
func (c *Cycle) simulate(units []Unit, grid []time.Time, outdoor []float64) (map[string]Trace, []UnitFailure) {
	byFloor := make(map[int]int, len(units))
	for i, u := range units {
		byFloor[u.Floor] = i
	}
	bottom := math.MaxInt
	for _, u := range units {
		if u.Floor < bottom {
			bottom = u.Floor
		}
	}

	model := &ThermalModel{coeff: c.cfg.Thermal, step: c.cfg.Step()}
	traces := make([]Trace, len(units))
	errs := make([]error, len(units))

	for pass := 0; pass < c.cfg.NeighborPasses; pass++ {
		prev := traces
		next := make([]Trace, len(units))
		nextErrs := make([]error, len(units))

		var g errgroup.Group
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i := range units {
			i := i
			g.Go(func() error {
				u := units[i]
				in := SimulationInput{
					InitialTempC: c.initialTemp(u, bottom),
					Outdoor:      outdoor,
					Cooling:      CoolingTrace(grid, normalizeHour(u.PreferredStartHour), c.cfg.BaselineHours, c.cfg.CoolingPowerW),
				}
				if pass > 0 {
					in.Above = neighbourTemps(prev, byFloor, u.Floor+1)
					in.Below = neighbourTemps(prev, byFloor, u.Floor-1)
				}
				if !u.Orientation.Valid() {
					nextErrs[i] = fmt.Errorf("unit %s: %w: orientation %q", u.ID, ErrInvalidUnit, u.Orientation)
					return nil
				}
				next[i], nextErrs[i] = model.Simulate(u, in)
				return nil
			})
		}
		// goroutines report through nextErrs and always return nil
		g.Wait()

		traces, errs = next, nextErrs
	}

	out := make(map[string]Trace, len(units))
	var failures []UnitFailure
	for i, u := range units {
		if errs[i] != nil {
			failures = append(failures, UnitFailure{UnitID: u.ID, Reason: errs[i].Error(), err: errs[i]})
			continue
		}
		out[u.ID] = traces[i]
	}
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].UnitID < failures[j].UnitID
	})
	return out, failures
}

func (c *Cycle) initialTemp(u Unit, bottomFloor int) float64 {
	if t, ok := c.initialTemps[u.ID]; ok {
		return t
	}
	return c.cfg.InitialTempC + c.cfg.StratificationCPerFloor*float64(u.Floor-bottomFloor)
}

func neighbourTemps(prev []Trace, byFloor map[int]int, floor int) []float64 {
	i, ok := byFloor[floor]
	if !ok || prev[i] == nil {
		return nil
	}
	return prev[i].Temperatures()
}

func checkFloors(units []Unit) error {
	floors := make(map[int]string, len(units))
	for _, u := range units {
		if u.Floor < 1 {
			return fmt.Errorf("%w: unit %s has floor %d", ErrInvalidUnit, u.ID, u.Floor)
		}
		if other, dup := floors[u.Floor]; dup {
			return fmt.Errorf("%w: units %s and %s share floor %d", ErrInvalidUnit, other, u.ID, u.Floor)
		}
		floors[u.Floor] = u.ID
	}
	return nil
}

func topFloor(units []Unit) int {
	top := 0
	for _, u := range units {
		if u.Floor > top {
			top = u.Floor
		}
	}
	return top
}
