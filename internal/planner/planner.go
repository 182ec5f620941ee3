package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/awaistahir/climate-loop/internal/engine"
	"github.com/awaistahir/climate-loop/internal/metrics"
	"github.com/awaistahir/climate-loop/internal/store"
	"github.com/awaistahir/climate-loop/internal/tariff"
	"github.com/awaistahir/climate-loop/internal/weather"
)

// Store is the persistence the planner needs
type Store interface {
	GetBuilding(id string) (*engine.Building, error)
	ListBuildings() ([]*engine.Building, error)
	ListUnits(buildingID string) ([]*engine.Unit, error)
	OptedIn(buildingID string) ([]string, error)
	SetOptIn(buildingID, unitID string, enabled bool) error
	SavePublished(res *engine.Result) error
	GetPublished(buildingID, date string) (*engine.Result, error)
	CacheTariff(source string, date time.Time, doc tariff.Document) error
	GetCachedTariff(source string, date time.Time) (tariff.Document, error)
	CacheWeather(buildingID string, date time.Time, slots []engine.WeatherSlot, fetchedAt time.Time) error
	GetCachedWeather(buildingID string, date time.Time) ([]engine.WeatherSlot, time.Time, error)
}

// DefaultWeatherTTL is how long a cached forecast is reused before refetching
const DefaultWeatherTTL = 6 * time.Hour

// Deps wires a Planner
type Deps struct {
	Engine  engine.Config
	Store   Store
	Tariff  tariff.Source
	Weather weather.Source
	// TariffKey names the tariff source in the cache
	TariffKey   string
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Concurrency int
	WeatherTTL  time.Duration
	Now         func() time.Time
}

// Planner runs scheduling cycles against stored buildings
type Planner struct {
	cfg         engine.Config
	store       Store
	tariffs     tariff.Source
	tariffKey   string
	weather     weather.Source
	metrics     *metrics.Metrics
	log         *slog.Logger
	concurrency int
	weatherTTL  time.Duration
	now         func() time.Time
}

// New creates a planner; zero-valued optional deps get defaults
func New(d Deps) *Planner {
	p := &Planner{
		cfg:         d.Engine,
		store:       d.Store,
		tariffs:     d.Tariff,
		tariffKey:   d.TariffKey,
		weather:     d.Weather,
		metrics:     d.Metrics,
		log:         d.Logger,
		concurrency: d.Concurrency,
		weatherTTL:  d.WeatherTTL,
		now:         d.Now,
	}
	if p.tariffs == nil {
		p.tariffs = tariff.NewCLPSchedule()
	}
	if p.tariffKey == "" {
		p.tariffKey = "clp"
	}
	if p.weather == nil {
		p.weather = weather.NewTypical()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	if p.weatherTTL <= 0 {
		p.weatherTTL = DefaultWeatherTTL
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// RunCycle plans one building for date (YYYY-MM-DD, building local time)
// and publishes the result. Nothing is stored when the cycle fails.
func (p *Planner) RunCycle(ctx context.Context, buildingID, date string) (*engine.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	log := p.log.With("building", buildingID, "date", date)

	res, err := p.runCycle(ctx, log, buildingID, date)
	if err != nil {
		p.metrics.CycleFailed(time.Since(start))
		log.Error("cycle failed", "error", err)
		return nil, err
	}

	credits, _ := res.Summary.TotalCreditsIssued.Float64()
	p.metrics.CyclePublished(buildingID, time.Since(start), res.Summary.CoordinatedUnits, len(res.Degraded), credits)
	log.Info("cycle published",
		"cycle", res.CycleID,
		"coordinated", res.Summary.CoordinatedUnits,
		"baseline", res.Summary.BaselineUnits,
		"credits_issued", res.Summary.TotalCreditsIssued.String(),
		"peak_reduction_pct", res.Summary.PeakReductionPct,
	)
	return res, nil
}

func (p *Planner) runCycle(ctx context.Context, log *slog.Logger, buildingID, date string) (*engine.Result, error) {
	b, err := p.store.GetBuilding(buildingID)
	if err != nil {
		return nil, err
	}
	loc, err := weather.Location(b.Timezone)
	if err != nil {
		return nil, err
	}
	day, err := engine.ParseDate(date, loc)
	if err != nil {
		return nil, err
	}

	stored, err := p.store.ListUnits(b.ID)
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}
	units := make([]engine.Unit, len(stored))
	for i, u := range stored {
		units[i] = *u
	}
	optIns, err := p.store.OptedIn(b.ID)
	if err != nil {
		return nil, fmt.Errorf("listing opt-ins: %w", err)
	}

	cycle := engine.NewCycle(p.cfg, b.ID, day, units)
	if err := cycle.SetOptIns(optIns); err != nil {
		return nil, err
	}

	// fetch failures leave the input unset so the cycle reports it missing
	var fetchErrs []error
	if t, err := p.tariffFor(ctx, day); err != nil {
		log.Warn("tariff unavailable", "error", err)
		fetchErrs = append(fetchErrs, fmt.Errorf("tariff: %w", err))
	} else if err := cycle.SetTariff(t); err != nil {
		return nil, err
	}
	if slots, err := p.weatherFor(ctx, b, day); err != nil {
		log.Warn("weather unavailable", "error", err)
		fetchErrs = append(fetchErrs, fmt.Errorf("weather: %w", err))
	} else if err := cycle.SetWeather(slots); err != nil {
		return nil, err
	}

	res, err := cycle.Run()
	if err != nil {
		if len(fetchErrs) > 0 {
			return nil, fmt.Errorf("%w (%v)", err, errors.Join(fetchErrs...))
		}
		return nil, err
	}

	for _, f := range res.Degraded {
		log.Warn("unit degraded to baseline", "unit", f.UnitID, "reason", f.Reason)
	}

	res.CycleID = uuid.NewString()
	res.PublishedAt = p.now().UTC()
	if err := p.store.SavePublished(&res); err != nil {
		return nil, fmt.Errorf("publishing cycle: %w", err)
	}
	return &res, nil
}

func (p *Planner) tariffFor(ctx context.Context, day time.Time) (engine.Tariff, error) {
	if doc, err := p.store.GetCachedTariff(p.tariffKey, day); err == nil {
		if t, err := doc.Tariff(); err == nil {
			p.metrics.CacheHit("tariff")
			return t, nil
		}
	}
	p.metrics.CacheMiss("tariff")

	t, err := p.tariffs.Tariff(ctx, day)
	if err != nil {
		return engine.Tariff{}, err
	}
	if err := p.store.CacheTariff(p.tariffKey, day, tariff.NewDocument(t)); err != nil {
		p.log.Warn("caching tariff", "error", err)
	}
	return t, nil
}

func (p *Planner) weatherFor(ctx context.Context, b *engine.Building, day time.Time) ([]engine.WeatherSlot, error) {
	now := p.now()
	if slots, fetchedAt, err := p.store.GetCachedWeather(b.ID, day); err == nil && len(slots) > 0 && now.Sub(fetchedAt) < p.weatherTTL {
		p.metrics.CacheHit("weather")
		return slots, nil
	}
	p.metrics.CacheMiss("weather")

	slots, err := p.weather.Hourly(ctx, *b, day)
	if err != nil {
		return nil, err
	}
	if err := p.store.CacheWeather(b.ID, day, slots, now); err != nil {
		p.log.Warn("caching weather", "building", b.ID, "error", err)
	}
	return slots, nil
}

// Outcome is the result of planning one building in a batch
type Outcome struct {
	BuildingID string         `json:"building_id"`
	Result     *engine.Result `json:"result,omitempty"`
	Err        error          `json:"-"`
	Error      string         `json:"error,omitempty"`
}

// RunAll plans every registered building for date in parallel. One
// building's failure does not stop the others.
func (p *Planner) RunAll(ctx context.Context, date string) ([]Outcome, error) {
	buildings, err := p.store.ListBuildings()
	if err != nil {
		return nil, fmt.Errorf("listing buildings: %w", err)
	}

	outcomes := make([]Outcome, len(buildings))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, b := range buildings {
		i, id := i, b.ID
		g.Go(func() error {
			res, err := p.RunCycle(ctx, id, date)
			outcomes[i] = Outcome{BuildingID: id, Result: res, Err: err}
			if err != nil {
				outcomes[i].Error = err.Error()
			}
			return nil
		})
	}
	// failures land in outcomes; the group only bounds concurrency
	g.Wait()

	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].BuildingID < outcomes[j].BuildingID
	})
	return outcomes, nil
}

// Schedule returns the published result for a building and date
func (p *Planner) Schedule(buildingID, date string) (*engine.Result, error) {
	return p.store.GetPublished(buildingID, date)
}

// OptIn changes a unit's participation. It takes effect from the next cycle;
// already published schedules are untouched.
func (p *Planner) OptIn(buildingID, unitID string, enabled bool) error {
	if err := p.store.SetOptIn(buildingID, unitID, enabled); err != nil {
		return err
	}
	p.log.Info("opt-in updated", "building", buildingID, "unit", unitID, "enabled", enabled)
	return nil
}

// Tariff returns the tariff used for day, from cache when possible
func (p *Planner) Tariff(ctx context.Context, day time.Time) (engine.Tariff, error) {
	return p.tariffFor(ctx, day)
}

// Weather returns the forecast used for a building on date
func (p *Planner) Weather(ctx context.Context, buildingID, date string) ([]engine.WeatherSlot, error) {
	b, err := p.store.GetBuilding(buildingID)
	if err != nil {
		return nil, err
	}
	loc, err := weather.Location(b.Timezone)
	if err != nil {
		return nil, err
	}
	day, err := engine.ParseDate(date, loc)
	if err != nil {
		return nil, err
	}
	return p.weatherFor(ctx, b, day)
}

// Loop plans the next day for every building once a day at runAt (HH:MM in
// loc) until ctx is cancelled.
func (p *Planner) Loop(ctx context.Context, runAt string, loc *time.Location) error {
	at, err := time.Parse("15:04", runAt)
	if err != nil {
		return fmt.Errorf("invalid run time %q: %w", runAt, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := NextRun(p.now().In(loc), at.Hour(), at.Minute())
		p.log.Info("next planning run", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		date := next.AddDate(0, 0, 1).Format("2006-01-02")
		outcomes, err := p.RunAll(ctx, date)
		if err != nil {
			p.log.Error("batch planning failed", "date", date, "error", err)
			continue
		}
		failed := 0
		for _, o := range outcomes {
			if o.Err != nil {
				failed++
			}
		}
		p.log.Info("batch planning finished", "date", date, "buildings", len(outcomes), "failed", failed)
	}
}

// NextRun returns the first hour:minute strictly after now
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// IsNotFound reports whether err means nothing is stored
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
