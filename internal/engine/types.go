package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Orientation is the compass direction a unit's main facade faces
type Orientation string

const (
	North Orientation = "north"
	South Orientation = "south"
	East  Orientation = "east"
	West  Orientation = "west"
)

// Valid reports whether o is one of the four known orientations
func (o Orientation) Valid() bool {
	switch o {
	case North, South, East, West:
		return true
	}
	return false
}

// Unit is a single apartment taking part in building-wide coordination
type Unit struct {
	ID                 string      `json:"id"`
	BuildingID         string      `json:"building_id"`
	Floor              int         `json:"floor"`
	Orientation        Orientation `json:"orientation"`
	AreaSqFt           float64     `json:"area_sqft"`
	Residents          int         `json:"residents"`
	PreferredStartHour int         `json:"preferred_start_hour"` // baseline cooling start, 0-23
	OptedIn            bool        `json:"opted_in"`
}

// Building groups units stacked on unique floors
type Building struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"` // IANA name, e.g. Asia/Hong_Kong
}

// WeatherSlot is one forecast sample
type WeatherSlot struct {
	Time     time.Time `json:"time"`
	TempC    float64   `json:"temp_c"`
	Humidity float64   `json:"humidity"` // percentage 0-100
}

// HourRate is the electricity rate for one hour of the day
type HourRate struct {
	Hour int     `json:"hour"`
	Rate float64 `json:"rate"` // currency per kWh
}

// PeakPredicate decides whether an hour belongs to the peak period
type PeakPredicate func(hour int, rate float64) bool

// Tariff is a 24-hour time-of-use schedule
type Tariff struct {
	Rates  []HourRate
	IsPeak PeakPredicate
}

// ThermalState is the simulated condition of one unit at one time step
type ThermalState struct {
	Step           int     `json:"step"`
	TempC          float64 `json:"temp_c"`
	CoolingW       float64 `json:"cooling_w"`
	HeatFromAboveW float64 `json:"heat_from_above_w"`
}

// Trace is the temperature evolution of a unit over the simulated grid
type Trace []ThermalState

// Temperatures returns just the temperature series
func (t Trace) Temperatures() []float64 {
	out := make([]float64, len(t))
	for i, s := range t {
		out[i] = s.TempC
	}
	return out
}

// DisadvantageScore is a unit's priority for coordinated pre-cooling
type DisadvantageScore struct {
	UnitID     string  `json:"unit_id"`
	Value      float64 `json:"value"`
	HeatAboveK float64 `json:"heat_above_k"`
	Exposure   float64 `json:"exposure"`
	PeakTempC  float64 `json:"peak_temp_c"`
	MassOffset float64 `json:"mass_offset"`
}

// ScheduleMode says whether a unit takes part in coordination
type ScheduleMode string

const (
	ModePreCool  ScheduleMode = "precool"  // cools off-peak, coasts through the peak interval
	ModeBaseline ScheduleMode = "baseline" // cools at its preferred time
)

// ScheduleEntry is one unit's cooling plan for the day
type ScheduleEntry struct {
	UnitID     string          `json:"unit_id"`
	Mode       ScheduleMode    `json:"mode"`
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	CoastStart *time.Time      `json:"coast_start,omitempty"`
	CoastEnd   *time.Time      `json:"coast_end,omitempty"`
	Rank       int             `json:"rank"` // 1 = highest priority, 0 = unranked
	Score      float64         `json:"score"`
	Credits    decimal.Decimal `json:"credits"`
}

// EntryKind is the accounting side of a ledger entry
type EntryKind string

const (
	KindEarn   EntryKind = "earn"
	KindCharge EntryKind = "charge"
)

// LedgerEntry is a single credit movement
type LedgerEntry struct {
	UnitID string          `json:"unit_id"`
	Kind   EntryKind       `json:"kind"`
	Amount decimal.Decimal `json:"amount"` // positive for earn, negative for charge
	Memo   string          `json:"memo,omitempty"`
}

// CreditBalance is a unit's net credit position for a cycle
type CreditBalance struct {
	UnitID  string          `json:"unit_id"`
	Credits decimal.Decimal `json:"credits"`
}

// Summary aggregates a published cycle for the dashboard
type Summary struct {
	CoordinatedUnits      int             `json:"coordinated_units"`
	BaselineUnits         int             `json:"baseline_units"`
	DegradedUnits         int             `json:"degraded_units"`
	TotalCreditsIssued    decimal.Decimal `json:"total_credits_issued"`
	EstimatedSavings      decimal.Decimal `json:"estimated_savings"`
	AverageSavingsPerUnit decimal.Decimal `json:"average_savings_per_unit"`
	EstimatedTotalCost    decimal.Decimal `json:"estimated_total_cost"`
	PeakReductionPct      float64         `json:"peak_reduction_percentage"`
}

// Result is the immutable output of a published cycle
type Result struct {
	CycleID     string              `json:"cycle_id"`
	BuildingID  string              `json:"building_id"`
	Date        string              `json:"date"` // 2006-01-02
	PublishedAt time.Time           `json:"published_at"`
	Schedules   []ScheduleEntry     `json:"schedules"`
	Ledger      Ledger              `json:"ledger"`
	Scores      []DisadvantageScore `json:"scores"`
	Summary     Summary             `json:"summary"`
	Degraded    []UnitFailure       `json:"degraded,omitempty"`
}
