package tariff

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/awaistahir/climate-loop/internal/engine"
)

// Published CLP residential rates in HK$/kWh
const (
	CLPBaseRate   = 1.432
	CLPFuelClause = 0.514

	peakMultiplier    = 1.5
	offPeakMultiplier = 0.8
)

// CLPPeakHours are the hours CLP bills at the peak rate (15:00 until midnight)
var CLPPeakHours = []int{15, 16, 17, 18, 19, 20, 21, 22, 23}

// Source supplies the time-of-use tariff for a day
type Source interface {
	Tariff(ctx context.Context, day time.Time) (engine.Tariff, error)
}

// Document is the wire and cache form of a tariff
type Document struct {
	TimeOfUse []engine.HourRate `json:"time_of_use"`
	PeakHours hourList          `json:"peak_hours"`
}

// Tariff converts the document into an engine tariff. Without explicit peak
// hours every hour above the daily mean counts as peak.
func (d Document) Tariff() (engine.Tariff, error) {
	t := engine.Tariff{Rates: append([]engine.HourRate(nil), d.TimeOfUse...)}
	if len(d.PeakHours) > 0 {
		t.IsPeak = engine.PeakHours(d.PeakHours)
	} else {
		t.IsPeak = engine.RateAbove(meanRate(d.TimeOfUse))
	}
	if err := t.Validate(); err != nil {
		return engine.Tariff{}, err
	}
	return t, nil
}

// NewDocument captures a tariff for storage or transport
func NewDocument(t engine.Tariff) Document {
	return Document{
		TimeOfUse: append([]engine.HourRate(nil), t.Rates...),
		PeakHours: t.PeakHourList(),
	}
}

// CLPSchedule generates the CLP tariff locally
type CLPSchedule struct {
	BaseRate   float64
	FuelClause float64
	PeakHours  []int
}

// NewCLPSchedule returns the schedule at published rates
func NewCLPSchedule() *CLPSchedule {
	return &CLPSchedule{
		BaseRate:   CLPBaseRate,
		FuelClause: CLPFuelClause,
		PeakHours:  CLPPeakHours,
	}
}

// Tariff returns the same schedule for every day
func (s *CLPSchedule) Tariff(_ context.Context, _ time.Time) (engine.Tariff, error) {
	return s.Document().Tariff()
}

// Document renders the schedule as 24 hourly rates
func (s *CLPSchedule) Document() Document {
	peak := make(map[int]bool, len(s.PeakHours))
	for _, h := range s.PeakHours {
		peak[h] = true
	}

	unit := s.BaseRate + s.FuelClause
	rates := make([]engine.HourRate, 0, 24)
	for hour := 0; hour < 24; hour++ {
		mult := offPeakMultiplier
		if peak[hour] {
			mult = peakMultiplier
		}
		rates = append(rates, engine.HourRate{Hour: hour, Rate: round3(unit * mult)})
	}
	return Document{TimeOfUse: rates, PeakHours: append(hourList(nil), s.PeakHours...)}
}

// Client fetches a CLP-style time-of-use document over HTTP
type Client struct {
	httpClient *http.Client
	endpoint   string
}

// NewClient creates a client for the given endpoint
func NewClient(endpoint string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   endpoint,
	}
}

type envelope struct {
	Success bool     `json:"success"`
	Data    Document `json:"data"`
	Error   string   `json:"error"`
}

// Tariff fetches the schedule for day
func (c *Client) Tariff(ctx context.Context, day time.Time) (engine.Tariff, error) {
	doc, err := c.Fetch(ctx, day)
	if err != nil {
		return engine.Tariff{}, err
	}
	return doc.Tariff()
}

// Fetch returns the raw document for day
func (c *Client) Fetch(ctx context.Context, day time.Time) (Document, error) {
	params := url.Values{}
	params.Add("date", day.Format("2006-01-02"))
	fullURL := fmt.Sprintf("%s?%s", c.endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetching tariff: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Document{}, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Document{}, fmt.Errorf("decoding response: %w", err)
	}
	if !env.Success {
		return Document{}, fmt.Errorf("tariff source reported failure: %s", env.Error)
	}
	return env.Data, nil
}

// hourList accepts hours as numbers or zero-padded strings ("15")
type hourList []int

func (h *hourList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("peak_hours: %w", err)
	}
	out := make(hourList, 0, len(raw))
	for _, r := range raw {
		var n int
		if err := json.Unmarshal(r, &n); err == nil {
			out = append(out, n)
			continue
		}
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			return fmt.Errorf("peak_hours: %s is neither number nor string", string(r))
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("peak_hours: %w", err)
		}
		out = append(out, n)
	}
	*h = out
	return nil
}

func meanRate(rates []engine.HourRate) float64 {
	if len(rates) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range rates {
		sum += r.Rate
	}
	return sum / float64(len(rates))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
