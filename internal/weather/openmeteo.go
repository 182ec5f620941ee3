package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	_ "time/tzdata"

	"github.com/awaistahir/climate-loop/internal/engine"
)

const (
	// DefaultBaseURL is the public Open-Meteo forecast endpoint
	DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"
	// DefaultTimezone applies when a building has none configured
	DefaultTimezone = "Asia/Hong_Kong"
)

// Source supplies the hourly forecast for a building's local day
type Source interface {
	Hourly(ctx context.Context, b engine.Building, day time.Time) ([]engine.WeatherSlot, error)
}

// OpenMeteoClient fetches forecasts from the Open-Meteo API
type OpenMeteoClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewOpenMeteoClient creates a client; an empty baseURL uses DefaultBaseURL
func NewOpenMeteoClient(baseURL string) *OpenMeteoClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &OpenMeteoClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}
}

type hourlyResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
	Hourly    struct {
		Time               []string   `json:"time"`
		Temperature2m      []*float64 `json:"temperature_2m"`
		RelativeHumidity2m []*float64 `json:"relative_humidity_2m"`
	} `json:"hourly"`
}

// Hourly fetches temperature and humidity for every hour of the calendar date
// of day in the building's timezone. Hours with missing readings are skipped.
func (c *OpenMeteoClient) Hourly(ctx context.Context, b engine.Building, day time.Time) ([]engine.WeatherSlot, error) {
	loc, err := Location(b.Timezone)
	if err != nil {
		return nil, err
	}
	date := day.Format("2006-01-02")

	params := url.Values{}
	params.Add("latitude", fmt.Sprintf("%.4f", b.Latitude))
	params.Add("longitude", fmt.Sprintf("%.4f", b.Longitude))
	params.Add("hourly", "temperature_2m,relative_humidity_2m")
	params.Add("timezone", loc.String())
	params.Add("start_date", date)
	params.Add("end_date", date)

	var meteoResp hourlyResponse
	if err := c.get(ctx, params, &meteoResp); err != nil {
		return nil, err
	}

	h := meteoResp.Hourly
	slots := make([]engine.WeatherSlot, 0, len(h.Time))
	for i := range h.Time {
		if i >= len(h.Temperature2m) || h.Temperature2m[i] == nil {
			continue
		}
		t, err := time.ParseInLocation("2006-01-02T15:04", h.Time[i], loc)
		if err != nil {
			continue
		}
		slot := engine.WeatherSlot{Time: t, TempC: *h.Temperature2m[i]}
		if i < len(h.RelativeHumidity2m) && h.RelativeHumidity2m[i] != nil {
			slot.Humidity = *h.RelativeHumidity2m[i]
		}
		slots = append(slots, slot)
	}

	if len(slots) == 0 {
		return nil, fmt.Errorf("no hourly readings for %s", date)
	}
	return slots, nil
}

func (c *OpenMeteoClient) get(ctx context.Context, params url.Values, into any) error {
	fullURL := fmt.Sprintf("%s?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Location resolves an IANA timezone, defaulting to Hong Kong
func Location(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", name, err)
	}
	return loc, nil
}
