package weather

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/awaistahir/climate-loop/internal/engine"
)

// DailyOutlook summarises one forecast day
type DailyOutlook struct {
	Date         string  `json:"date"`
	TempHighC    float64 `json:"temp_high"`
	TempLowC     float64 `json:"temp_low"`
	HumidityHigh float64 `json:"humidity_high"`
	HumidityLow  float64 `json:"humidity_low"`
	// HotDay marks days where cooling demand is elevated
	HotDay bool `json:"hot_day"`
}

type dailyResponse struct {
	Daily struct {
		Time        []string  `json:"time"`
		MaxTemp     []float64 `json:"temperature_2m_max"`
		MinTemp     []float64 `json:"temperature_2m_min"`
		MaxHumidity []float64 `json:"relative_humidity_2m_max"`
		MinHumidity []float64 `json:"relative_humidity_2m_min"`
	} `json:"daily"`
}

// Outlook fetches a daily outlook for the next days days
func (c *OpenMeteoClient) Outlook(ctx context.Context, b engine.Building, days int) ([]DailyOutlook, error) {
	if days < 1 || days > 16 {
		return nil, fmt.Errorf("days must be between 1 and 16, got %d", days)
	}
	loc, err := Location(b.Timezone)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Add("latitude", fmt.Sprintf("%.4f", b.Latitude))
	params.Add("longitude", fmt.Sprintf("%.4f", b.Longitude))
	params.Add("daily", "temperature_2m_max,temperature_2m_min,relative_humidity_2m_max,relative_humidity_2m_min")
	params.Add("timezone", loc.String())
	params.Add("forecast_days", fmt.Sprintf("%d", days))

	var data dailyResponse
	if err := c.get(ctx, params, &data); err != nil {
		return nil, err
	}

	d := data.Daily
	out := make([]DailyOutlook, 0, len(d.Time))
	for i := range d.Time {
		if _, err := time.Parse("2006-01-02", d.Time[i]); err != nil {
			continue
		}
		if i >= len(d.MaxTemp) || i >= len(d.MinTemp) {
			break
		}
		o := DailyOutlook{
			Date:      d.Time[i],
			TempHighC: d.MaxTemp[i],
			TempLowC:  d.MinTemp[i],
		}
		if i < len(d.MaxHumidity) {
			o.HumidityHigh = d.MaxHumidity[i]
		}
		if i < len(d.MinHumidity) {
			o.HumidityLow = d.MinHumidity[i]
		}
		o.HotDay = o.TempHighC > 32 || (o.TempHighC > 28 && o.HumidityHigh > 85)
		out = append(out, o)
	}
	return out, nil
}
