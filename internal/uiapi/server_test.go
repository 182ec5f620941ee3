package uiapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awaistahir/climate-loop/internal/engine"
	"github.com/awaistahir/climate-loop/internal/metrics"
	"github.com/awaistahir/climate-loop/internal/planner"
	"github.com/awaistahir/climate-loop/internal/store"
	"github.com/awaistahir/climate-loop/internal/weather"
)

const testDate = "2025-07-15"

type stubTariff struct{}

func (stubTariff) Tariff(_ context.Context, _ time.Time) (engine.Tariff, error) {
	rates := make([]engine.HourRate, 24)
	var peak []int
	for h := range rates {
		rate := 0.82
		if h >= 15 && h < 23 {
			rate = 1.65
			peak = append(peak, h)
		}
		rates[h] = engine.HourRate{Hour: h, Rate: rate}
	}
	return engine.Tariff{Rates: rates, IsPeak: engine.PeakHours(peak)}, nil
}

type stubWeather struct{}

func (stubWeather) Hourly(_ context.Context, _ engine.Building, day time.Time) ([]engine.WeatherSlot, error) {
	slots := make([]engine.WeatherSlot, 24)
	for h := range slots {
		slots[h] = engine.WeatherSlot{Time: day.Add(time.Duration(h) * time.Hour), TempC: 30, Humidity: 70}
	}
	return slots, nil
}

type stubOutlook struct{}

func (stubOutlook) Outlook(_ context.Context, _ engine.Building, days int) ([]weather.DailyOutlook, error) {
	out := make([]weather.DailyOutlook, days)
	for i := range out {
		out[i] = weather.DailyOutlook{Date: "2025-07-1" + string(rune('5'+i)), TempHighC: 33, TempLowC: 27, HotDay: true}
	}
	return out, nil
}

type testServer struct {
	handler http.Handler
	store   *store.Store
}

func newTestServer(t *testing.T, outlook Outlooker) *testServer {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := engine.DefaultConfig()
	cfg.OffPeakCeiling = 2
	m := metrics.New(prometheus.NewRegistry())
	p := planner.New(planner.Deps{
		Engine:  cfg,
		Store:   st,
		Tariff:  stubTariff{},
		Weather: stubWeather{},
		Metrics: m,
	})

	srv := NewServer(Deps{Store: st, Planner: p, Outlook: outlook, Metrics: m})
	return &testServer{handler: srv.Handler(), store: st}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into), rec.Body.String())
}

// seed registers building b1 with three opted-in south-facing units
func (ts *testServer) seed(t *testing.T) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/buildings", `{"id":"b1","name":"Harbour View","latitude":22.3,"longitude":114.17,"timezone":"UTC"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	for floor, id := range []string{"ua", "ub", "uc"} {
		body := `{"id":"` + id + `","floor":` + string(rune('1'+floor)) + `,"orientation":"south","area_sqft":600,"residents":2,"preferred_start_hour":19,"opted_in":true}`
		rec := ts.do(t, http.MethodPost, "/api/buildings/b1/units", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestBuildingsCRUD(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t)

	rec := ts.do(t, http.MethodGet, "/api/buildings/b1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var b engine.Building
	decode(t, rec, &b)
	assert.Equal(t, "Harbour View", b.Name)
	assert.Equal(t, "UTC", b.Timezone)

	rec = ts.do(t, http.MethodPut, "/api/buildings/b1", `{"name":"Harbour View Tower","timezone":"Asia/Hong_Kong"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &b)
	assert.Equal(t, "Harbour View Tower", b.Name)

	rec = ts.do(t, http.MethodPost, "/api/buildings", `{"name":"Kowloon Court"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &b)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, weather.DefaultTimezone, b.Timezone)

	rec = ts.do(t, http.MethodGet, "/api/buildings", "")
	var list []engine.Building
	decode(t, rec, &list)
	assert.Len(t, list, 2)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/buildings/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/buildings", `{"name":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/buildings", `{"name":"x","timezone":"Mars/Olympus"}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/buildings", `{`).Code)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/buildings/"+b.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/buildings/"+b.ID, "").Code)
}

func TestUnits(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t)

	rec := ts.do(t, http.MethodGet, "/api/buildings/b1/units", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var units []engine.Unit
	decode(t, rec, &units)
	require.Len(t, units, 3)
	assert.Equal(t, "ua", units[0].ID)
	assert.Equal(t, "b1", units[0].BuildingID)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"floor taken", http.MethodPost, "/api/buildings/b1/units", `{"id":"ud","floor":2,"orientation":"east","area_sqft":500}`, http.StatusConflict},
		{"bad orientation", http.MethodPost, "/api/buildings/b1/units", `{"id":"ud","floor":4,"orientation":"up","area_sqft":500}`, http.StatusBadRequest},
		{"unknown building", http.MethodPost, "/api/buildings/b9/units", `{"id":"ud","floor":4,"orientation":"east","area_sqft":500}`, http.StatusNotFound},
		{"update", http.MethodPut, "/api/buildings/b1/units/ua", `{"floor":1,"orientation":"west","area_sqft":650,"preferred_start_hour":20}`, http.StatusOK},
		{"update in other building", http.MethodPut, "/api/buildings/b9/units/ua", `{"floor":1,"orientation":"west","area_sqft":650}`, http.StatusNotFound},
		{"list unknown building", http.MethodGet, "/api/buildings/b9/units", "", http.StatusNotFound},
		{"delete", http.MethodDelete, "/api/buildings/b1/units/uc", "", http.StatusOK},
		{"delete again", http.MethodDelete, "/api/buildings/b1/units/uc", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	u, err := ts.store.GetUnit("ua")
	require.NoError(t, err)
	assert.Equal(t, engine.West, u.Orientation)
	assert.Equal(t, "b1", u.BuildingID)
}

func TestOptIn(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t)

	rec := ts.do(t, http.MethodPost, "/api/buildings/b1/units/ua/opt-in", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	decode(t, rec, &body)
	assert.True(t, body["accepted"])

	ids, err := ts.store.OptedIn("b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ub", "uc"}, ids)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/buildings/b1/units/ua/opt-in", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/buildings/b1/units/zz/opt-in", `{"enabled":true}`).Code)
}

func TestScheduleLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t)

	rec := ts.do(t, http.MethodGet, "/api/buildings/b1/schedule?date="+testDate, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/buildings/b1/cycles", `{"date":"`+testDate+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/buildings/b1/schedule?date="+testDate, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var sched struct {
		CycleID            string                 `json:"cycle_id"`
		Schedules          []engine.ScheduleEntry `json:"schedules"`
		EstimatedSavings   decimal.Decimal        `json:"estimated_savings"`
		PeakReductionPct   float64                `json:"peak_reduction_percentage"`
		CreditDistribution []engine.CreditBalance `json:"credit_distribution"`
		Summary            engine.Summary         `json:"summary"`
	}
	decode(t, rec, &sched)
	assert.NotEmpty(t, sched.CycleID)
	assert.Len(t, sched.Schedules, 3)
	assert.Equal(t, 66.67, sched.PeakReductionPct)
	assert.Equal(t, 2, sched.Summary.CoordinatedUnits)
	require.Len(t, sched.CreditDistribution, 3)

	total := decimal.Zero
	for _, c := range sched.CreditDistribution {
		total = total.Add(c.Credits)
	}
	assert.True(t, total.IsZero())

	rec = ts.do(t, http.MethodGet, "/api/buildings/b1/cycles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cycles []store.CycleRecord
	decode(t, rec, &cycles)
	require.Len(t, cycles, 1)
	assert.Equal(t, sched.CycleID, cycles[0].ID)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/buildings/b1/schedule?date=15-07-2025", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/buildings/b9/cycles", `{}`).Code)
}

func TestEstimate(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/estimate", `{"floor":50,"orientation":"east","area_sqft":600}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var est engine.SavingsEstimate
	decode(t, rec, &est)
	assert.Equal(t, engine.SavingsEstimate{MonthlySavings: 400, CreditsEarned: 120, TotalBenefit: 520, YearlyBenefit: 6240}, est)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/estimate", `{"floor":0,"orientation":"east","area_sqft":600}`).Code)
}

func TestTariffAndWeather(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t)

	rec := ts.do(t, http.MethodGet, "/api/tariff?date="+testDate, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		TimeOfUse []engine.HourRate `json:"time_of_use"`
		PeakHours []int             `json:"peak_hours"`
	}
	decode(t, rec, &doc)
	assert.Len(t, doc.TimeOfUse, 24)
	assert.Equal(t, []int{15, 16, 17, 18, 19, 20, 21, 22}, doc.PeakHours)

	rec = ts.do(t, http.MethodGet, "/api/buildings/b1/weather?date="+testDate, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var slots []engine.WeatherSlot
	decode(t, rec, &slots)
	assert.Len(t, slots, 24)
}

type recordingTariff struct {
	stubTariff
	days []time.Time
}

func (r *recordingTariff) Tariff(ctx context.Context, day time.Time) (engine.Tariff, error) {
	r.days = append(r.days, day)
	return r.stubTariff.Tariff(ctx, day)
}

func TestTariffUsesDefaultTimezone(t *testing.T) {
	st, err := store.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rt := &recordingTariff{}
	m := metrics.New(prometheus.NewRegistry())
	p := planner.New(planner.Deps{Engine: engine.DefaultConfig(), Store: st, Tariff: rt, Weather: stubWeather{}, Metrics: m})
	h := NewServer(Deps{Store: st, Planner: p, Metrics: m}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tariff", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tariff?date=2025-13-01", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Len(t, rt.days, 1)
	assert.Equal(t, weather.DefaultTimezone, rt.days[0].Location().String())
}

func TestOutlook(t *testing.T) {
	offline := newTestServer(t, nil)
	offline.seed(t)
	assert.Equal(t, http.StatusServiceUnavailable, offline.do(t, http.MethodGet, "/api/buildings/b1/outlook", "").Code)

	ts := newTestServer(t, stubOutlook{})
	ts.seed(t)
	rec := ts.do(t, http.MethodGet, "/api/buildings/b1/outlook?days=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []weather.DailyOutlook
	decode(t, rec, &out)
	assert.Len(t, out, 2)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/buildings/b1/outlook?days=40", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t)
	ts.do(t, http.MethodGet, "/api/buildings/b1", "")

	rec := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `climateloop_http_requests_total{route="/api/buildings/{id}/units",status="201"} 3`)
}
