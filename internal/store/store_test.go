package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awaistahir/climate-loop/internal/engine"
	"github.com/awaistahir/climate-loop/internal/tariff"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "climateloop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedBuilding(t *testing.T, st *Store) *engine.Building {
	t.Helper()
	b := &engine.Building{ID: "b1", Name: "Harbour View", Latitude: 22.28, Longitude: 114.16, Timezone: "Asia/Hong_Kong"}
	require.NoError(t, st.SaveBuilding(b))
	return b
}

func unit(id string, floor int) *engine.Unit {
	return &engine.Unit{
		ID:                 id,
		BuildingID:         "b1",
		Floor:              floor,
		Orientation:        engine.South,
		AreaSqFt:           600,
		Residents:          3,
		PreferredStartHour: 19,
	}
}

func TestBuildings(t *testing.T) {
	st := newTestStore(t)
	seedBuilding(t, st)

	got, err := st.GetBuilding("b1")
	require.NoError(t, err)
	assert.Equal(t, "Harbour View", got.Name)
	assert.Equal(t, "Asia/Hong_Kong", got.Timezone)

	require.NoError(t, st.SaveBuilding(&engine.Building{ID: "b1", Name: "Harbour View Tower"}))
	require.NoError(t, st.SaveBuilding(&engine.Building{ID: "a0", Name: "Kowloon Court"}))

	all, err := st.ListBuildings()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a0", all[0].ID)
	assert.Equal(t, "Harbour View Tower", all[1].Name)
	assert.Equal(t, "Asia/Hong_Kong", all[0].Timezone)

	_, err = st.GetBuilding("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.DeleteBuilding("a0"))
	assert.ErrorIs(t, st.DeleteBuilding("a0"), ErrNotFound)
	assert.ErrorIs(t, st.SaveBuilding(&engine.Building{ID: "x"}), ErrInvalid)
}

func TestUnits(t *testing.T) {
	st := newTestStore(t)
	seedBuilding(t, st)

	require.NoError(t, st.SaveUnit(unit("u3", 3)))
	require.NoError(t, st.SaveUnit(unit("u1", 1)))

	units, err := st.ListUnits("b1")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "u1", units[0].ID)
	assert.Equal(t, engine.South, units[0].Orientation)
	assert.False(t, units[0].OptedIn)

	// moving u3 onto floor 1 collides with u1
	err = st.SaveUnit(unit("u3", 1))
	assert.ErrorIs(t, err, ErrFloorTaken)

	// updating a unit in place keeps its floor
	moved := unit("u3", 4)
	moved.AreaSqFt = 750
	require.NoError(t, st.SaveUnit(moved))
	got, err := st.GetUnit("u3")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Floor)
	assert.Equal(t, 750.0, got.AreaSqFt)

	_, err = st.GetUnit("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.DeleteUnit("u3"))
	assert.ErrorIs(t, st.DeleteUnit("u3"), ErrNotFound)
}

func TestSaveUnitValidation(t *testing.T) {
	st := newTestStore(t)
	seedBuilding(t, st)

	tests := []struct {
		name    string
		mutate  func(*engine.Unit)
		wantErr error
	}{
		{"no id", func(u *engine.Unit) { u.ID = "" }, ErrInvalid},
		{"ground floor", func(u *engine.Unit) { u.Floor = 0 }, ErrInvalid},
		{"bad orientation", func(u *engine.Unit) { u.Orientation = "up" }, ErrInvalid},
		{"no area", func(u *engine.Unit) { u.AreaSqFt = 0 }, ErrInvalid},
		{"bad hour", func(u *engine.Unit) { u.PreferredStartHour = 24 }, ErrInvalid},
		{"unknown building", func(u *engine.Unit) { u.BuildingID = "b9" }, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := unit("u1", 1)
			tt.mutate(u)
			assert.ErrorIs(t, st.SaveUnit(u), tt.wantErr)
		})
	}
}

func TestOptIn(t *testing.T) {
	st := newTestStore(t)
	seedBuilding(t, st)
	for i, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, st.SaveUnit(unit(id, i+1)))
	}

	require.NoError(t, st.SetOptIn("b1", "u3", true))
	require.NoError(t, st.SetOptIn("b1", "u1", true))
	require.NoError(t, st.SetOptIn("b1", "u1", false))

	ids, err := st.OptedIn("b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u3"}, ids)

	assert.ErrorIs(t, st.SetOptIn("b1", "u9", true), ErrNotFound)
	assert.ErrorIs(t, st.SetOptIn("b2", "u1", true), ErrNotFound)
}

func TestPublishedCycles(t *testing.T) {
	st := newTestStore(t)
	seedBuilding(t, st)

	published := time.Date(2025, 7, 14, 22, 0, 0, 0, time.UTC)
	res := &engine.Result{
		CycleID:     "c1",
		BuildingID:  "b1",
		Date:        "2025-07-15",
		PublishedAt: published,
		Schedules: []engine.ScheduleEntry{
			{UnitID: "u1", Mode: engine.ModePreCool, Rank: 1, Credits: decimal.RequireFromString("4.20")},
		},
		Summary: engine.Summary{CoordinatedUnits: 1, PeakReductionPct: 100},
	}
	require.NoError(t, st.SavePublished(res))

	got, err := st.GetPublished("b1", "2025-07-15")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CycleID)
	require.Len(t, got.Schedules, 1)
	assert.True(t, decimal.RequireFromString("4.20").Equal(got.Schedules[0].Credits))
	assert.True(t, published.Equal(got.PublishedAt))

	// re-running the same day supersedes the earlier cycle
	res.CycleID = "c2"
	require.NoError(t, st.SavePublished(res))
	got, err = st.GetPublished("b1", "2025-07-15")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.CycleID)

	records, err := st.ListPublished("b1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c2", records[0].ID)

	_, err = st.GetPublished("b1", "2025-07-16")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCaches(t *testing.T) {
	st := newTestStore(t)
	day := time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC)

	doc := tariff.NewCLPSchedule().Document()
	require.NoError(t, st.CacheTariff("clp", day, doc))
	cached, err := st.GetCachedTariff("clp", day)
	require.NoError(t, err)
	assert.Equal(t, doc.TimeOfUse, cached.TimeOfUse)
	assert.Equal(t, []int(doc.PeakHours), []int(cached.PeakHours))

	_, err = st.GetCachedTariff("clp", day.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, ErrNotFound)

	fetched := time.Date(2025, 7, 14, 22, 0, 0, 0, time.UTC)
	slots := []engine.WeatherSlot{{Time: day, TempC: 29.5, Humidity: 80}}
	require.NoError(t, st.CacheWeather("b1", day, slots, fetched))
	gotSlots, gotFetched, err := st.GetCachedWeather("b1", day)
	require.NoError(t, err)
	require.Len(t, gotSlots, 1)
	assert.Equal(t, 29.5, gotSlots[0].TempC)
	assert.True(t, fetched.Equal(gotFetched), "fetched at %s", gotFetched)

	refreshed := fetched.Add(8 * time.Hour)
	require.NoError(t, st.CacheWeather("b1", day, slots, refreshed))
	_, gotFetched, err = st.GetCachedWeather("b1", day)
	require.NoError(t, err)
	assert.True(t, refreshed.Equal(gotFetched), "fetched at %s", gotFetched)

	_, _, err = st.GetCachedWeather("b2", day)
	assert.ErrorIs(t, err, ErrNotFound)
}
