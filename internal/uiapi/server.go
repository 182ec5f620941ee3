package uiapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/awaistahir/climate-loop/internal/engine"
	"github.com/awaistahir/climate-loop/internal/metrics"
	"github.com/awaistahir/climate-loop/internal/planner"
	"github.com/awaistahir/climate-loop/internal/store"
	"github.com/awaistahir/climate-loop/internal/tariff"
	"github.com/awaistahir/climate-loop/internal/weather"
)

// Version is reported by the status endpoint
const Version = "1.0.0"

var errBadRequest = errors.New("bad request")

// Outlooker provides a multi-day outlook for a building
type Outlooker interface {
	Outlook(ctx context.Context, b engine.Building, days int) ([]weather.DailyOutlook, error)
}

// Deps wires a Server. Outlook and Metrics may be nil.
type Deps struct {
	Store   *store.Store
	Planner *planner.Planner
	Outlook Outlooker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Server struct {
	store   *store.Store
	planner *planner.Planner
	outlook Outlooker
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewServer(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store:   d.Store,
		planner: d.Planner,
		outlook: d.Outlook,
		metrics: d.Metrics,
		log:     log,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.metrics.Middleware(routePattern))

	// CORS for the dashboard during local development
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/tariff", s.handleGetTariff)
		r.Post("/estimate", s.handleEstimate)

		r.Get("/buildings", s.handleListBuildings)
		r.Post("/buildings", s.handleCreateBuilding)
		r.Route("/buildings/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetBuilding)
			r.Put("/", s.handleUpdateBuilding)
			r.Delete("/", s.handleDeleteBuilding)

			r.Get("/units", s.handleListUnits)
			r.Post("/units", s.handleCreateUnit)
			r.Put("/units/{unit}", s.handleUpdateUnit)
			r.Delete("/units/{unit}", s.handleDeleteUnit)
			r.Post("/units/{unit}/opt-in", s.handleOptIn)

			r.Get("/schedule", s.handleGetSchedule)
			r.Get("/cycles", s.handleListCycles)
			r.Post("/cycles", s.handleRunCycle)

			r.Get("/weather", s.handleGetWeather)
			r.Get("/outlook", s.handleGetOutlook)
		})
	})

	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.store.Ping(); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"version": Version,
	})
}

func (s *Server) handleGetTariff(w http.ResponseWriter, r *http.Request) {
	loc, err := weather.Location("")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	day := time.Now().In(loc)
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := engine.ParseDate(v, loc)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		day = d
	}

	t, err := s.planner.Tariff(r.Context(), day)
	if err != nil {
		s.fail(w, r, fmt.Errorf("fetching tariff: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, tariff.NewDocument(t))
}

type estimateRequest struct {
	Floor       int                `json:"floor"`
	Orientation engine.Orientation `json:"orientation"`
	AreaSqFt    float64            `json:"area_sqft"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	est, err := engine.EstimateSavings(req.Floor, req.Orientation, req.AreaSqFt)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, est)
}

func (s *Server) handleListBuildings(w http.ResponseWriter, r *http.Request) {
	buildings, err := s.store.ListBuildings()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, buildings)
}

func (s *Server) handleCreateBuilding(w http.ResponseWriter, r *http.Request) {
	var b engine.Building
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, err := weather.Location(b.Timezone); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SaveBuilding(&b); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondBuilding(w, r, b.ID, http.StatusCreated)
}

func (s *Server) handleGetBuilding(w http.ResponseWriter, r *http.Request) {
	s.respondBuilding(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (s *Server) handleUpdateBuilding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetBuilding(id); err != nil {
		s.fail(w, r, err)
		return
	}

	var b engine.Building
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	b.ID = id
	if _, err := weather.Location(b.Timezone); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SaveBuilding(&b); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondBuilding(w, r, id, http.StatusOK)
}

func (s *Server) respondBuilding(w http.ResponseWriter, r *http.Request, id string, status int) {
	b, err := s.store.GetBuilding(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, status, b)
}

func (s *Server) handleDeleteBuilding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteBuilding(id); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "deleted", "id": id})
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetBuilding(id); err != nil {
		s.fail(w, r, err)
		return
	}

	units, err := s.store.ListUnits(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, units)
}

func (s *Server) handleCreateUnit(w http.ResponseWriter, r *http.Request) {
	var u engine.Unit
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u.BuildingID = chi.URLParam(r, "id")
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	if err := s.store.SaveUnit(&u); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, u)
}

func (s *Server) handleUpdateUnit(w http.ResponseWriter, r *http.Request) {
	existing, err := s.unitInBuilding(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var u engine.Unit
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u.ID = existing.ID
	u.BuildingID = existing.BuildingID

	if err := s.store.SaveUnit(&u); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeleteUnit(w http.ResponseWriter, r *http.Request) {
	u, err := s.unitInBuilding(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteUnit(u.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "deleted", "id": u.ID})
}

// unitInBuilding resolves the {unit} parameter, hiding units of other buildings
func (s *Server) unitInBuilding(r *http.Request) (*engine.Unit, error) {
	buildingID, unitID := chi.URLParam(r, "id"), chi.URLParam(r, "unit")
	u, err := s.store.GetUnit(unitID)
	if err != nil {
		return nil, err
	}
	if u.BuildingID != buildingID {
		return nil, fmt.Errorf("unit %s in %s: %w", unitID, buildingID, store.ErrNotFound)
	}
	return u, nil
}

type optInRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleOptIn(w http.ResponseWriter, r *http.Request) {
	var req optInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}

	if err := s.planner.OptIn(chi.URLParam(r, "id"), chi.URLParam(r, "unit"), *req.Enabled); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

type scheduleResponse struct {
	CycleID            string                 `json:"cycle_id"`
	BuildingID         string                 `json:"building_id"`
	Date               string                 `json:"date"`
	PublishedAt        time.Time              `json:"published_at"`
	Schedules          []engine.ScheduleEntry `json:"schedules"`
	EstimatedSavings   decimal.Decimal        `json:"estimated_savings"`
	PeakReductionPct   float64                `json:"peak_reduction_percentage"`
	CreditDistribution []engine.CreditBalance `json:"credit_distribution"`
	Summary            engine.Summary         `json:"summary"`
}

func newScheduleResponse(res *engine.Result) scheduleResponse {
	schedules := res.Schedules
	if schedules == nil {
		schedules = []engine.ScheduleEntry{}
	}
	credits := res.Ledger.Balances()
	if credits == nil {
		credits = []engine.CreditBalance{}
	}
	return scheduleResponse{
		CycleID:            res.CycleID,
		BuildingID:         res.BuildingID,
		Date:               res.Date,
		PublishedAt:        res.PublishedAt,
		Schedules:          schedules,
		EstimatedSavings:   res.Summary.EstimatedSavings,
		PeakReductionPct:   res.Summary.PeakReductionPct,
		CreditDistribution: credits,
		Summary:            res.Summary,
	}
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	date, err := s.dateFor(r, id, r.URL.Query().Get("date"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.planner.Schedule(id, date)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newScheduleResponse(res))
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetBuilding(id); err != nil {
		s.fail(w, r, err)
		return
	}

	records, err := s.store.ListPublished(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

type runCycleRequest struct {
	Date string `json:"date"`
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	// an empty body plans today
	var req runCycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	date, err := s.dateFor(r, id, req.Date)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.planner.RunCycle(r.Context(), id, date)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newScheduleResponse(res))
}

func (s *Server) handleGetWeather(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	date, err := s.dateFor(r, id, r.URL.Query().Get("date"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	slots, err := s.planner.Weather(r.Context(), id, date)
	if err != nil {
		s.fail(w, r, fmt.Errorf("fetching weather: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, slots)
}

func (s *Server) handleGetOutlook(w http.ResponseWriter, r *http.Request) {
	if s.outlook == nil {
		respondError(w, http.StatusServiceUnavailable, "weather outlook is disabled in offline mode")
		return
	}

	days := 3
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 16 {
			respondError(w, http.StatusBadRequest, "days must be between 1 and 16")
			return
		}
		days = n
	}

	b, err := s.store.GetBuilding(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	outlook, err := s.outlook.Outlook(r.Context(), *b, days)
	if err != nil {
		s.fail(w, r, fmt.Errorf("fetching outlook: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, outlook)
}

// dateFor validates raw or defaults to today in the building's timezone
func (s *Server) dateFor(r *http.Request, buildingID, raw string) (string, error) {
	b, err := s.store.GetBuilding(buildingID)
	if err != nil {
		return "", err
	}
	loc, err := weather.Location(b.Timezone)
	if err != nil {
		return "", err
	}
	if raw == "" {
		return time.Now().In(loc).Format("2006-01-02"), nil
	}
	if _, err := engine.ParseDate(raw, loc); err != nil {
		return "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return raw, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrFloorTaken):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, store.ErrInvalid),
		errors.Is(err, engine.ErrInvalidUnit):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrIncompleteInput):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	respondError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
