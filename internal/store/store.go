package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/awaistahir/climate-loop/internal/engine"
	"github.com/awaistahir/climate-loop/internal/tariff"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("not found")
	// ErrFloorTaken is returned when another unit already occupies the floor
	ErrFloorTaken = errors.New("floor already occupied")
	// ErrInvalid is returned when a record fails validation
	ErrInvalid = errors.New("invalid record")
)

// Store handles persistent storage using SQLite
type Store struct {
	db *sql.DB
}

// NewStore creates a new store and initializes the database
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// planner writes from several goroutines; SQLite takes one writer
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping() error {
	return s.db.Ping()
}

// initialize creates the database schema
func (s *Store) initialize() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS buildings (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		latitude REAL DEFAULT 22.3193,
		longitude REAL DEFAULT 114.1694,
		timezone TEXT DEFAULT 'Asia/Hong_Kong',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		building_id TEXT NOT NULL,
		floor INTEGER NOT NULL CHECK (floor > 0),
		orientation TEXT NOT NULL,
		area_sqft REAL NOT NULL,
		residents INTEGER DEFAULT 1,
		preferred_start_hour INTEGER DEFAULT 19,
		opted_in INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(building_id, floor),
		FOREIGN KEY (building_id) REFERENCES buildings(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		building_id TEXT NOT NULL,
		date TEXT NOT NULL,
		result TEXT NOT NULL,
		published_at TEXT NOT NULL,
		UNIQUE(building_id, date),
		FOREIGN KEY (building_id) REFERENCES buildings(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tariff_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		date TEXT NOT NULL,
		document TEXT NOT NULL,
		fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source, date)
	);

	CREATE TABLE IF NOT EXISTS weather_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		building_id TEXT NOT NULL,
		date TEXT NOT NULL,
		slots TEXT NOT NULL,
		fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(building_id, date)
	);

	CREATE INDEX IF NOT EXISTS idx_units_building ON units(building_id, floor);
	CREATE INDEX IF NOT EXISTS idx_cycles_building ON cycles(building_id, date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveBuilding saves or updates a building
func (s *Store) SaveBuilding(b *engine.Building) error {
	if b.ID == "" || b.Name == "" {
		return fmt.Errorf("%w: building id and name are required", ErrInvalid)
	}
	tz := b.Timezone
	if tz == "" {
		tz = "Asia/Hong_Kong"
	}

	query := `INSERT INTO buildings (id, name, latitude, longitude, timezone, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, latitude = excluded.latitude,
			longitude = excluded.longitude, timezone = excluded.timezone, updated_at = excluded.updated_at`

	_, err := s.db.Exec(query, b.ID, b.Name, b.Latitude, b.Longitude, tz, time.Now())
	return err
}

// GetBuilding retrieves a building by ID
func (s *Store) GetBuilding(id string) (*engine.Building, error) {
	query := `SELECT id, name, latitude, longitude, timezone FROM buildings WHERE id = ?`

	var b engine.Building
	err := s.db.QueryRow(query, id).Scan(&b.ID, &b.Name, &b.Latitude, &b.Longitude, &b.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("building %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBuildings returns every building ordered by ID
func (s *Store) ListBuildings() ([]*engine.Building, error) {
	rows, err := s.db.Query(`SELECT id, name, latitude, longitude, timezone FROM buildings ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buildings := []*engine.Building{}
	for rows.Next() {
		var b engine.Building
		if err := rows.Scan(&b.ID, &b.Name, &b.Latitude, &b.Longitude, &b.Timezone); err != nil {
			return nil, err
		}
		buildings = append(buildings, &b)
	}
	return buildings, rows.Err()
}

// DeleteBuilding removes a building with its units and cycles
func (s *Store) DeleteBuilding(id string) error {
	res, err := s.db.Exec(`DELETE FROM buildings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, "building", id)
}

// SaveUnit saves or updates a unit. Floors are unique within a building.
func (s *Store) SaveUnit(u *engine.Unit) error {
	if u.ID == "" {
		return fmt.Errorf("%w: unit id is required", ErrInvalid)
	}
	if u.Floor < 1 {
		return fmt.Errorf("%w: unit %s: floor must be positive, got %d", ErrInvalid, u.ID, u.Floor)
	}
	if !u.Orientation.Valid() {
		return fmt.Errorf("%w: unit %s: unknown orientation %q", ErrInvalid, u.ID, u.Orientation)
	}
	if u.AreaSqFt <= 0 {
		return fmt.Errorf("%w: unit %s: area must be positive", ErrInvalid, u.ID)
	}
	if u.PreferredStartHour < 0 || u.PreferredStartHour > 23 {
		return fmt.Errorf("%w: unit %s: preferred start hour must be 0-23, got %d", ErrInvalid, u.ID, u.PreferredStartHour)
	}
	if _, err := s.GetBuilding(u.BuildingID); err != nil {
		return err
	}

	var other string
	err := s.db.QueryRow(`SELECT id FROM units WHERE building_id = ? AND floor = ? AND id != ?`,
		u.BuildingID, u.Floor, u.ID).Scan(&other)
	switch {
	case err == nil:
		return fmt.Errorf("floor %d of %s is unit %s: %w", u.Floor, u.BuildingID, other, ErrFloorTaken)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	query := `INSERT INTO units
		(id, building_id, floor, orientation, area_sqft, residents, preferred_start_hour, opted_in, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET building_id = excluded.building_id, floor = excluded.floor,
			orientation = excluded.orientation, area_sqft = excluded.area_sqft, residents = excluded.residents,
			preferred_start_hour = excluded.preferred_start_hour, opted_in = excluded.opted_in,
			updated_at = excluded.updated_at`

	_, err = s.db.Exec(query, u.ID, u.BuildingID, u.Floor, string(u.Orientation), u.AreaSqFt, u.Residents,
		u.PreferredStartHour, boolToInt(u.OptedIn), time.Now())
	return err
}

const unitColumns = `id, building_id, floor, orientation, area_sqft, residents, preferred_start_hour, opted_in`

func scanUnit(row interface{ Scan(...any) error }) (*engine.Unit, error) {
	var u engine.Unit
	var orientation string
	var optedIn int
	if err := row.Scan(&u.ID, &u.BuildingID, &u.Floor, &orientation, &u.AreaSqFt, &u.Residents,
		&u.PreferredStartHour, &optedIn); err != nil {
		return nil, err
	}
	u.Orientation = engine.Orientation(orientation)
	u.OptedIn = optedIn == 1
	return &u, nil
}

// GetUnit retrieves a unit by ID
func (s *Store) GetUnit(id string) (*engine.Unit, error) {
	u, err := scanUnit(s.db.QueryRow(`SELECT `+unitColumns+` FROM units WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unit %s: %w", id, ErrNotFound)
	}
	return u, err
}

// ListUnits returns the units of a building ordered by floor
func (s *Store) ListUnits(buildingID string) ([]*engine.Unit, error) {
	rows, err := s.db.Query(`SELECT `+unitColumns+` FROM units WHERE building_id = ? ORDER BY floor`, buildingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	units := []*engine.Unit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// DeleteUnit removes a unit
func (s *Store) DeleteUnit(id string) error {
	res, err := s.db.Exec(`DELETE FROM units WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, "unit", id)
}

// SetOptIn toggles participation of a unit for future cycles
func (s *Store) SetOptIn(buildingID, unitID string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE units SET opted_in = ?, updated_at = ? WHERE id = ? AND building_id = ?`,
		boolToInt(enabled), time.Now(), unitID, buildingID)
	if err != nil {
		return err
	}
	return expectRow(res, "unit", unitID)
}

// OptedIn returns the IDs of participating units in a building
func (s *Store) OptedIn(buildingID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM units WHERE building_id = ? AND opted_in = 1 ORDER BY id`, buildingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CycleRecord describes a published cycle without its payload
type CycleRecord struct {
	ID          string    `json:"id"`
	BuildingID  string    `json:"building_id"`
	Date        string    `json:"date"`
	PublishedAt time.Time `json:"published_at"`
}

// SavePublished stores a published cycle, replacing any earlier cycle for
// the same building and date.
func (s *Store) SavePublished(res *engine.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cycles WHERE building_id = ? AND date = ?`, res.BuildingID, res.Date); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO cycles (id, building_id, date, result, published_at) VALUES (?, ?, ?, ?, ?)`,
		res.CycleID, res.BuildingID, res.Date, string(payload), res.PublishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetPublished returns the published cycle for a building and date
func (s *Store) GetPublished(buildingID, date string) (*engine.Result, error) {
	var payload string
	err := s.db.QueryRow(`SELECT result FROM cycles WHERE building_id = ? AND date = ?`, buildingID, date).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule for %s on %s: %w", buildingID, date, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var res engine.Result
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &res, nil
}

// ListPublished returns the cycles of a building, newest date first
func (s *Store) ListPublished(buildingID string) ([]CycleRecord, error) {
	rows, err := s.db.Query(`SELECT id, building_id, date, published_at FROM cycles
		WHERE building_id = ? ORDER BY date DESC`, buildingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []CycleRecord{}
	for rows.Next() {
		var r CycleRecord
		var published string
		if err := rows.Scan(&r.ID, &r.BuildingID, &r.Date, &published); err != nil {
			return nil, err
		}
		r.PublishedAt, _ = time.Parse(time.RFC3339Nano, published)
		records = append(records, r)
	}
	return records, rows.Err()
}

// CacheTariff stores a fetched tariff document
func (s *Store) CacheTariff(source string, date time.Time, doc tariff.Document) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	query := `INSERT OR REPLACE INTO tariff_cache (source, date, document, fetched_at) VALUES (?, ?, ?, ?)`
	_, err = s.db.Exec(query, source, date.Format("2006-01-02"), string(docJSON), time.Now())
	return err
}

// GetCachedTariff retrieves a cached tariff document
func (s *Store) GetCachedTariff(source string, date time.Time) (tariff.Document, error) {
	var docJSON string
	err := s.db.QueryRow(`SELECT document FROM tariff_cache WHERE source = ? AND date = ?`,
		source, date.Format("2006-01-02")).Scan(&docJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return tariff.Document{}, fmt.Errorf("tariff %s on %s: %w", source, date.Format("2006-01-02"), ErrNotFound)
	}
	if err != nil {
		return tariff.Document{}, err
	}

	var doc tariff.Document
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return tariff.Document{}, err
	}
	return doc, nil
}

// CacheWeather stores forecast slots for a building, fetched at fetchedAt
func (s *Store) CacheWeather(buildingID string, date time.Time, slots []engine.WeatherSlot, fetchedAt time.Time) error {
	slotsJSON, err := json.Marshal(slots)
	if err != nil {
		return err
	}
	query := `INSERT OR REPLACE INTO weather_cache (building_id, date, slots, fetched_at) VALUES (?, ?, ?, ?)`
	_, err = s.db.Exec(query, buildingID, date.Format("2006-01-02"), string(slotsJSON), fetchedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// GetCachedWeather retrieves cached forecast slots and when they were
// fetched. An unreadable fetch time comes back as the zero time.
func (s *Store) GetCachedWeather(buildingID string, date time.Time) ([]engine.WeatherSlot, time.Time, error) {
	var slotsJSON, fetched string
	err := s.db.QueryRow(`SELECT slots, fetched_at FROM weather_cache WHERE building_id = ? AND date = ?`,
		buildingID, date.Format("2006-01-02")).Scan(&slotsJSON, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("weather for %s on %s: %w", buildingID, date.Format("2006-01-02"), ErrNotFound)
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	var slots []engine.WeatherSlot
	if err := json.Unmarshal([]byte(slotsJSON), &slots); err != nil {
		return nil, time.Time{}, err
	}
	fetchedAt, _ := time.Parse(time.RFC3339Nano, fetched)
	return slots, fetchedAt, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
