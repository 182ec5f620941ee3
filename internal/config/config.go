package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/awaistahir/climate-loop/internal/engine"
	"github.com/awaistahir/climate-loop/internal/planner"
	"github.com/awaistahir/climate-loop/internal/tariff"
	"github.com/awaistahir/climate-loop/internal/weather"
)

// EnvPrefix namespaces environment overrides, e.g. CLIMATELOOP_SERVER_ADDR
const EnvPrefix = "CLIMATELOOP"

// Config is the full runtime configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Tariff   TariffConfig   `mapstructure:"tariff"`
	Weather  WeatherConfig  `mapstructure:"weather"`
	Planner  PlannerConfig  `mapstructure:"planner"`
	Engine   engine.Config  `mapstructure:"engine"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// TariffConfig selects the tariff source; an empty URL uses the built-in
// CLP schedule.
type TariffConfig struct {
	URL string `mapstructure:"url"`
}

// WeatherConfig selects the weather source; Offline uses a typical-day
// profile instead of calling Open-Meteo.
type WeatherConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Offline bool   `mapstructure:"offline"`
}

// Source returns the HTTP client when a URL is set, else the CLP schedule
func (c TariffConfig) Source() tariff.Source {
	if c.URL != "" {
		return tariff.NewClient(c.URL)
	}
	return tariff.NewCLPSchedule()
}

// Key names the tariff source in the cache
func (c TariffConfig) Key() string {
	if c.URL != "" {
		return c.URL
	}
	return "clp"
}

// Source returns the hourly forecast source
func (c WeatherConfig) Source() weather.Source {
	if c.Offline {
		return weather.NewTypical()
	}
	return weather.NewOpenMeteoClient(c.BaseURL)
}

// Outlook returns the daily outlook client, or nil when offline
func (c WeatherConfig) Outlook() *weather.OpenMeteoClient {
	if c.Offline {
		return nil
	}
	return weather.NewOpenMeteoClient(c.BaseURL)
}

type PlannerConfig struct {
	// RunAt is the local time of the daily planning run for the next day
	RunAt       string        `mapstructure:"run_at"`
	Concurrency int           `mapstructure:"concurrency"`
	WeatherTTL  time.Duration `mapstructure:"weather_ttl"` // reuse window for cached forecasts
}

// Dir returns the default configuration directory
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".climateloop"
	}
	return filepath.Join(home, ".climateloop")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("database.path", filepath.Join(Dir(), "climateloop.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("tariff.url", "")
	v.SetDefault("weather.base_url", weather.DefaultBaseURL)
	v.SetDefault("weather.offline", false)

	v.SetDefault("planner.run_at", "22:00")
	v.SetDefault("planner.concurrency", 4)
	v.SetDefault("planner.weather_ttl", planner.DefaultWeatherTTL)

	d := engine.DefaultConfig()
	v.SetDefault("engine.step_minutes", d.StepMinutes)
	v.SetDefault("engine.initial_temp_c", d.InitialTempC)
	v.SetDefault("engine.stratification_c_per_floor", d.StratificationCPerFloor)
	v.SetDefault("engine.cooling_power_w", d.CoolingPowerW)
	v.SetDefault("engine.neighbor_passes", d.NeighborPasses)
	v.SetDefault("engine.off_peak_ceiling", d.OffPeakCeiling)
	v.SetDefault("engine.min_precool_hours", d.MinPreCoolHours)
	v.SetDefault("engine.max_precool_hours", d.MaxPreCoolHours)
	v.SetDefault("engine.baseline_hours", d.BaselineHours)
	v.SetDefault("engine.kwh_per_sqft_hour", d.KWhPerSqFtHour)

	v.SetDefault("engine.thermal.wall_u_value", d.Thermal.WallUValue)
	v.SetDefault("engine.thermal.wall_area_m2", d.Thermal.WallAreaM2)
	v.SetDefault("engine.thermal.capacitance_j_per_k", d.Thermal.CapacitanceJPerK)
	v.SetDefault("engine.thermal.inter_floor_w_per_k", d.Thermal.InterFloorWPerK)

	v.SetDefault("engine.weights.heat_above", d.Weights.HeatAbove)
	v.SetDefault("engine.weights.exposure", d.Weights.Exposure)
	v.SetDefault("engine.weights.thermal_mass", d.Weights.ThermalMass)
	v.SetDefault("engine.weights.roof", d.Weights.Roof)
	for o, f := range d.Weights.Orientation {
		v.SetDefault("engine.weights.orientation."+string(o), f)
	}
}

// Load reads configuration from path (or config.yaml in Dir when path is
// empty), applies CLIMATELOOP_* environment overrides and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section; engine errors keep their sentinels
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if _, err := time.Parse("15:04", c.Planner.RunAt); err != nil {
		return fmt.Errorf("planner.run_at must be HH:MM, got %q", c.Planner.RunAt)
	}
	if c.Planner.Concurrency < 1 {
		return fmt.Errorf("planner.concurrency must be at least 1, got %d", c.Planner.Concurrency)
	}
	if c.Planner.WeatherTTL <= 0 {
		return fmt.Errorf("planner.weather_ttl must be positive, got %s", c.Planner.WeatherTTL)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// Logger builds the structured logger described by the log section
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
