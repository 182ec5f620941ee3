package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/awaistahir/climate-loop/internal/config"
	"github.com/awaistahir/climate-loop/internal/engine"
	"github.com/awaistahir/climate-loop/internal/planner"
	"github.com/awaistahir/climate-loop/internal/store"
	"github.com/awaistahir/climate-loop/internal/tariff"
	"github.com/awaistahir/climate-loop/internal/weather"
)

var (
	cfgFile string
	dbPath  string
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "climateloop",
		Short: "Climate Loop - coordinate building cooling around peak tariffs",
		Long: `Climate Loop plans when each apartment in a building pre-cools so the
building flattens its peak-hour demand, and credits the units that shift.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.climateloop/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default is $HOME/.climateloop/climateloop.db)")

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(buildingCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(optInCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(estimateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if dbPath != "" {
		loaded.Database.Path = dbPath
	}
	cfg = loaded
}

func openStore() (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, err
	}
	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return st, nil
}

func newPlanner(st *store.Store) *planner.Planner {
	return planner.New(planner.Deps{
		Engine:      cfg.Engine,
		Store:       st,
		Tariff:      cfg.Tariff.Source(),
		TariffKey:   cfg.Tariff.Key(),
		Weather:     cfg.Weather.Source(),
		Logger:      cfg.Log.Logger(os.Stderr),
		Concurrency: cfg.Planner.Concurrency,
		WeatherTTL:  cfg.Planner.WeatherTTL,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// tomorrow is the default planning date
func tomorrow() string {
	return time.Now().AddDate(0, 0, 1).Format("2006-01-02")
}

const configTemplate = `# Climate Loop configuration. Every key can be overridden with
# CLIMATELOOP_<SECTION>_<KEY>, e.g. CLIMATELOOP_SERVER_ADDR=:9090
server:
  addr: ":8080"
log:
  level: info
  format: text
tariff:
  url: ""          # empty uses the built-in CLP schedule
weather:
  offline: false   # true uses a typical Hong Kong summer day
planner:
  run_at: "22:00"
engine:
  off_peak_ceiling: 20
`

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config file and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := config.Dir()
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			path := filepath.Join(dir, "config.yaml")
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
					return err
				}
				fmt.Printf("✓ Wrote %s\n", path)
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Println("✓ Initialized database")
			fmt.Printf("Database: %s\n", cfg.Database.Path)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Register a building: climateloop building add")
			fmt.Println("  2. Add its units:       climateloop unit add")
			fmt.Println("  3. Plan tomorrow:       climateloop plan --all")

			return nil
		},
	}
}

func buildingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "building",
		Short: "Manage buildings",
	}

	cmd.AddCommand(buildingAddCmd())
	cmd.AddCommand(buildingListCmd())

	return cmd
}

func buildingAddCmd() *cobra.Command {
	var b engine.Building

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a building",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := weather.Location(b.Timezone); err != nil {
				return err
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SaveBuilding(&b); err != nil {
				return err
			}

			fmt.Printf("✓ Saved building: %s\n", b.Name)
			fmt.Printf("  ID: %s\n", b.ID)
			fmt.Printf("  Location: %.4f, %.4f\n", b.Latitude, b.Longitude)
			return nil
		},
	}

	cmd.Flags().StringVar(&b.ID, "id", "", "Building ID (required)")
	cmd.Flags().StringVarP(&b.Name, "name", "n", "", "Building name (required)")
	cmd.Flags().Float64Var(&b.Latitude, "lat", 22.3193, "Latitude for weather")
	cmd.Flags().Float64Var(&b.Longitude, "lon", 114.1694, "Longitude for weather")
	cmd.Flags().StringVar(&b.Timezone, "tz", weather.DefaultTimezone, "IANA timezone")

	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("name")

	return cmd
}

func buildingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List buildings",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			buildings, err := st.ListBuildings()
			if err != nil {
				return err
			}
			if len(buildings) == 0 {
				fmt.Println("No buildings registered")
				return nil
			}

			fmt.Printf("%-15s %-30s %10s %10s %-20s\n", "ID", "NAME", "LAT", "LON", "TIMEZONE")
			fmt.Println("--------------------------------------------------------------------------------------")
			for _, b := range buildings {
				fmt.Printf("%-15s %-30s %10.4f %10.4f %-20s\n", b.ID, b.Name, b.Latitude, b.Longitude, b.Timezone)
			}
			return nil
		},
	}
}

func unitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Manage units",
	}

	cmd.AddCommand(unitAddCmd())
	cmd.AddCommand(unitListCmd())

	return cmd
}

func unitAddCmd() *cobra.Command {
	var u engine.Unit
	var orientation string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Orientation = engine.Orientation(orientation)

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SaveUnit(&u); err != nil {
				return err
			}

			fmt.Printf("✓ Saved unit: %s\n", u.ID)
			fmt.Printf("  Floor %d, facing %s, %.0f sq ft\n", u.Floor, u.Orientation, u.AreaSqFt)
			fmt.Printf("  Opted in: %t\n", u.OptedIn)
			return nil
		},
	}

	cmd.Flags().StringVarP(&u.BuildingID, "building", "b", "", "Building ID (required)")
	cmd.Flags().StringVar(&u.ID, "id", "", "Unit ID (required)")
	cmd.Flags().IntVarP(&u.Floor, "floor", "f", 1, "Floor number, 1 is the lowest")
	cmd.Flags().StringVarP(&orientation, "orientation", "o", string(engine.South), "Facade orientation (north, south, east, west)")
	cmd.Flags().Float64Var(&u.AreaSqFt, "area", 600, "Floor area in sq ft")
	cmd.Flags().IntVar(&u.Residents, "residents", 2, "Number of residents")
	cmd.Flags().IntVar(&u.PreferredStartHour, "start", 19, "Preferred cooling start hour (0-23)")
	cmd.Flags().BoolVar(&u.OptedIn, "opt-in", false, "Take part in coordination")

	cmd.MarkFlagRequired("building")
	cmd.MarkFlagRequired("id")

	return cmd
}

func unitListCmd() *cobra.Command {
	var buildingID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the units of a building",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			units, err := st.ListUnits(buildingID)
			if err != nil {
				return err
			}
			if len(units) == 0 {
				fmt.Println("No units registered")
				return nil
			}

			fmt.Printf("%-15s %6s %-8s %8s %6s %8s\n", "ID", "FLOOR", "FACING", "SQFT", "START", "OPTED IN")
			fmt.Println("--------------------------------------------------------")
			for _, u := range units {
				opted := "Yes"
				if !u.OptedIn {
					opted = "No"
				}
				fmt.Printf("%-15s %6d %-8s %8.0f %6d %8s\n", u.ID, u.Floor, u.Orientation, u.AreaSqFt, u.PreferredStartHour, opted)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&buildingID, "building", "b", "", "Building ID (required)")
	cmd.MarkFlagRequired("building")

	return cmd
}

func optInCmd() *cobra.Command {
	var off bool

	cmd := &cobra.Command{
		Use:   "opt-in <building> <unit>",
		Short: "Opt a unit in to (or, with --off, out of) the next cycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := newPlanner(st).OptIn(args[0], args[1], !off); err != nil {
				return err
			}

			state := "in"
			if off {
				state = "out"
			}
			fmt.Printf("✓ Unit %s opted %s from the next cycle\n", args[1], state)
			return nil
		},
	}

	cmd.Flags().BoolVar(&off, "off", false, "Opt out instead")

	return cmd
}

func fetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch planning inputs",
	}

	cmd.AddCommand(fetchTariffCmd())
	cmd.AddCommand(fetchWeatherCmd())

	return cmd
}

func fetchTariffCmd() *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "tariff",
		Short: "Fetch the time-of-use tariff",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := weather.Location("")
			if err != nil {
				return err
			}
			day, err := engine.ParseDate(date, loc)
			if err != nil {
				return err
			}

			t, err := cfg.Tariff.Source().Tariff(context.Background(), day)
			if err != nil {
				return fmt.Errorf("fetching tariff: %w", err)
			}
			return printJSON(tariff.NewDocument(t))
		},
	}

	cmd.Flags().StringVarP(&date, "date", "d", tomorrow(), "Date to fetch (YYYY-MM-DD)")

	return cmd
}

func fetchWeatherCmd() *cobra.Command {
	var buildingID, date string
	var days int

	cmd := &cobra.Command{
		Use:   "weather",
		Short: "Fetch the hourly forecast, or a daily outlook with --days",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if days > 0 {
				client := cfg.Weather.Outlook()
				if client == nil {
					return fmt.Errorf("outlook needs weather.offline=false")
				}
				b, err := st.GetBuilding(buildingID)
				if err != nil {
					return err
				}
				outlook, err := client.Outlook(ctx, *b, days)
				if err != nil {
					return err
				}
				return printJSON(outlook)
			}

			slots, err := newPlanner(st).Weather(ctx, buildingID, date)
			if err != nil {
				return fmt.Errorf("fetching weather: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Fetched %d forecast slots\n", len(slots))
			return printJSON(slots)
		},
	}

	cmd.Flags().StringVarP(&buildingID, "building", "b", "", "Building ID (required)")
	cmd.Flags().StringVarP(&date, "date", "d", tomorrow(), "Date to fetch (YYYY-MM-DD)")
	cmd.Flags().IntVar(&days, "days", 0, "Daily outlook for this many days instead")
	cmd.MarkFlagRequired("building")

	return cmd
}

func planCmd() *cobra.Command {
	var buildingID, date string
	var all bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Run a scheduling cycle and publish it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (buildingID != "") {
				return fmt.Errorf("use exactly one of --building or --all")
			}
			ctx := context.Background()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			p := newPlanner(st)

			if !all {
				res, err := p.RunCycle(ctx, buildingID, date)
				if err != nil {
					return err
				}
				return printJSON(res)
			}

			outcomes, err := p.RunAll(ctx, date)
			if err != nil {
				return err
			}
			failed := 0
			for _, o := range outcomes {
				if o.Err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "Warning: %s - %v\n", o.BuildingID, o.Err)
				}
			}
			if err := printJSON(outcomes); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d buildings failed", failed, len(outcomes))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&buildingID, "building", "b", "", "Building ID")
	cmd.Flags().BoolVar(&all, "all", false, "Plan every registered building")
	cmd.Flags().StringVarP(&date, "date", "d", tomorrow(), "Date to plan (YYYY-MM-DD)")

	return cmd
}

func scheduleCmd() *cobra.Command {
	var buildingID, date string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the published schedule for a building",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := newPlanner(st).Schedule(buildingID, date)
			if planner.IsNotFound(err) {
				return fmt.Errorf("no schedule published for %s on %s (run 'climateloop plan' first)", buildingID, date)
			}
			if err != nil {
				return err
			}

			fmt.Printf("%-15s %-9s %-6s %-6s %-13s %6s %10s\n", "UNIT", "MODE", "START", "END", "COAST", "RANK", "CREDITS")
			fmt.Println("------------------------------------------------------------------------")
			for _, s := range res.Schedules {
				coast := "-"
				if s.CoastStart != nil && s.CoastEnd != nil {
					coast = s.CoastStart.Format("15:04") + "-" + s.CoastEnd.Format("15:04")
				}
				fmt.Printf("%-15s %-9s %-6s %-6s %-13s %6d %10s\n",
					s.UnitID, s.Mode, s.Start.Format("15:04"), s.End.Format("15:04"), coast, s.Rank, s.Credits.StringFixed(2))
			}

			sum := res.Summary
			fmt.Printf("\nCoordinated: %d, baseline: %d, degraded: %d\n", sum.CoordinatedUnits, sum.BaselineUnits, sum.DegradedUnits)
			fmt.Printf("Peak reduction: %.2f%%\n", sum.PeakReductionPct)
			fmt.Printf("Credits issued: %s, estimated savings: %s\n", sum.TotalCreditsIssued.StringFixed(2), sum.EstimatedSavings.StringFixed(2))
			return nil
		},
	}

	cmd.Flags().StringVarP(&buildingID, "building", "b", "", "Building ID (required)")
	cmd.Flags().StringVarP(&date, "date", "d", tomorrow(), "Date (YYYY-MM-DD)")
	cmd.MarkFlagRequired("building")

	return cmd
}

func estimateCmd() *cobra.Command {
	var floor int
	var orientation string
	var area float64

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate monthly savings for a unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			est, err := engine.EstimateSavings(floor, engine.Orientation(orientation), area)
			if err != nil {
				return err
			}
			return printJSON(est)
		},
	}

	cmd.Flags().IntVarP(&floor, "floor", "f", 1, "Floor number")
	cmd.Flags().StringVarP(&orientation, "orientation", "o", string(engine.South), "Facade orientation")
	cmd.Flags().Float64Var(&area, "area", 600, "Floor area in sq ft")

	return cmd
}
