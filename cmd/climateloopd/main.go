package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/awaistahir/climate-loop/internal/config"
	"github.com/awaistahir/climate-loop/internal/metrics"
	"github.com/awaistahir/climate-loop/internal/planner"
	"github.com/awaistahir/climate-loop/internal/store"
	"github.com/awaistahir/climate-loop/internal/uiapi"
	"github.com/awaistahir/climate-loop/internal/weather"
)

func main() {
	var cfgFile, dbPath, addr string
	var noLoop bool

	rootCmd := &cobra.Command{
		Use:          "climateloopd",
		Short:        "Climate Loop daemon: nightly planning and the dashboard API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return run(cfg, !noLoop)
		},
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.climateloop/config.yaml)")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "Database path")
	rootCmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	rootCmd.Flags().BoolVar(&noLoop, "no-loop", false, "Serve the API without the nightly planning run")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, loop bool) error {
	log := cfg.Log.Logger(os.Stderr)
	slog.SetDefault(log)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return err
	}
	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	p := planner.New(planner.Deps{
		Engine:      cfg.Engine,
		Store:       st,
		Tariff:      cfg.Tariff.Source(),
		TariffKey:   cfg.Tariff.Key(),
		Weather:     cfg.Weather.Source(),
		Metrics:     m,
		Logger:      log,
		Concurrency: cfg.Planner.Concurrency,
		WeatherTTL:  cfg.Planner.WeatherTTL,
	})

	deps := uiapi.Deps{Store: st, Planner: p, Metrics: m, Logger: log}
	if client := cfg.Weather.Outlook(); client != nil {
		deps.Outlook = client
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      uiapi.NewServer(deps).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("dashboard API listening", "addr", cfg.Server.Addr, "database", cfg.Database.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if loop {
		g.Go(func() error {
			loc, err := weather.Location("")
			if err != nil {
				return err
			}
			err = p.Loop(ctx, cfg.Planner.RunAt, loc)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}
