package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pam-La/oldgen_gc/internal/config"
	"github.com/Pam-La/oldgen_gc/internal/telemetry"
)

var (
	runOpts       simOptions
	traceExporter string
	metricsAddr   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a number of old generation cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdown, err := telemetry.InitTracing(telemetry.TraceOptions{
			Exporter:    traceExporter,
			Writer:      cmd.ErrOrStderr(),
			ServiceName: "gcsim",
		})
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()

		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
			go func() { _ = srv.ListenAndServe() }()
			defer func() { _ = srv.Shutdown(context.Background()) }()
		}

		sim, err := newSimulation(cfg, runOpts, newLogger())
		if err != nil {
			return fmt.Errorf("build simulation: %w", err)
		}
		return sim.Run(ctx, cmd.OutOrStdout())
	},
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runOpts.Cycles, "cycles", 3, "old cycles to run")
	f.IntVar(&runOpts.Objects, "objects", 20000, "objects in the initial graph")
	f.IntVar(&runOpts.Roots, "roots", 64, "root set size")
	f.IntVar(&runOpts.Mutators, "mutators", 4, "mutator goroutines")
	f.Uint64Var(&runOpts.Seed, "seed", 1, "graph seed")
	f.Float64Var(&runOpts.GarbageRatio, "garbage", 0.5, "share of the initial objects left unreachable")
	f.Float64Var(&runOpts.StepRate, "step-rate", defaultStepRate, "steps per second per mutator")
	f.StringVar(&traceExporter, "trace", "none", "span exporter: none or stdout")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
}
