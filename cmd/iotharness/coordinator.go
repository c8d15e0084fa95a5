package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"iotharness/internal/admin"
	"iotharness/internal/coord"
	"iotharness/internal/metrics"
	"iotharness/internal/scenario"
)

var (
	coordConfigPath string
	coordSchemaPath string
	coordListenAddr string
	coordTransport  string
	coordAdminAddr  string
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Coordinate a distributed run",
	Long:  "coordinator waits for sensor nodes to register, releases a synchronized start, and collects their reports into one result set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		sc, err := scenario.Load(coordConfigPath, coordSchemaPath)
		if err != nil {
			return err
		}

		runID := uuid.New().String()
		writer, cleanup, err := newWriters(sc, runID)
		if err != nil {
			return err
		}
		defer cleanup()

		codec := coord.NewCodec()
		var ln coord.Listener
		switch coordTransport {
		case "tcp":
			ln, err = coord.ListenTCP(coordListenAddr, codec)
		case "quic":
			ln, err = coord.ListenQUIC(coordListenAddr, codec)
		default:
			return fmt.Errorf("unknown transport %q (want tcp or quic)", coordTransport)
		}
		if err != nil {
			return err
		}
		defer ln.Close()
		logger.Info("coordinator listening",
			"addr", ln.Addr(),
			"transport", coordTransport,
			"run_id", runID,
			"expected_nodes", sc.ExpectedNodes)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		adminSrv := admin.NewServer()
		if coordAdminAddr != "" {
			go func() {
				if err := adminSrv.Start(coordAdminAddr); err != nil {
					logger.Error("admin server failed", "error", err)
				}
			}()
		}
		adminSrv.SetStatus(admin.RunStatus{
			RunID:      runID,
			ScenarioID: sc.ID,
			State:      "waiting_for_nodes",
			Nodes:      sc.ExpectedNodes,
			StartedAt:  time.Now(),
		})
		metrics.ActiveRuns.Inc()
		defer metrics.ActiveRuns.Dec()

		agg := metrics.NewAggregator(runID, time.Second)
		coordinator := coord.NewCoordinator(coord.Config{
			ScenarioID:      sc.ID,
			RunID:           runID,
			ExpectedNodes:   sc.ExpectedNodes,
			RegisterTimeout: sc.Timeouts.Register.D(),
			DegradedPolicy:  coord.Policy(sc.DegradedPolicy),
			RunTimeout:      sc.Duration.D() + 2*time.Minute,
		}, ln, agg, logger)

		runErr := coordinator.Run(ctx)

		state := "complete"
		if runErr != nil {
			state = "failed"
		}
		adminSrv.SetStatus(admin.RunStatus{RunID: runID, ScenarioID: sc.ID, State: state})

		if err := writeResults(writer, agg, logger); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	coordinatorCmd.Flags().StringVar(&coordConfigPath, "config", "config/smoke.yaml", "Path to scenario YAML")
	coordinatorCmd.Flags().StringVar(&coordSchemaPath, "schema", "schemas/scenario.cue", "Path to CUE schema file")
	coordinatorCmd.Flags().StringVar(&coordListenAddr, "listen", ":9000", "Control listen address")
	coordinatorCmd.Flags().StringVar(&coordTransport, "transport", "tcp", "Control transport (tcp or quic)")
	coordinatorCmd.Flags().StringVar(&coordAdminAddr, "admin", ":8080", "Admin HTTP listen address (empty to disable)")
}
