package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"iotharness/internal/admin"
	"iotharness/internal/coord"
	"iotharness/internal/metrics"
	"iotharness/internal/orchestrator"
	"iotharness/internal/plugin"
	"iotharness/internal/scenario"
)

var (
	runConfigPath string
	runSchemaPath string
	runAdminAddr  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario on a single host",
	Long:  "run executes a complete scenario locally: coordinator, one node, and the protocol server all in this process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		sc, err := scenario.Load(runConfigPath, runSchemaPath)
		if err != nil {
			return err
		}
		// A local run is always one node, whatever the file says.
		sc.ExpectedNodes = 1

		runID := uuid.New().String()
		writer, cleanup, err := newWriters(sc, runID)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		adminSrv := admin.NewServer()
		if runAdminAddr != "" {
			go func() {
				logger.Info("admin listening", "addr", runAdminAddr)
				if err := adminSrv.Start(runAdminAddr); err != nil {
					logger.Error("admin server failed", "error", err)
				}
			}()
		}
		adminSrv.SetStatus(admin.RunStatus{
			RunID:      runID,
			ScenarioID: sc.ID,
			State:      "running",
			Nodes:      1,
			StartedAt:  time.Now(),
		})
		metrics.ActiveRuns.Inc()
		defer metrics.ActiveRuns.Dec()

		registry := plugin.NewRegistry()
		registry.Register("udp", plugin.NewUDP)

		agg := metrics.NewAggregator(runID, time.Second)
		ln := coord.NewMemoryListener()
		defer ln.Close()

		coordinator := coord.NewCoordinator(coord.Config{
			ScenarioID:      sc.ID,
			RunID:           runID,
			ExpectedNodes:   1,
			RegisterTimeout: sc.Timeouts.Register.D(),
			DegradedPolicy:  coord.Policy(sc.DegradedPolicy),
			StartDelay:      time.Second,
			RunTimeout:      sc.Duration.D() + 2*time.Minute,
		}, ln, agg, logger)

		orch := orchestrator.New(sc, "node-1", registry, logger)
		node := coord.NewNode("node-1", sc.SensorCount(), "memory", ln.Dial,
			shardRunner(orch), logger)
		node.Progress = orch.Sent

		coordDone := make(chan error, 1)
		go func() { coordDone <- coordinator.Run(ctx) }()

		nodeErr := node.Run(ctx)
		coordErr := <-coordDone

		adminSrv.SetStatus(admin.RunStatus{
			RunID:      runID,
			ScenarioID: sc.ID,
			State:      "complete",
			Nodes:      1,
		})

		if err := writeResults(writer, agg, logger); err != nil {
			return err
		}
		if coordErr != nil {
			return coordErr
		}
		return nodeErr
	},
}

// shardRunner adapts the orchestrator to the node's shard callback.
func shardRunner(orch *orchestrator.Orchestrator) coord.RunShard {
	return func(ctx context.Context, startAt time.Time) (coord.ShardReport, error) {
		res, err := orch.Run(ctx, startAt)
		rep := coord.ShardReport{Sent: res.Sent, Records: res.Records}
		return rep, err
	}
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "config/smoke.yaml", "Path to scenario YAML")
	runCmd.Flags().StringVar(&runSchemaPath, "schema", "schemas/scenario.cue", "Path to CUE schema file")
	runCmd.Flags().StringVar(&runAdminAddr, "admin", ":8080", "Admin HTTP listen address (empty to disable)")
}
