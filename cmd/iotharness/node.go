package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"iotharness/internal/coord"
	"iotharness/internal/orchestrator"
	"iotharness/internal/plugin"
	"iotharness/internal/scenario"
)

var (
	nodeConfigPath  string
	nodeSchemaPath  string
	nodeID          string
	nodeCoordinator string
	nodeTransport   string
	nodeServe       bool
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Join a distributed run as a sensor node",
	Long:  "node connects to a coordinator, runs this host's shard of the scenario, and reports its records. Every node loads the same scenario file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		sc, err := scenario.Load(nodeConfigPath, nodeSchemaPath)
		if err != nil {
			return err
		}

		codec := coord.NewCodec()
		var dial coord.Dialer
		switch nodeTransport {
		case "tcp":
			dial = coord.DialTCP(codec)
		case "quic":
			dial = coord.DialQUIC(codec)
		default:
			return fmt.Errorf("unknown transport %q (want tcp or quic)", nodeTransport)
		}

		registry := plugin.NewRegistry()
		registry.Register("udp", plugin.NewUDP)

		orch := orchestrator.New(sc, nodeID, registry, logger)
		orch.HostServer = nodeServe

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		node := coord.NewNode(nodeID, sc.SensorCount(), nodeCoordinator, dial,
			shardRunner(orch), logger)
		node.Progress = orch.Sent
		return node.Run(ctx)
	},
}

func init() {
	nodeCmd.Flags().StringVar(&nodeConfigPath, "config", "config/smoke.yaml", "Path to scenario YAML")
	nodeCmd.Flags().StringVar(&nodeSchemaPath, "schema", "schemas/scenario.cue", "Path to CUE schema file")
	nodeCmd.Flags().StringVar(&nodeID, "id", "node-1", "Unique node identifier")
	nodeCmd.Flags().StringVar(&nodeCoordinator, "coordinator", "127.0.0.1:9000", "Coordinator control address")
	nodeCmd.Flags().StringVar(&nodeTransport, "transport", "tcp", "Control transport (tcp or quic)")
	nodeCmd.Flags().BoolVar(&nodeServe, "serve", false, "Host the protocol server side on this node")
}
