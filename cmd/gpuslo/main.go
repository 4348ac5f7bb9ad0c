// gpuslo — node-local control daemon enforcing tail-latency SLOs for
// co-tenant workloads sharing accelerator devices.
//
// Polls per-tenant latency metrics, tracks a persistence-filtered FSM per
// tenant, and mitigates SLO violations by throttling co-resident bullies'
// cgroup I/O bandwidth, escalating to accelerator partition reconfiguration
// for severe, sustained breaches.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/baikal/gpuslo/internal/actuator"
	"github.com/baikal/gpuslo/internal/config"
	"github.com/baikal/gpuslo/internal/controlloop"
	"github.com/baikal/gpuslo/internal/executor"
	"github.com/baikal/gpuslo/internal/kerninfo"
	"github.com/baikal/gpuslo/internal/mcpserver"
	"github.com/baikal/gpuslo/internal/metrics"
	"github.com/baikal/gpuslo/internal/state"
	"github.com/baikal/gpuslo/internal/statstore"
	"github.com/baikal/gpuslo/internal/topology"
)

var version = "0.1.0"

func main() {
	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:     "gpuslo",
		Short:   "Node-local tail-latency SLO controller for shared accelerators",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to gpu-controller.conf")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug flag; log output is the same with or without it")

	var enableMCP bool
	var smokeTest bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(configPath, enableMCP, smokeTest)
		},
	}
	runCmd.Flags().BoolVar(&enableMCP, "mcp", false, "also serve read-only MCP tools over stdio")
	runCmd.Flags().BoolVar(&smokeTest, "smoke-test", false, "synthesize latency for tenants with no readable metric file, and a two-tenant set when no tenants are found")

	capabilitiesCmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Report topology discovery and kernel capability signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapabilities(cmd.Context())
		},
	}

	var configCheckFormat string
	configCheckCmd := &cobra.Command{
		Use:   "config-check",
		Short: "Validate and print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(configPath, configCheckFormat)
		},
	}
	configCheckCmd.Flags().StringVar(&configCheckFormat, "format", "text", "output format: text or yaml")

	rootCmd.AddCommand(runCmd, capabilitiesCmd, configCheckCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runController(configPath string, enableMCP, smokeTest bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runner := executor.NewExec()

	topoModel := topology.New(runner)
	discoverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	topoModel.Discover(discoverCtx)
	cancel()

	var metricsOpts []metrics.Option
	if smokeTest {
		metricsOpts = append(metricsOpts, metrics.WithSmokeMode(true))
	}
	metricsSource := metrics.New(runner, metrics.DefaultMetricsDir, metricsOpts...)

	tracker := state.New(cfg.TailThresholdMS, cfg.PersistenceWindows, cfg.CooldownObservations)
	store := statstore.New(statstore.DefaultCapacity)
	mitigator := actuator.New(runner, store, cfg.MaxCgroupIOLimitMbps, cfg.EnableMIGReconfig)

	loop := controlloop.New(metricsSource, tracker, mitigator, store, time.Duration(cfg.PollIntervalSec*float64(time.Second)))

	ctx := context.Background()
	if enableMCP {
		srv := mcpserver.NewServer(version, tracker, store)
		go func() {
			if err := srv.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "mcp server stopped: %v\n", err)
			}
		}()
	}

	return loop.Run(ctx)
}

func runCapabilities(ctx context.Context) error {
	runner := executor.NewExec()
	topoModel := topology.New(runner)

	discoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	topoModel.Discover(discoverCtx)

	ids := topoModel.ListDevices()
	fmt.Printf("accelerators discovered: %d\n", len(ids))
	for _, id := range ids {
		if dev, ok := topoModel.DeviceInfo(id); ok {
			fmt.Printf("  %s (numa=%d, bus=%s)\n", dev.DeviceID, dev.NUMANode, dev.BusAddress)
		}
	}

	caps := kerninfo.Probe()
	fmt.Println(caps.String())
	return nil
}

func runConfigCheck(configPath, format string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	switch format {
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "text", "":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	default:
		return fmt.Errorf("unknown format %q: want text or yaml", format)
	}
	return nil
}
