package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/scitix/netpulse/pkg/api"
	"github.com/scitix/netpulse/pkg/config"
	"github.com/scitix/netpulse/pkg/controller"
	"github.com/scitix/netpulse/pkg/events"
	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/node"
	"github.com/scitix/netpulse/pkg/reconciler"
	"github.com/scitix/netpulse/pkg/store"
	"github.com/scitix/netpulse/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "netpulse",
	Short: "NetPulse - Distributed network device orchestrator",
	Long: `NetPulse operates heterogeneous network devices (routers, switches,
Linux hosts) through pluggable drivers behind a unified HTTP API.

Its execution core is a Redis-backed job queue that multiplexes
unordered parallel queries with per-device serialized configuration,
holding long-lived sessions open across jobs to amortize connection
cost.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"NetPulse version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(fifoWorkerCmd)
	rootCmd.AddCommand(pinnedWorkerCmd)
}

// loadConfig resolves the configuration and initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
		cfg.Log.JSON = true
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	return cfg, nil
}

// waitForSignal blocks until SIGINT or SIGTERM
func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the NetPulse API server and dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		st, err := store.New(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer st.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		// Log every lifecycle event at debug
		sub := broker.Subscribe()
		go func() {
			logger := log.WithComponent("events")
			for ev := range sub {
				logger.Debug().
					Str("type", string(ev.Type)).
					Str("job_id", ev.Metadata["job_id"]).
					Str("host", ev.Metadata["host"]).
					Msg("Event")
			}
		}()

		ctrl, err := controller.New(cfg, st, broker)
		if err != nil {
			return err
		}

		rec := reconciler.NewReconciler(st, cfg.Worker.NodeTTL)
		rec.Start()
		defer rec.Stop()

		srv := api.NewServer(cfg, ctrl, st)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a node supervisor hosting pinned workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		nodeID, _ := cmd.Flags().GetString("node-id")
		if nodeID == "" {
			hostname, err := os.Hostname()
			if err != nil {
				hostname = "node"
			}
			nodeID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
		}

		st, err := store.New(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer st.Close()

		n := node.New(node.Config{
			NodeID:         nodeID,
			Capacity:       cfg.Worker.PinnedPerNode,
			HeartbeatEvery: cfg.Worker.HeartbeatEvery,
			IdleTTL:        cfg.Worker.IdleTTL,
			DefaultTimeout: cfg.Job.ExecTimeout,
			ResultTTL:      cfg.Job.ResultTTL,
		}, st)

		go func() {
			waitForSignal()
			n.Stop()
		}()
		return n.Run(context.Background())
	},
}

var fifoWorkerCmd = &cobra.Command{
	Use:   "fifo-worker",
	Short: "Run a pool of workers on the shared fifo queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		st, err := store.New(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer st.Close()

		pool := worker.NewFIFOPool(worker.FIFOConfig{
			Concurrency:    cfg.Worker.FIFOConcurrency,
			DefaultTimeout: cfg.Job.ExecTimeout,
			ResultTTL:      cfg.Job.ResultTTL,
		}, st)

		go func() {
			waitForSignal()
			pool.Stop()
		}()
		return pool.Run(context.Background())
	},
}

var pinnedWorkerCmd = &cobra.Command{
	Use:    "pinned-worker",
	Short:  "Run a pinned worker bound to one device (spawned by a node supervisor)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		host, _ := cmd.Flags().GetString("host")
		driverName, _ := cmd.Flags().GetString("driver")
		nodeID, _ := cmd.Flags().GetString("node-id")
		if host == "" || driverName == "" || nodeID == "" {
			return fmt.Errorf("pinned-worker requires --host, --driver and --node-id")
		}

		// Connection args arrive via the environment so credentials
		// stay off the process list
		rawArgs := os.Getenv("NETPULSE_PINNED_CONNECTION_ARGS")
		if rawArgs == "" {
			return fmt.Errorf("NETPULSE_PINNED_CONNECTION_ARGS is not set")
		}
		if !json.Valid([]byte(rawArgs)) {
			return fmt.Errorf("NETPULSE_PINNED_CONNECTION_ARGS is not valid JSON")
		}

		st, err := store.New(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer st.Close()

		w, err := worker.NewPinned(worker.PinnedConfig{
			Host:           host,
			NodeID:         nodeID,
			Driver:         driverName,
			ConnectionArgs: json.RawMessage(rawArgs),
			IdleTTL:        cfg.Worker.IdleTTL,
			DefaultTimeout: cfg.Job.ExecTimeout,
			ResultTTL:      cfg.Job.ResultTTL,
		}, st)
		if err != nil {
			return err
		}

		go func() {
			waitForSignal()
			w.Stop()
		}()
		return w.Run(context.Background())
	},
}

func init() {
	nodeCmd.Flags().String("node-id", "", "Stable node identity (generated if empty)")

	pinnedWorkerCmd.Flags().String("host", "", "Device host this worker is bound to")
	pinnedWorkerCmd.Flags().String("driver", "", "Driver name")
	pinnedWorkerCmd.Flags().String("node-id", "", "Node hosting this worker")
}
