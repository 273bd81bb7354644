package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perchsec/osprey/pkg/dispatch"
	"github.com/perchsec/osprey/pkg/events"
	"github.com/perchsec/osprey/pkg/loadgate"
	"github.com/perchsec/osprey/pkg/log"
	"github.com/perchsec/osprey/pkg/metrics"
	"github.com/perchsec/osprey/pkg/scanmgr"
	"github.com/perchsec/osprey/pkg/storage"
	"github.com/spf13/cobra"
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
	Use:   "osprey",
	Short: "Osprey - attack surface scan orchestration",
	Long: `Osprey discovers and monitors the attack surface of domains,
IPs, and networks by orchestrating external reconnaissance tools
through a staged scan pipeline, storing findings in a local
embedded database.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Osprey version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("data-dir", "./osprey-data", "Directory for the embedded database")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON logs instead of console output")

	rootCmd.AddCommand(manageCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(targetCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(blacklistCmd)
	rootCmd.AddCommand(workerCmd)
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonLogs})
}

func openStore(cmd *cobra.Command) (storage.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %v", err)
	}
	return storage.NewBoltStore(dataDir)
}

var manageCmd = &cobra.Command{
	Use:   "manage",
	Short: "Run the scan manager daemon",
	Long: `Run the scan manager: it accepts scans, dispatches them to the
least-loaded worker, and executes local scans in-process. The local
worker registers itself and reports load heartbeats automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		resultsDir, _ := cmd.Flags().GetString("results-dir")
		wordlistDir, _ := cmd.Flags().GetString("wordlist-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		workerName, _ := cmd.Flags().GetString("worker-name")

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		gate := loadgate.New(loadgate.DefaultConfig())

		// The local invoker executes scans in-process; mgr is assigned
		// below, before the first dispatch can happen
		var mgr *scanmgr.Manager
		invoker := dispatch.NewLocalInvoker(func(ctx context.Context, scanID string) error {
			return mgr.Execute(ctx, scanID, wordlistDir, gate)
		})
		dispatcher := dispatch.New(store, broker, invoker)
		mgr = scanmgr.New(store, broker, dispatcher, resultsDir)
		if err := mgr.PurgeDeletedScans(); err != nil {
			log.Logger.Warn().Err(err).Msg("Purge of soft-deleted scans failed")
		}

		local, err := dispatcher.RegisterWorker(workerName, "", true)
		if err != nil {
			return fmt.Errorf("failed to register local worker: %v", err)
		}
		fmt.Printf("✓ Local worker registered (%s)\n", local.Name)

		// Heartbeat and offline-sweep loops
		stopCh := make(chan struct{})
		defer close(stopCh)
		go heartbeatLoop(dispatcher, local.ID, stopCh)
		go sweepLoop(dispatcher, stopCh)

		// Prometheus endpoint
		errCh := make(chan error, 1)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				errCh <- fmt.Errorf("metrics server error: %v", err)
			}
		}()
		fmt.Printf("✓ Metrics listening on %s\n", metricsAddr)

		fmt.Println()
		fmt.Println("Manager is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Execute a dispatched scan on this node",
	Long: `Execute one scan to completion. Used on worker nodes where the
manager dispatches over ssh; the scan id must reference an existing
scan row in this node's database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		scanID, _ := cmd.Flags().GetString("scan-id")
		wordlistDir, _ := cmd.Flags().GetString("wordlist-dir")
		if scanID == "" {
			return fmt.Errorf("--scan-id is required")
		}

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		mgr := scanmgr.New(store, broker, nil, "")
		gate := loadgate.New(loadgate.DefaultConfig())

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return mgr.Execute(ctx, scanID, wordlistDir, gate)
	},
}

func init() {
	manageCmd.Flags().String("results-dir", "./osprey-results", "Base directory for scan results")
	manageCmd.Flags().String("wordlist-dir", "./wordlists", "Directory holding wordlist files")
	manageCmd.Flags().String("metrics-addr", "127.0.0.1:9108", "Address for the Prometheus endpoint")
	manageCmd.Flags().String("worker-name", "local", "Name for the local worker")

	execCmd.Flags().String("scan-id", "", "Scan to execute")
	execCmd.Flags().String("wordlist-dir", "./wordlists", "Directory holding wordlist files")
}

func heartbeatLoop(d *dispatch.Dispatcher, workerID string, stopCh <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			cpuPct, memPct, err := loadgate.CurrentLoad()
			if err != nil {
				log.Logger.Warn().Err(err).Msg("Load sampling for heartbeat failed")
				continue
			}
			if err := d.Heartbeat(workerID, cpuPct, memPct); err != nil {
				log.Logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

func sweepLoop(d *dispatch.Dispatcher, stopCh <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := d.SweepOffline(); err != nil {
				log.Logger.Warn().Err(err).Msg("Offline sweep failed")
			}
		}
	}
}
