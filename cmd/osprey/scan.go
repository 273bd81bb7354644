package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/perchsec/osprey/pkg/dispatch"
	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/loadgate"
	"github.com/perchsec/osprey/pkg/scanmgr"
	"github.com/perchsec/osprey/pkg/storage"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/spf13/cobra"
)

// Target commands
var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Manage scan targets",
}

var targetAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a target (domain, IP, or CIDR)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		name := strings.ToLower(strings.TrimSpace(args[0]))

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		if _, err := store.GetTargetByName(name); err == nil {
			return fmt.Errorf("target %q already exists", name)
		}

		target := &types.Target{
			ID:        uuid.New().String(),
			Name:      name,
			Type:      detectTargetType(name),
			CreatedAt: time.Now(),
		}
		if err := store.CreateTarget(target); err != nil {
			return fmt.Errorf("failed to create target: %v", err)
		}
		fmt.Printf("✓ Target %s added (%s)\n", name, target.Type)
		return nil
	},
}

var targetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		targets, err := store.ListTargets()
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-8s  %s\n", "ID", "TYPE", "NAME")
		for _, t := range targets {
			fmt.Printf("%-36s  %-8s  %s\n", t.ID, t.Type, t.Name)
		}
		return nil
	},
}

func init() {
	targetCmd.AddCommand(targetAddCmd)
	targetCmd.AddCommand(targetListCmd)
}

// detectTargetType classifies a target name
func detectTargetType(name string) types.TargetType {
	if _, _, err := net.ParseCIDR(name); err == nil {
		return types.TargetTypeCIDR
	}
	if net.ParseIP(name) != nil {
		return types.TargetTypeIP
	}
	return types.TargetTypeDomain
}

// Scan commands
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Manage scans",
}

var scanCreateCmd = &cobra.Command{
	Use:   "create TARGET...",
	Short: "Create scans for the named targets and run them locally",
	Long: `Create one scan per target and execute them on this node. The
embedded database allows a single process at a time, so standalone
scan runs happen in the same process that created them; a running
manager daemon owns the database and its local worker instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		configPaths, _ := cmd.Flags().GetStringSlice("engine-config")
		mode, _ := cmd.Flags().GetString("mode")
		resultsDir, _ := cmd.Flags().GetString("results-dir")
		wordlistDir, _ := cmd.Flags().GetString("wordlist-dir")
		if len(configPaths) == 0 {
			return fmt.Errorf("at least one --engine-config is required")
		}

		scanMode := types.ScanMode(mode)
		if scanMode != types.ScanModeFull && scanMode != types.ScanModeQuick {
			return fmt.Errorf("mode must be 'full' or 'quick'")
		}

		merged, engineNames, err := loadEngineConfigs(configPaths)
		if err != nil {
			return err
		}

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		var targets []*types.Target
		for _, name := range args {
			target, err := store.GetTargetByName(strings.ToLower(name))
			if err != nil {
				return fmt.Errorf("unknown target %q (add it first)", name)
			}
			targets = append(targets, target)
		}

		gate := loadgate.New(loadgate.DefaultConfig())
		var mgr *scanmgr.Manager
		invoker := dispatch.NewLocalInvoker(func(ctx context.Context, scanID string) error {
			return mgr.Execute(ctx, scanID, wordlistDir, gate)
		})
		dispatcher := dispatch.New(store, nil, invoker)
		mgr = scanmgr.New(store, nil, dispatcher, resultsDir)

		local, err := dispatcher.RegisterWorker("local", "", true)
		if err != nil {
			return fmt.Errorf("failed to register local worker: %v", err)
		}
		cpuPct, memPct, err := loadgate.CurrentLoad()
		if err != nil {
			cpuPct, memPct = 0, 0
		}
		if err := dispatcher.Heartbeat(local.ID, cpuPct, memPct); err != nil {
			return err
		}

		scans, err := mgr.CreateScans(targets, nil, engineNames, merged, scanMode)
		if err != nil {
			return fmt.Errorf("failed to create scans: %v", err)
		}
		for _, scan := range scans {
			fmt.Printf("✓ Scan %s created for target %s\n", scan.ID, scan.TargetID)
		}

		fmt.Println("Running scans...")
		return waitForScans(store, scans)
	},
}

// waitForScans blocks until every scan reaches a terminal status
func waitForScans(store storage.Store, scans []*types.Scan) error {
	for {
		done := true
		for _, scan := range scans {
			current, err := store.GetScanAny(scan.ID)
			if err != nil {
				return err
			}
			if !current.Status.Terminal() {
				done = false
				break
			}
		}
		if done {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	for _, scan := range scans {
		current, err := store.GetScanAny(scan.ID)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Scan %s %s (%d%% of stages completed)\n",
			current.ID, current.Status, current.Progress)
	}
	return nil
}

var scanStopCmd = &cobra.Command{
	Use:   "stop SCAN_ID",
	Short: "Stop a running or initiated scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		mgr := scanmgr.New(store, nil, nil, "")
		if err := mgr.StopScan(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Scan %s cancelled\n", args[0])
		return nil
	},
}

var scanDeleteCmd = &cobra.Command{
	Use:   "delete SCAN_ID...",
	Short: "Delete scans and their results",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		mgr := scanmgr.New(store, nil, nil, "")
		if err := mgr.DeleteScans(args); err != nil {
			return err
		}
		mgr.Wait()
		fmt.Printf("✓ %d scan(s) deleted\n", len(args))
		return nil
	},
}

var scanListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		scans, err := store.ListScans()
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-10s  %-5s  %-8s  %s\n", "ID", "STATUS", "MODE", "PROGRESS", "STAGE")
		for _, s := range scans {
			fmt.Printf("%-36s  %-10s  %-5s  %7d%%  %s\n",
				s.ID, s.Status, s.Mode, s.Progress, s.CurrentStage)
		}
		return nil
	},
}

func init() {
	scanCmd.AddCommand(scanCreateCmd)
	scanCmd.AddCommand(scanStopCmd)
	scanCmd.AddCommand(scanDeleteCmd)
	scanCmd.AddCommand(scanListCmd)

	scanCreateCmd.Flags().StringSlice("engine-config", nil, "Engine configuration YAML file (repeatable)")
	scanCreateCmd.Flags().String("mode", "full", "Scan mode: full (inventory inputs) or quick (snapshot inputs)")
	scanCreateCmd.Flags().String("results-dir", "./osprey-results", "Base directory for scan results")
	scanCreateCmd.Flags().String("wordlist-dir", "./wordlists", "Directory holding wordlist files")
}

// loadEngineConfigs parses and merges the engine configuration files
func loadEngineConfigs(paths []string) (*engine.Config, []string, error) {
	var configs []*engine.Config
	var names []string
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %v", path, err)
		}
		cfg, err := engine.Parse(data)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid engine config %s: %v", path, err)
		}
		configs = append(configs, cfg)
		names = append(names, strings.TrimSuffix(path, ".yaml"))
	}
	merged, err := engine.Merge(configs...)
	if err != nil {
		return nil, nil, err
	}
	return merged, names, nil
}

// Blacklist commands
var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage blacklist rules",
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add PATTERN",
	Short: "Add a blacklist rule (global, or per-target with --target)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		kind, _ := cmd.Flags().GetString("kind")
		targetName, _ := cmd.Flags().GetString("target")

		ruleKind := types.BlacklistRuleKind(kind)
		switch ruleKind {
		case types.BlacklistExact, types.BlacklistSuffix, types.BlacklistSubstring,
			types.BlacklistGlob, types.BlacklistRegex:
		default:
			return fmt.Errorf("kind must be one of exact, suffix, substring, glob, regex")
		}

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		var targetID string
		if targetName != "" {
			target, err := store.GetTargetByName(strings.ToLower(targetName))
			if err != nil {
				return fmt.Errorf("unknown target %q", targetName)
			}
			targetID = target.ID
		}

		rule := &types.BlacklistRule{
			ID:       uuid.New().String(),
			TargetID: targetID,
			Pattern:  args[0],
			Kind:     ruleKind,
		}
		if err := store.CreateBlacklistRule(rule); err != nil {
			return fmt.Errorf("failed to create rule: %v", err)
		}
		fmt.Printf("✓ Blacklist rule added (%s %q)\n", rule.Kind, rule.Pattern)
		return nil
	},
}

var blacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blacklist rules (global, or a target's effective set with --target)",
	RunE: func(cmd *cobra.Command, args []string) error {
		targetName, _ := cmd.Flags().GetString("target")

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		var targetID string
		if targetName != "" {
			target, err := store.GetTargetByName(strings.ToLower(targetName))
			if err != nil {
				return fmt.Errorf("unknown target %q", targetName)
			}
			targetID = target.ID
		}

		rules, err := store.ListBlacklistRules(targetID)
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-10s  %-6s  %s\n", "ID", "KIND", "SCOPE", "PATTERN")
		for _, r := range rules {
			scope := "global"
			if r.TargetID != "" {
				scope = "target"
			}
			fmt.Printf("%-36s  %-10s  %-6s  %s\n", r.ID, r.Kind, scope, r.Pattern)
		}
		return nil
	},
}

func init() {
	blacklistCmd.AddCommand(blacklistAddCmd)
	blacklistCmd.AddCommand(blacklistListCmd)

	blacklistAddCmd.Flags().String("kind", "exact", "Match kind: exact, suffix, substring, glob, regex")
	blacklistAddCmd.Flags().String("target", "", "Scope the rule to one target (default: global)")
	blacklistListCmd.Flags().String("target", "", "Show a target's effective rule set")
}

// Worker commands
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage workers",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		workers, err := store.ListWorkers()
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-8s  %-6s  %s\n", "ID", "STATUS", "LOCAL", "NAME")
		for _, w := range workers {
			fmt.Printf("%-36s  %-8s  %-6t  %s\n", w.ID, w.Status, w.Local, w.Name)
		}
		return nil
	},
}

var workerRegisterCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Register a remote worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		address, _ := cmd.Flags().GetString("address")
		if address == "" {
			return fmt.Errorf("--address is required")
		}

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		worker := &types.Worker{
			ID:        uuid.New().String(),
			Name:      args[0],
			Address:   address,
			Status:    types.WorkerStatusPending,
			CreatedAt: time.Now(),
		}
		if existing, err := store.GetWorkerByName(args[0]); err == nil {
			fmt.Printf("Worker %s already registered (%s)\n", existing.Name, existing.ID)
			return nil
		} else if err != storage.ErrNotFound {
			return err
		}
		if err := store.CreateWorker(worker); err != nil {
			return fmt.Errorf("failed to register worker: %v", err)
		}
		fmt.Printf("✓ Worker %s registered\n", worker.Name)
		return nil
	},
}

var workerDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Remove a registered worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		worker, err := store.GetWorkerByName(args[0])
		if err != nil {
			return fmt.Errorf("unknown worker %q", args[0])
		}
		if err := store.DeleteWorker(worker.ID); err != nil {
			return fmt.Errorf("failed to delete worker: %v", err)
		}
		fmt.Printf("✓ Worker %s removed\n", worker.Name)
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerRegisterCmd)
	workerCmd.AddCommand(workerDeleteCmd)

	workerRegisterCmd.Flags().String("address", "", "SSH address of the worker (user@host)")
}
