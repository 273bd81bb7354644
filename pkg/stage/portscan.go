package stage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/export"
	"github.com/perchsec/osprey/pkg/parse"
	"github.com/perchsec/osprey/pkg/provider"
	"github.com/perchsec/osprey/pkg/runner"
	"github.com/perchsec/osprey/pkg/sink"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/perchsec/osprey/pkg/workspace"
)

// Ports probed when a tool does not configure its own list; matches the
// scanners' top-ports default.
const defaultPortCount = 100

// PortScan scans the union of the target itself (CIDR targets expanded to
// host addresses) and every known subdomain for open ports
func PortScan(ctx context.Context, env *Env) (*Stats, error) {
	const name = engine.StagePortScan

	dir, err := env.prepare(ctx, name)
	if err != nil {
		return nil, err
	}
	cfg := env.Config.Stage(name)

	targetHosts, err := hostsForTarget(env.Target)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}

	inputPath := filepath.Join(dir, "hosts.txt")
	res, err := exportInputs([]export.Source{{
		Name: "target_and_subdomains",
		Open: func() (provider.Provider, error) {
			subs, err := provider.New(env.Store, env.Scan, provider.KindSubdomain)
			if err != nil {
				return nil, err
			}
			return provider.NewConcat(provider.NewSlice(targetHosts...), subs), nil
		},
	}}, inputPath)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}
	if res.Count == 0 {
		env.userLog(name, "info", "No hosts to scan")
		return skippedStats("no input"), nil
	}

	auto := portScanTimeout(res.Count, defaultPortCount)
	writer := sink.NewBatchedWriter(sink.NewSnapshotSink(env.Store, env.Scan.ID, env.Target.ID), sink.DefaultBatchSize)
	stats := &Stats{}

	// Tools run sequentially, one process at a time
	for tool, opts := range cfg.Tools {
		timeout := effectiveTimeout(opts, auto)
		vars := env.toolVars(opts, timeout)
		vars["input"] = inputPath
		vars["output"] = workspace.ToolOutputPath(dir, tool, "json")

		stats.ToolsRun++
		_, err := runTool(ctx, name, tool, runner.Spec{
			Command: renderTemplate(opts.Template, vars),
			Dir:     dir,
			Timeout: timeout,
			LogPath: workspace.ToolOutputPath(dir, tool, "log"),
		}, func(line string) (sink.Record, error) {
			return parse.Naabu(env.Scan.ID, line)
		}, writer)
		if err != nil {
			if writerAborted(err) {
				return nil, err
			}
			stats.ToolsFailed++
			env.userLog(name, "warning", fmt.Sprintf("Tool %s failed: %v", tool, err))
		}
	}

	if err := finishStats(stats, writer); err != nil {
		return stats, fmt.Errorf("stage %s: %w", name, err)
	}
	env.userLog(name, "info", fmt.Sprintf("Found %d open ports", stats.Records))
	return stats, nil
}

// hostsForTarget expands the target itself into scannable host addresses
func hostsForTarget(target *types.Target) ([]string, error) {
	if target.Type == types.TargetTypeCIDR {
		return provider.ExpandCIDR(target.Name)
	}
	return []string{target.Name}, nil
}
