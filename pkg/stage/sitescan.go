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
	"github.com/perchsec/osprey/pkg/workspace"
)

// SiteScan probes discovered host:port pairs for live HTTP services.
// When no ports are known yet it falls back to probing subdomain URLs,
// and finally to the target's default URLs.
func SiteScan(ctx context.Context, env *Env) (*Stats, error) {
	const name = engine.StageSiteScan

	dir, err := env.prepare(ctx, name)
	if err != nil {
		return nil, err
	}
	cfg := env.Config.Stage(name)

	inputPath := filepath.Join(dir, "urls.txt")
	res, err := exportInputs([]export.Source{
		{
			Name: "host_ports",
			Open: func() (provider.Provider, error) {
				return provider.New(env.Store, env.Scan, provider.KindHostPortURL)
			},
		},
		{
			Name: "subdomains",
			Open: func() (provider.Provider, error) {
				return provider.New(env.Store, env.Scan, provider.KindSubdomainURL)
			},
		},
		{
			Name: "default",
			Open: func() (provider.Provider, error) {
				return provider.NewDefaultURLs(env.Store, env.Scan, env.Target)
			},
		},
	}, inputPath)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}
	if res.Count == 0 {
		env.userLog(name, "info", "No URLs to probe")
		return skippedStats("no input"), nil
	}

	auto := siteScanTimeout(res.Count)
	writer := sink.NewBatchedWriter(sink.NewSnapshotSink(env.Store, env.Scan.ID, env.Target.ID), sink.DefaultBatchSize)
	stats := &Stats{}

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
			return parse.HTTPXWebSite(env.Scan.ID, line)
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
	env.userLog(name, "info", fmt.Sprintf("Found %d live sites", stats.Records))
	return stats, nil
}
