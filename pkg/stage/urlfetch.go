package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/export"
	"github.com/perchsec/osprey/pkg/parse"
	"github.com/perchsec/osprey/pkg/provider"
	"github.com/perchsec/osprey/pkg/runner"
	"github.com/perchsec/osprey/pkg/sink"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/perchsec/osprey/pkg/workspace"
)

// URLFetch gathers endpoint URLs from two kinds of tools: passive
// collectors that query archives for the root domain, and crawlers that
// walk the live sites file. A tool's template decides which it is: one
// referencing {domain} but not {input} is domain-level passive.
func URLFetch(ctx context.Context, env *Env) (*Stats, error) {
	const name = engine.StageURLFetch

	dir, err := env.prepare(ctx, name)
	if err != nil {
		return nil, err
	}
	cfg := env.Config.Stage(name)

	sitesPath := filepath.Join(dir, "sites.txt")
	res, err := exportInputs([]export.Source{{
		Name: "websites",
		Open: func() (provider.Provider, error) {
			return provider.New(env.Store, env.Scan, provider.KindWebSiteURL)
		},
	}}, sitesPath)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}

	writer := sink.NewBatchedWriter(sink.NewSnapshotSink(env.Store, env.Scan.ID, env.Target.ID), sink.DefaultBatchSize)
	stats := &Stats{}
	passiveAllowed := env.Target.Type == types.TargetTypeDomain

	for tool, opts := range cfg.Tools {
		passive := isDomainPassive(opts.Template)
		if passive && !passiveAllowed {
			continue
		}
		if !passive && res.Count == 0 {
			continue
		}

		timeout := effectiveTimeout(opts, 30*time.Minute)
		vars := env.toolVars(opts, timeout)
		vars["input"] = sitesPath
		vars["output"] = workspace.ToolOutputPath(dir, tool, "txt")

		stats.ToolsRun++
		_, err := runTool(ctx, name, tool, runner.Spec{
			Command: renderTemplate(opts.Template, vars),
			Dir:     dir,
			Timeout: timeout,
			LogPath: workspace.ToolOutputPath(dir, tool, "log"),
		}, func(line string) (sink.Record, error) {
			return endpointFromLine(env.Scan.ID, line)
		}, writer)
		if err != nil {
			if writerAborted(err) {
				return nil, err
			}
			stats.ToolsFailed++
			env.userLog(name, "warning", fmt.Sprintf("Tool %s failed: %v", tool, err))
		}
	}

	if stats.ToolsRun == 0 {
		env.userLog(name, "info", "No applicable URL sources")
		return skippedStats("no input"), nil
	}
	if err := finishStats(stats, writer); err != nil {
		return stats, fmt.Errorf("stage %s: %w", name, err)
	}
	env.userLog(name, "info", fmt.Sprintf("Collected %d endpoints", stats.Records))
	return stats, nil
}

func isDomainPassive(template string) bool {
	return strings.Contains(template, "{domain}") && !strings.Contains(template, "{input}")
}

// endpointFromLine accepts either a bare URL (archive collectors) or an
// httpx-style JSON line (probing crawlers)
func endpointFromLine(scanID, line string) (*types.EndpointSnapshot, error) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		return parse.HTTPXEndpoint(scanID, trimmed)
	}
	url := parse.Sanitize(trimmed)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, parse.ErrSkip
	}
	return &types.EndpointSnapshot{
		ScanID:     scanID,
		URL:        url,
		ObservedAt: time.Now(),
	}, nil
}
