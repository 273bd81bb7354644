package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/export"
	"github.com/perchsec/osprey/pkg/parse"
	"github.com/perchsec/osprey/pkg/provider"
	"github.com/perchsec/osprey/pkg/runner"
	"github.com/perchsec/osprey/pkg/sink"
	"github.com/perchsec/osprey/pkg/workspace"
)

// FingerprintDetect runs technology fingerprinting over known websites.
// Results merge into the inventory with the fill-if-empty policy: tech
// lists union, but a fingerprinter never overwrites probed scalars.
func FingerprintDetect(ctx context.Context, env *Env) (*Stats, error) {
	const name = engine.StageFingerprintDetect

	dir, err := env.prepare(ctx, name)
	if err != nil {
		return nil, err
	}
	cfg := env.Config.Stage(name)

	inputPath := filepath.Join(dir, "urls.txt")
	res, err := exportInputs([]export.Source{{
		Name: "websites",
		Open: func() (provider.Provider, error) {
			return provider.New(env.Store, env.Scan, provider.KindWebSiteURL)
		},
	}}, inputPath)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}
	if res.Count == 0 {
		env.userLog(name, "info", "No websites to fingerprint")
		return skippedStats("no input"), nil
	}

	auto := fingerprintTimeout(res.Count)
	fpSink := sink.NewSnapshotSink(env.Store, env.Scan.ID, env.Target.ID)
	fpSink.FillOnly = true
	writer := sink.NewBatchedWriter(fpSink, sink.DefaultBatchSize)
	stats := &Stats{}

	for tool, opts := range cfg.Tools {
		timeout := effectiveTimeout(opts, auto)
		vars := env.toolVars(opts, timeout)
		vars["input"] = inputPath
		vars["output"] = workspace.ToolOutputPath(dir, tool, "json")
		vars["fingerprint_libs"] = strings.Join(opts.FingerprintLibs, ",")

		stats.ToolsRun++
		_, err := runTool(ctx, name, tool, runner.Spec{
			Command: renderTemplate(opts.Template, vars),
			Dir:     dir,
			Timeout: timeout,
			LogPath: workspace.ToolOutputPath(dir, tool, "log"),
		}, func(line string) (sink.Record, error) {
			return parse.Fingerprint(env.Scan.ID, line)
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
	env.userLog(name, "info", fmt.Sprintf("Fingerprinted %d sites", stats.Records))
	return stats, nil
}
