package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/parse"
	"github.com/perchsec/osprey/pkg/provider"
	"github.com/perchsec/osprey/pkg/runner"
	"github.com/perchsec/osprey/pkg/sink"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/perchsec/osprey/pkg/workspace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDirectoryWorkers = 5
	progressMilestonePct    = 20
)

// DirectoryScan bruteforces paths on every live website with an N-way
// worker pool. Each site runs its own tool process with a per-URL timeout
// derived from the wordlist size; one site failing or timing out does not
// stop the others.
func DirectoryScan(ctx context.Context, env *Env) (*Stats, error) {
	const name = engine.StageDirectoryScan

	dir, err := env.prepare(ctx, name)
	if err != nil {
		return nil, err
	}
	cfg := env.Config.Stage(name)

	p, err := provider.New(env.Store, env.Scan, provider.KindWebSiteURL)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}
	var urls []string
	for {
		url, ok := p.Next()
		if !ok {
			break
		}
		urls = append(urls, url)
	}
	if cerr := p.Close(); cerr != nil {
		return nil, fmt.Errorf("stage %s: %w", name, cerr)
	}
	if len(urls) == 0 {
		env.userLog(name, "info", "No websites to bruteforce")
		return skippedStats("no input"), nil
	}

	writer := sink.NewBatchedWriter(sink.NewSnapshotSink(env.Store, env.Scan.ID, env.Target.ID), sink.DefaultBatchSize)
	stats := &Stats{}
	var mu sync.Mutex // guards writer and stats across the pool

	for tool, opts := range cfg.Tools {
		wordlistPath, lines, err := env.resolveWordlist(opts)
		if err != nil {
			stats.ToolsRun++
			stats.ToolsFailed++
			env.userLog(name, "warning", fmt.Sprintf("Tool %s: %v", tool, err))
			continue
		}

		workers := opts.MaxWorkers
		if workers <= 0 {
			workers = defaultDirectoryWorkers
		}
		timeout := effectiveTimeout(opts, directoryTimeout(lines))

		stats.ToolsRun++
		sem := semaphore.NewWeighted(int64(workers))
		g, gctx := errgroup.WithContext(ctx)
		done := 0
		milestone := 0

		for _, url := range urls {
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(1)

				snaps, err := bruteforceSite(gctx, env, dir, tool, opts, url, wordlistPath, timeout)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					stats.FailedSites++
				} else {
					stats.ProcessedSites++
					for _, snap := range snaps {
						if werr := writer.Add(snap); werr != nil {
							return werr
						}
					}
				}

				done++
				if pct := done * 100 / len(urls); pct >= milestone+progressMilestonePct {
					milestone = pct / progressMilestonePct * progressMilestonePct
					env.userLog(name, "info",
						fmt.Sprintf("Bruteforce progress: %d%% (%d/%d sites)", milestone, done, len(urls)))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if err := finishStats(stats, writer); err != nil {
		return stats, fmt.Errorf("stage %s: %w", name, err)
	}
	env.userLog(name, "info",
		fmt.Sprintf("Found %d paths across %d sites (%d failed)",
			stats.Records, stats.ProcessedSites, stats.FailedSites))
	return stats, nil
}

// bruteforceSite runs the tool against one URL and parses its JSON output
// document. The per-URL log keeps each site's raw output separable.
func bruteforceSite(ctx context.Context, env *Env, stageDir, tool string,
	opts engine.ToolOptions, url, wordlistPath string, timeout time.Duration) ([]*types.DirectorySnapshot, error) {

	outputPath := workspace.ToolOutputPath(stageDir, tool, "json")
	vars := env.toolVars(opts, timeout)
	vars["url"] = url
	vars["wordlist"] = wordlistPath
	vars["output"] = outputPath

	stream, err := runner.Run(ctx, runner.Spec{
		Command: renderTemplate(opts.Template, vars),
		Dir:     stageDir,
		Timeout: timeout,
		LogPath: workspace.ToolLogPath(stageDir, tool, url),
	})
	if err != nil {
		return nil, err
	}
	for range stream.Lines() {
	}
	if err := stream.Wait(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("missing tool output: %w", err)
	}
	return parse.FFUF(env.Scan.ID, data)
}

// resolveWordlist locates and verifies the tool's wordlist, returning its
// path and line count for the timeout formula
func (e *Env) resolveWordlist(opts engine.ToolOptions) (string, int, error) {
	if opts.WordlistName == "" {
		return "", 0, fmt.Errorf("no wordlist configured")
	}
	path, err := workspace.EnsureWordlist(workspace.Wordlist{
		Name: opts.WordlistName,
		Path: filepath.Join(e.WordlistDir, opts.WordlistName+".txt"),
	})
	if err != nil {
		return "", 0, err
	}
	lines, err := workspace.CountLines(path)
	if err != nil {
		return "", 0, err
	}
	return path, lines, nil
}
