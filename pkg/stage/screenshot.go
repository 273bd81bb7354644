package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/provider"
	"github.com/perchsec/osprey/pkg/runner"
	"github.com/perchsec/osprey/pkg/workspace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultScreenshotConcurrency = 5

// Screenshot renders each live website under a bounded-concurrency pool.
// It persists no records; its artifacts are the image files in the stage
// directory, counted into the stage stats.
func Screenshot(ctx context.Context, env *Env) (*Stats, error) {
	const name = engine.StageScreenshot

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
		env.userLog(name, "info", "No websites to capture")
		return skippedStats("no input"), nil
	}

	stats := &Stats{}
	var mu sync.Mutex

	for tool, opts := range cfg.Tools {
		concurrency := opts.Concurrency
		if concurrency <= 0 {
			concurrency = defaultScreenshotConcurrency
		}
		timeout := effectiveTimeout(opts, 60*time.Second)
		sem := semaphore.NewWeighted(int64(concurrency))
		g, gctx := errgroup.WithContext(ctx)

		stats.ToolsRun++
		for _, url := range urls {
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(1)

				vars := env.toolVars(opts, timeout)
				vars["url"] = url
				vars["output"] = workspace.ToolOutputPath(dir, tool, "png")

				stream, err := runner.Run(gctx, runner.Spec{
					Command: renderTemplate(opts.Template, vars),
					Dir:     dir,
					Timeout: timeout,
					LogPath: workspace.ToolLogPath(dir, tool, url),
				})
				if err == nil {
					for range stream.Lines() {
					}
					err = stream.Wait()
				}

				mu.Lock()
				if err != nil {
					stats.FailedSites++
				} else {
					stats.Screenshots++
					stats.ProcessedSites++
				}
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
	}

	env.userLog(name, "info", fmt.Sprintf("Captured %d screenshots", stats.Screenshots))
	return stats, nil
}
