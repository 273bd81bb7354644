// Package stage implements the scan stages. Every stage follows the same
// skeleton: wait for the load gate, export inputs to a file, run the
// configured tools, stream-parse their output, and hand records to the
// batched writer. Stages differ only in sources, tools, and parsers.
package stage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/events"
	"github.com/perchsec/osprey/pkg/export"
	"github.com/perchsec/osprey/pkg/loadgate"
	"github.com/perchsec/osprey/pkg/log"
	"github.com/perchsec/osprey/pkg/metrics"
	"github.com/perchsec/osprey/pkg/parse"
	"github.com/perchsec/osprey/pkg/runner"
	"github.com/perchsec/osprey/pkg/sink"
	"github.com/perchsec/osprey/pkg/storage"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/perchsec/osprey/pkg/workspace"
)

// Env bundles the dependencies every stage needs. The orchestrator builds
// one per scan and threads it explicitly; there is no ambient state.
type Env struct {
	Store       storage.Store
	Scan        *types.Scan
	Target      *types.Target
	Config      *engine.Config
	Gate        *loadgate.Gate
	Broker      *events.Broker
	ResultsDir  string
	WordlistDir string
}

// Stats is a stage's outcome summary
type Stats struct {
	ToolsRun       int
	ToolsFailed    int
	Records        int
	Discarded      int
	ProcessedSites int
	FailedSites    int
	Screenshots    int
	Skipped        bool
	Detail         string
}

// Func runs one stage to completion
type Func func(ctx context.Context, env *Env) (*Stats, error)

// ByName returns the stage implementation for a configured stage name
func ByName(name string) (Func, bool) {
	switch name {
	case engine.StageSubdomainDiscovery:
		return SubdomainDiscovery, true
	case engine.StagePortScan:
		return PortScan, true
	case engine.StageSiteScan:
		return SiteScan, true
	case engine.StageURLFetch:
		return URLFetch, true
	case engine.StageDirectoryScan:
		return DirectoryScan, true
	case engine.StageFingerprintDetect:
		return FingerprintDetect, true
	case engine.StageScreenshot:
		return Screenshot, true
	case engine.StageVulnScan:
		return VulnScan, true
	}
	return nil, false
}

// prepare runs the common stage preamble: load gate, target check, and
// stage working directory
func (e *Env) prepare(ctx context.Context, stageName string) (string, error) {
	if err := e.Gate.Wait(ctx, stageName); err != nil {
		return "", err
	}
	if e.Target == nil || e.Target.Name == "" {
		return "", fmt.Errorf("stage %s: target unavailable", stageName)
	}
	dir, err := workspace.StageDir(e.ResultsDir, stageName)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", stageName, err)
	}
	return dir, nil
}

func (e *Env) userLog(stageName, level, msg string) {
	if e.Broker != nil {
		e.Broker.PublishScanLog(e.Scan.ID, stageName, level, msg)
	}
}

// skippedStats marks a stage skipped for the given reason
func skippedStats(reason string) *Stats {
	return &Stats{Skipped: true, Detail: reason}
}

// renderTemplate substitutes {placeholder} variables into a tool command
// template
func renderTemplate(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

// toolVars builds the standard template variable set
func (e *Env) toolVars(opts engine.ToolOptions, timeout time.Duration) map[string]string {
	return map[string]string{
		"domain":      e.Target.Name,
		"concurrency": strconv.Itoa(opts.Concurrency),
		"rate":        strconv.Itoa(opts.Rate),
		"timeout":     strconv.Itoa(int(timeout.Seconds())),
	}
}

// effectiveTimeout resolves a tool's timeout option against the stage's
// auto formula
func effectiveTimeout(opts engine.ToolOptions, auto time.Duration) time.Duration {
	if opts.Timeout.Auto || opts.Timeout.Seconds == 0 {
		return auto
	}
	return time.Duration(opts.Timeout.Seconds) * time.Second
}

// Auto-timeout formulas. Inputs are line counts of the exported file.

func portScanTimeout(targets, ports int) time.Duration {
	d := time.Duration(float64(targets*ports)*0.5) * time.Second
	if d < 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

func siteScanTimeout(lines int) time.Duration {
	d := time.Duration(lines) * time.Second
	if d < 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

func fingerprintTimeout(urls int) time.Duration {
	d := time.Duration(urls) * 10 * time.Second
	if d < 300*time.Second {
		d = 300 * time.Second
	}
	return d
}

func directoryTimeout(wordlistLines int) time.Duration {
	d := time.Duration(wordlistLines) * time.Second
	if d < 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

func resolveTimeout(lines int) time.Duration {
	if lines == 0 {
		return 3600 * time.Second
	}
	return time.Duration(lines) * 3 * time.Second
}

func vulnScanTimeout(urls int) time.Duration {
	d := time.Duration(urls) * 10 * time.Second
	if d < 600*time.Second {
		d = 600 * time.Second
	}
	return d
}

// lineParser converts one output line into a record; ErrSkip lines are
// dropped without counting as failures
type lineParser func(line string) (sink.Record, error)

// runTool executes one tool and streams its output through the parser
// into the writer. Returns the number of records parsed. Timeout and
// command failures are returned after partial results were written.
func runTool(ctx context.Context, stageName, tool string, spec runner.Spec,
	parser lineParser, writer *sink.BatchedWriter) (int, error) {

	logger := log.WithStage(stageName)
	logger.Info().
		Str("tool", tool).
		Dur("timeout", spec.Timeout).
		Msg("Running tool")

	stream, err := runner.Run(ctx, spec)
	if err != nil {
		metrics.ToolRunsTotal.WithLabelValues(tool, "spawn_failed").Inc()
		return 0, fmt.Errorf("tool %s: %w", tool, err)
	}

	records := 0
	parseFailures := 0
	for line := range stream.Lines() {
		if parser == nil {
			continue
		}
		record, perr := parser(line)
		if perr != nil {
			if !errors.Is(perr, parse.ErrSkip) {
				parseFailures++
			}
			continue
		}
		if werr := writer.Add(record); werr != nil {
			stream.Kill()
			for range stream.Lines() {
			}
			stream.Wait()
			return records, werr
		}
		records++
	}

	err = stream.Wait()
	if parseFailures > 0 {
		logger.Warn().
			Str("tool", tool).
			Int("failures", parseFailures).
			Msg("Some output lines failed to parse")
	}

	switch {
	case err == nil:
		metrics.ToolRunsTotal.WithLabelValues(tool, "ok").Inc()
	case errors.Is(err, runner.ErrTimeout):
		metrics.ToolRunsTotal.WithLabelValues(tool, "timeout").Inc()
	default:
		metrics.ToolRunsTotal.WithLabelValues(tool, "failed").Inc()
	}
	return records, err
}

// writerAborted reports whether a tool error came from the sink rather
// than the tool itself; those abort the stage instead of counting a tool
// failure
func writerAborted(err error) bool {
	return errors.Is(err, sink.ErrScanGone) || errors.Is(err, sink.ErrTransient)
}

// exportInputs drains the source chain into the stage's input file
func exportInputs(sources []export.Source, path string) (export.Result, error) {
	return export.Export(sources, path)
}

// finishStats derives the stage outcome from per-tool results: success if
// any tool produced rows, failed if every tool errored
func finishStats(stats *Stats, writer *sink.BatchedWriter) error {
	if err := writer.Flush(); err != nil {
		return err
	}
	stats.Records = writer.Written()
	stats.Discarded = writer.Discarded()
	if stats.ToolsRun > 0 && stats.ToolsFailed == stats.ToolsRun && stats.Records == 0 {
		return fmt.Errorf("all %d tools failed", stats.ToolsRun)
	}
	return nil
}
