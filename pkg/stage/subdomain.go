package stage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/parse"
	"github.com/perchsec/osprey/pkg/runner"
	"github.com/perchsec/osprey/pkg/sink"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/perchsec/osprey/pkg/workspace"
	"golang.org/x/sync/errgroup"
)

// Wildcard-DNS sampling parameters. The sample is 100x the base set; if
// more than 50x the base set resolves live, the domain wildcards and the
// permutation step would only produce noise. The resolve budget bounds
// the sampling run on very large inputs.
const (
	wildcardSampleFactor    = 100
	wildcardLiveFactor      = 50
	wildcardResolveBudget   = 7200 * time.Second
	defaultPassiveTimeout   = 30 * time.Minute
	defaultBruteTimeoutLine = time.Second
)

// SubdomainDiscovery collects subdomains of a domain target: passive
// collectors run in parallel, then optional wordlist bruteforce, then a
// permutation+resolve pipe gated by the wildcard sampling test, then a
// final pure resolve pass. IP and CIDR targets have no subdomains; the
// stage is a no-op for them.
func SubdomainDiscovery(ctx context.Context, env *Env) (*Stats, error) {
	const name = engine.StageSubdomainDiscovery

	if env.Target.Type != types.TargetTypeDomain {
		return skippedStats("not a domain target"), nil
	}

	dir, err := env.prepare(ctx, name)
	if err != nil {
		return nil, err
	}
	cfg := env.Config.Stage(name)
	roles := classifyTools(cfg.Tools)
	stats := &Stats{}

	// Passive collectors fan out in parallel, each with its own writer;
	// the snapshot store dedupes overlapping discoveries
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, tool := range roles.passive {
		opts := cfg.Tools[tool]
		g.Go(func() error {
			timeout := effectiveTimeout(opts, defaultPassiveTimeout)
			vars := env.toolVars(opts, timeout)

			writer := sink.NewBatchedWriter(sink.NewSnapshotSink(env.Store, env.Scan.ID, env.Target.ID), sink.DefaultBatchSize)
			_, err := runTool(gctx, name, tool, runner.Spec{
				Command: renderTemplate(opts.Template, vars),
				Dir:     dir,
				Timeout: timeout,
				LogPath: workspace.ToolOutputPath(dir, tool, "log"),
			}, func(line string) (sink.Record, error) {
				return parse.PlainSubdomain(env.Scan.ID, line)
			}, writer)

			mu.Lock()
			defer mu.Unlock()
			stats.ToolsRun++
			if err != nil && writerAborted(err) {
				return err
			}
			// Flush even after a failure: records yielded before a
			// timeout stay persisted
			if ferr := writer.Flush(); ferr != nil {
				return ferr
			}
			stats.Records += writer.Written()
			if err != nil {
				stats.ToolsFailed++
				env.userLog(name, "warning", fmt.Sprintf("Tool %s failed: %v", tool, err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Wordlist bruteforce, one tool at a time
	for _, tool := range roles.bruteforce {
		opts := cfg.Tools[tool]
		if err := env.runSubdomainTool(ctx, dir, name, tool, opts, stats, func(lines int) time.Duration {
			d := time.Duration(lines) * defaultBruteTimeoutLine
			if d < time.Hour {
				d = time.Hour
			}
			return d
		}); err != nil {
			return nil, err
		}
	}

	// Permutation and resolution need a resolver
	if len(roles.resolver) > 0 {
		resolverTool := roles.resolver[0]
		mergedPath := filepath.Join(dir, "merged.txt")
		baseCount, err := env.writeMergedSubdomains(mergedPath)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}

		if baseCount > 0 && len(roles.permutation) > 0 {
			skip, err := env.permutationPipe(ctx, dir, name, roles.permutation[0], resolverTool,
				cfg, mergedPath, baseCount, stats)
			if err != nil {
				return nil, err
			}
			if skip {
				env.userLog(name, "info", "Wildcard DNS detected, skipping permutation")
			}
		}

		// Final pure resolve over the merged set
		if baseCount > 0 {
			opts := cfg.Tools[resolverTool]
			timeout := effectiveTimeout(opts, resolveTimeout(baseCount))
			if err := env.resolveFile(ctx, dir, name, resolverTool, opts, mergedPath, timeout, stats); err != nil {
				return nil, err
			}
		}
	}

	if stats.ToolsRun > 0 && stats.ToolsFailed == stats.ToolsRun && stats.Records == 0 {
		return stats, fmt.Errorf("stage %s: all %d tools failed", name, stats.ToolsRun)
	}
	env.userLog(name, "info", fmt.Sprintf("Discovered %d subdomains", stats.Records))
	return stats, nil
}

// toolRoles buckets the configured tools by their discovery role
type toolRoles struct {
	passive     []string
	bruteforce  []string
	permutation []string
	resolver    []string
}

var (
	permutationTools = map[string]bool{"dnsgen": true, "gotator": true, "altdns": true}
	resolverTools    = map[string]bool{"dnsx": true, "massdns": true, "puredns": true, "shuffledns": true}
)

// classifyTools assigns roles: a wordlist implies bruteforce, known
// permutators and resolvers are recognised by name, everything else is a
// passive collector. Buckets are sorted for deterministic execution order.
func classifyTools(tools map[string]engine.ToolOptions) toolRoles {
	var roles toolRoles
	for tool, opts := range tools {
		switch {
		case permutationTools[tool]:
			roles.permutation = append(roles.permutation, tool)
		case resolverTools[tool]:
			roles.resolver = append(roles.resolver, tool)
		case opts.WordlistName != "":
			roles.bruteforce = append(roles.bruteforce, tool)
		default:
			roles.passive = append(roles.passive, tool)
		}
	}
	sort.Strings(roles.passive)
	sort.Strings(roles.bruteforce)
	sort.Strings(roles.permutation)
	sort.Strings(roles.resolver)
	return roles
}

// runSubdomainTool runs one wordlist-driven tool parsing plain subdomain
// output
func (e *Env) runSubdomainTool(ctx context.Context, dir, stageName, tool string,
	opts engine.ToolOptions, stats *Stats, autoTimeout func(wordlistLines int) time.Duration) error {

	wordlistPath, lines, err := e.resolveWordlist(opts)
	if err != nil {
		stats.ToolsRun++
		stats.ToolsFailed++
		e.userLog(stageName, "warning", fmt.Sprintf("Tool %s: %v", tool, err))
		return nil
	}

	timeout := effectiveTimeout(opts, autoTimeout(lines))
	vars := e.toolVars(opts, timeout)
	vars["wordlist"] = wordlistPath

	writer := sink.NewBatchedWriter(sink.NewSnapshotSink(e.Store, e.Scan.ID, e.Target.ID), sink.DefaultBatchSize)
	stats.ToolsRun++
	_, err = runTool(ctx, stageName, tool, runner.Spec{
		Command: renderTemplate(opts.Template, vars),
		Dir:     dir,
		Timeout: timeout,
		LogPath: workspace.ToolOutputPath(dir, tool, "log"),
	}, func(line string) (sink.Record, error) {
		return parse.PlainSubdomain(e.Scan.ID, line)
	}, writer)
	if err != nil && writerAborted(err) {
		return err
	}
	if ferr := writer.Flush(); ferr != nil {
		return ferr
	}
	stats.Records += writer.Written()
	if err != nil {
		stats.ToolsFailed++
		e.userLog(stageName, "warning", fmt.Sprintf("Tool %s failed: %v", tool, err))
	}
	return nil
}

// writeMergedSubdomains writes the scan's discovered names to a file in
// sorted byte order with duplicates removed, the input for permutation
// and resolution
func (e *Env) writeMergedSubdomains(path string) (int, error) {
	cursor, err := e.Store.IterSnapshots(types.AssetSubdomain, e.Scan.ID)
	if err != nil {
		return 0, err
	}
	defer cursor.Close()

	seen := make(map[string]bool)
	var names []string
	for {
		data, ok := cursor.Next()
		if !ok {
			break
		}
		var row struct{ Name string }
		if err := json.Unmarshal(data, &row); err != nil {
			continue
		}
		if row.Name != "" && !seen[row.Name] {
			seen[row.Name] = true
			names = append(names, row.Name)
		}
	}
	sort.Strings(names)

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return len(names), w.Flush()
}

// permutationPipe runs the wildcard sampling test and, if the domain is
// not wildcarded, the full permutation+resolve pipe. Returns true when
// permutation was skipped because of wildcard DNS.
func (e *Env) permutationPipe(ctx context.Context, dir, stageName, permTool, resolverTool string,
	cfg engine.StageConfig, mergedPath string, baseCount int, stats *Stats) (bool, error) {

	permOpts := cfg.Tools[permTool]
	permPath := filepath.Join(dir, "permutations.txt")
	timeout := effectiveTimeout(permOpts, resolveTimeout(baseCount))
	vars := e.toolVars(permOpts, timeout)
	vars["input"] = mergedPath

	stats.ToolsRun++
	permLines, err := e.runToolToFile(ctx, stageName, permTool, runner.Spec{
		Command: renderTemplate(permOpts.Template, vars),
		Dir:     dir,
		Timeout: timeout,
	}, permPath)
	if err != nil {
		stats.ToolsFailed++
		e.userLog(stageName, "warning", fmt.Sprintf("Tool %s failed: %v", permTool, err))
		return false, nil
	}
	if permLines == 0 {
		return false, nil
	}

	// Sampling test: resolve a bounded sample of the permutations
	samplePath := filepath.Join(dir, "wildcard_sample.txt")
	if _, err := headFile(permPath, samplePath, wildcardSampleFactor*baseCount); err != nil {
		return false, err
	}
	resolverOpts := cfg.Tools[resolverTool]
	sampleVars := e.toolVars(resolverOpts, wildcardResolveBudget)
	sampleVars["input"] = samplePath

	live, err := e.runToolToFile(ctx, stageName, resolverTool, runner.Spec{
		Command: renderTemplate(resolverOpts.Template, sampleVars),
		Dir:     dir,
		Timeout: wildcardResolveBudget,
	}, filepath.Join(dir, "wildcard_resolved.txt"))
	if err != nil {
		return false, err
	}
	if isWildcard(live, baseCount) {
		return true, nil
	}

	// Not wildcarded: resolve the full permutation set into records
	resolveDeadline := effectiveTimeout(resolverOpts, resolveTimeout(permLines))
	return false, e.resolveFile(ctx, dir, stageName, resolverTool, resolverOpts, permPath, resolveDeadline, stats)
}

// isWildcard applies the sampling threshold: live resolutions exceeding
// 50x the base set indicate wildcard DNS
func isWildcard(live, baseCount int) bool {
	return live > wildcardLiveFactor*baseCount
}

// resolveFile runs the resolver over a name file, persisting every name
// that resolves
func (e *Env) resolveFile(ctx context.Context, dir, stageName, tool string,
	opts engine.ToolOptions, inputPath string, timeout time.Duration, stats *Stats) error {

	vars := e.toolVars(opts, timeout)
	vars["input"] = inputPath

	writer := sink.NewBatchedWriter(sink.NewSnapshotSink(e.Store, e.Scan.ID, e.Target.ID), sink.DefaultBatchSize)
	stats.ToolsRun++
	_, err := runTool(ctx, stageName, tool, runner.Spec{
		Command: renderTemplate(opts.Template, vars),
		Dir:     dir,
		Timeout: timeout,
		LogPath: workspace.ToolOutputPath(dir, tool, "log"),
	}, func(line string) (sink.Record, error) {
		return parse.PlainSubdomain(e.Scan.ID, line)
	}, writer)
	if err != nil && writerAborted(err) {
		return err
	}
	if ferr := writer.Flush(); ferr != nil {
		return ferr
	}
	stats.Records += writer.Written()
	if err != nil {
		stats.ToolsFailed++
		e.userLog(stageName, "warning", fmt.Sprintf("Tool %s failed: %v", tool, err))
	}
	return nil
}

// runToolToFile streams a tool's stdout into a file and returns the line
// count; used where the output feeds a later step instead of the sink
func (e *Env) runToolToFile(ctx context.Context, stageName, tool string, spec runner.Spec, path string) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	stream, err := runner.Run(ctx, spec)
	if err != nil {
		return 0, err
	}
	count := 0
	for line := range stream.Lines() {
		fmt.Fprintln(w, line)
		count++
	}
	if err := stream.Wait(); err != nil {
		return count, err
	}
	return count, w.Flush()
}

// headFile copies the first n lines of src to dst, returning how many
// lines were written
func headFile(src, dst string, n int) (int, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	count := 0
	for count < n && scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	return count, w.Flush()
}

const maxScanLine = 1024 * 1024
