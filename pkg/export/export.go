// Package export writes stage inputs to the line-delimited files external
// tools consume. A stage's inputs can come from a chain of sources, tried
// in order until one yields data.
package export

import (
	"bufio"
	"fmt"
	"os"

	"github.com/perchsec/osprey/pkg/log"
	"github.com/perchsec/osprey/pkg/provider"
)

// Source is one candidate input origin. Providers are single-use, so the
// chain holds factories rather than open providers.
type Source struct {
	Name string
	Open func() (provider.Provider, error)
}

// Result describes one export: how many lines were written, which source
// produced them, and how much the blacklist removed
type Result struct {
	Count    int    // lines written to the file
	RawCount int    // values seen before filtering
	Filtered int    // values the blacklist removed
	Source   string // name of the source that produced the data
}

// rawCounter is implemented by providers that track pre-filter volume
type rawCounter interface {
	Raw() int
}

// Export tries each source in order and writes the first non-empty one to
// path. A source whose values exist but are all blacklisted ends the
// chain with zero lines: falling back would resurrect excluded inputs.
func Export(sources []Source, path string) (Result, error) {
	for _, src := range sources {
		res, err := exportOne(src, path)
		if err != nil {
			return Result{}, fmt.Errorf("export from %s: %w", src.Name, err)
		}
		if res.Count > 0 {
			return res, nil
		}
		if res.RawCount > 0 {
			log.Logger.Info().
				Str("source", src.Name).
				Int("filtered", res.Filtered).
				Msg("All values blacklisted, not falling back to next source")
			return res, nil
		}
	}
	// Every source was empty; leave an empty file so tools see valid input
	if err := os.WriteFile(path, nil, 0644); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

func exportOne(src Source, path string) (Result, error) {
	p, err := src.Open()
	if err != nil {
		return Result{}, err
	}
	defer p.Close()

	f, err := os.Create(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	count := 0
	for {
		v, ok := p.Next()
		if !ok {
			break
		}
		if _, err := fmt.Fprintln(w, v); err != nil {
			return Result{}, err
		}
		count++
	}
	if err := w.Flush(); err != nil {
		return Result{}, err
	}

	res := Result{Count: count, RawCount: count, Source: src.Name}
	if rc, ok := p.(rawCounter); ok {
		res.RawCount = rc.Raw()
		res.Filtered = res.RawCount - count
	}
	return res, nil
}
