package parse

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/perchsec/osprey/pkg/types"
)

// ffufResult mirrors one entry of ffuf's JSON results array
type ffufResult struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	Length      int    `json:"length"`
	Words       int    `json:"words"`
	Lines       int    `json:"lines"`
	ContentType string `json:"content-type"`
	Duration    int64  `json:"duration"` // nanoseconds
}

type ffufOutput struct {
	Results []ffufResult `json:"results"`
}

// FFUF parses a complete ffuf JSON output document into directory
// snapshots. ffuf writes one document per run, not one line per hit.
func FFUF(scanID string, data []byte) ([]*types.DirectorySnapshot, error) {
	var out ffufOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("invalid ffuf output: %w", err)
	}
	now := time.Now()
	snaps := make([]*types.DirectorySnapshot, 0, len(out.Results))
	for _, r := range out.Results {
		url := Sanitize(strings.TrimSpace(r.URL))
		if url == "" {
			continue
		}
		snaps = append(snaps, &types.DirectorySnapshot{
			ScanID:        scanID,
			URL:           url,
			StatusCode:    r.Status,
			ContentLength: r.Length,
			Words:         r.Words,
			Lines:         r.Lines,
			ContentType:   Sanitize(r.ContentType),
			Duration:      time.Duration(r.Duration),
			ObservedAt:    now,
		})
	}
	return snaps, nil
}
