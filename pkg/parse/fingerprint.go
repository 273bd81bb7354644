package parse

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/perchsec/osprey/pkg/types"
)

// fingerprintLine mirrors the JSON emitted by the fingerprint tool. The
// cms field is a comma-joined technology list, not an array.
type fingerprintLine struct {
	URL           string `json:"url"`
	CMS           string `json:"cms"`
	Title         string `json:"title"`
	Server        string `json:"server"`
	StatusCode    int    `json:"status_code"`
	ContentLength int    `json:"content_length"`
}

// Fingerprint parses one fingerprint JSON line into a website snapshot
// carrying detected technologies. The sink applies the fill-if-empty
// policy when merging these into the inventory.
func Fingerprint(scanID, line string) (*types.WebSiteSnapshot, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return nil, ErrSkip
	}
	var row fingerprintLine
	if err := json.Unmarshal([]byte(trimmed), &row); err != nil {
		return nil, fmt.Errorf("invalid fingerprint line: %w", err)
	}
	if row.URL == "" {
		return nil, ErrSkip
	}

	var tech []string
	for _, t := range strings.Split(row.CMS, ",") {
		t = Sanitize(strings.TrimSpace(t))
		if t != "" {
			tech = append(tech, t)
		}
	}

	return &types.WebSiteSnapshot{
		ScanID:        scanID,
		URL:           Sanitize(row.URL),
		Title:         Sanitize(row.Title),
		WebServer:     Sanitize(row.Server),
		StatusCode:    row.StatusCode,
		ContentLength: row.ContentLength,
		Tech:          tech,
		ObservedAt:    time.Now(),
	}, nil
}
