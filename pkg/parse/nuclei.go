package parse

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/perchsec/osprey/pkg/types"
)

// nucleiLine mirrors the JSONL nuclei emits per finding
type nucleiLine struct {
	TemplateID string `json:"template-id"`
	MatchedAt  string `json:"matched-at"`
	Host       string `json:"host"`
	Info       struct {
		Name           string `json:"name"`
		Severity       string `json:"severity"`
		Description    string `json:"description"`
		Classification struct {
			CVSSScore float64 `json:"cvss-score"`
		} `json:"classification"`
	} `json:"info"`
}

// Nuclei parses one nuclei JSONL finding into a vulnerability snapshot.
// The raw line is retained verbatim for later triage.
func Nuclei(scanID, line string) (*types.VulnerabilitySnapshot, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return nil, ErrSkip
	}
	var row nucleiLine
	if err := json.Unmarshal([]byte(trimmed), &row); err != nil {
		return nil, fmt.Errorf("invalid nuclei line: %w", err)
	}
	if row.TemplateID == "" {
		return nil, ErrSkip
	}
	url := Sanitize(row.MatchedAt)
	if url == "" {
		url = Sanitize(row.Host)
	}
	desc := row.Info.Description
	if desc == "" {
		desc = row.Info.Name
	}
	return &types.VulnerabilitySnapshot{
		ScanID:      scanID,
		URL:         url,
		VulnType:    Sanitize(row.TemplateID),
		Source:      "nuclei",
		Severity:    types.NormalizeSeverity(row.Info.Severity),
		CVSSScore:   row.Info.Classification.CVSSScore,
		Description: Sanitize(desc),
		RawOutput:   Sanitize(trimmed),
		ObservedAt:  time.Now(),
	}, nil
}
