package parse

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/perchsec/osprey/pkg/types"
)

// naabuLine mirrors the JSON naabu emits per open port
type naabuLine struct {
	Host string `json:"host"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Naabu parses one naabu JSON line into a host/port snapshot. A missing
// host falls back to the IP so bare-IP scans still key correctly.
func Naabu(scanID, line string) (*types.HostPortSnapshot, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return nil, ErrSkip
	}
	var row naabuLine
	if err := json.Unmarshal([]byte(trimmed), &row); err != nil {
		return nil, fmt.Errorf("invalid naabu line: %w", err)
	}
	if row.Port <= 0 || row.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", row.Port)
	}
	host := Sanitize(row.Host)
	if host == "" {
		host = Sanitize(row.IP)
	}
	if host == "" {
		return nil, ErrSkip
	}
	return &types.HostPortSnapshot{
		ScanID:     scanID,
		Host:       host,
		IP:         Sanitize(row.IP),
		Port:       row.Port,
		ObservedAt: time.Now(),
	}, nil
}
