package parse

import (
	"strings"
	"time"

	"github.com/perchsec/osprey/pkg/types"
)

// PlainSubdomain parses one line of plain subdomain output (subfinder,
// amass, dnsx). Names are lowercased; lines that are blank, comments, or
// not plausible DNS names are skipped.
func PlainSubdomain(scanID, line string) (*types.SubdomainSnapshot, error) {
	name := strings.ToLower(strings.TrimSpace(Sanitize(line)))
	name = strings.TrimSuffix(name, ".")
	if name == "" || strings.HasPrefix(name, "#") {
		return nil, ErrSkip
	}
	if !validDNSName(name) {
		return nil, ErrSkip
	}
	return &types.SubdomainSnapshot{
		ScanID:     scanID,
		Name:       name,
		ObservedAt: time.Now(),
	}, nil
}

// validDNSName is a permissive shape check, not an RFC validator: tools
// occasionally print banners or status lines and those must not become
// subdomain rows.
func validDNSName(name string) bool {
	if len(name) > 253 || !strings.Contains(name, ".") {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
			case r == '-' || r == '_':
			case r == '*': // wildcard entries survive; filtered downstream
			default:
				return false
			}
		}
	}
	return true
}
