// Package provider streams stage input values (subdomains, URLs) from
// storage without materialising whole result sets. FULL-mode scans read
// the target's asset inventory, QUICK-mode scans read only the current
// scan's snapshots; either way values pass the blacklist before a stage
// sees them.
package provider

import (
	"fmt"
	"net"
)

// Provider yields stage input values one at a time. Callers must Close on
// every exit path; Close is idempotent.
type Provider interface {
	Next() (string, bool)
	Close() error
}

// Slice is a fixed in-memory provider, used for single-value stage inputs
// and in tests
type Slice struct {
	values []string
	pos    int
}

// NewSlice creates a provider over a fixed value list
func NewSlice(values ...string) *Slice {
	return &Slice{values: values}
}

// Next returns the next value
func (s *Slice) Next() (string, bool) {
	if s.pos >= len(s.values) {
		return "", false
	}
	v := s.values[s.pos]
	s.pos++
	return v, true
}

// Close implements Provider
func (s *Slice) Close() error { return nil }

// Concat chains providers, draining each fully before moving to the next
type Concat struct {
	providers []Provider
	idx       int
}

// NewConcat creates a provider over several sources in order
func NewConcat(providers ...Provider) *Concat {
	return &Concat{providers: providers}
}

// Next returns the next value from the first non-exhausted provider
func (c *Concat) Next() (string, bool) {
	for c.idx < len(c.providers) {
		if v, ok := c.providers[c.idx].Next(); ok {
			return v, true
		}
		c.idx++
	}
	return "", false
}

// Close closes every underlying provider
func (c *Concat) Close() error {
	var firstErr error
	for _, p := range c.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// URLsForHostPort converts an open port into probe URLs. Well-known HTTP
// and HTTPS ports map to a single scheme without an explicit port; any
// other port is probed under both schemes.
func URLsForHostPort(host string, port int) []string {
	switch port {
	case 80:
		return []string{fmt.Sprintf("http://%s", host)}
	case 443:
		return []string{fmt.Sprintf("https://%s", host)}
	default:
		return []string{
			fmt.Sprintf("http://%s:%d", host, port),
			fmt.Sprintf("https://%s:%d", host, port),
		}
	}
}

// ExpandCIDR lists the host addresses of a network. Network and broadcast
// addresses are excluded for prefixes shorter than /31; /31 and /32 yield
// every address.
func ExpandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}

	ones, bits := ipnet.Mask.Size()
	var hosts []string
	for addr := ip.Mask(ipnet.Mask); ipnet.Contains(addr); addr = nextIP(addr) {
		hosts = append(hosts, addr.String())
	}
	if bits-ones >= 2 && len(hosts) >= 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}
