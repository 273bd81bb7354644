// Package blacklist filters scan inputs against exclusion rules. A value
// matching any rule is excluded; with no rules everything is allowed.
package blacklist

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/perchsec/osprey/pkg/types"
)

// Filter evaluates a fixed rule set against candidate values. Build one
// per scan with NewFilter; it is safe for concurrent readers.
type Filter struct {
	exact     map[string]bool
	suffix    []string
	substring []string
	glob      []string
	regex     []*regexp.Regexp
}

// NewFilter compiles the rule set. Invalid regex or glob patterns are
// rejected up front so stages never fail mid-iteration.
func NewFilter(rules []*types.BlacklistRule) (*Filter, error) {
	f := &Filter{exact: make(map[string]bool)}
	for _, rule := range rules {
		switch rule.Kind {
		case types.BlacklistExact:
			f.exact[strings.ToLower(rule.Pattern)] = true
		case types.BlacklistSuffix:
			f.suffix = append(f.suffix, strings.ToLower(rule.Pattern))
		case types.BlacklistSubstring:
			f.substring = append(f.substring, strings.ToLower(rule.Pattern))
		case types.BlacklistGlob:
			if !doublestar.ValidatePattern(rule.Pattern) {
				return nil, fmt.Errorf("invalid glob pattern %q", rule.Pattern)
			}
			f.glob = append(f.glob, rule.Pattern)
		case types.BlacklistRegex:
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid regex pattern %q: %w", rule.Pattern, err)
			}
			f.regex = append(f.regex, re)
		default:
			return nil, fmt.Errorf("unknown blacklist rule kind %q", rule.Kind)
		}
	}
	return f, nil
}

// IsAllowed reports whether value passes the filter. Matching is
// case-insensitive except for regex rules, which match the raw value.
func (f *Filter) IsAllowed(value string) bool {
	lower := strings.ToLower(value)

	if f.exact[lower] {
		return false
	}
	for _, s := range f.suffix {
		if strings.HasSuffix(lower, s) {
			return false
		}
	}
	for _, s := range f.substring {
		if strings.Contains(lower, s) {
			return false
		}
	}
	for _, pattern := range f.glob {
		if ok, _ := doublestar.Match(pattern, lower); ok {
			return false
		}
	}
	for _, re := range f.regex {
		if re.MatchString(value) {
			return false
		}
	}
	return true
}

// Empty reports whether the filter carries no rules
func (f *Filter) Empty() bool {
	return len(f.exact) == 0 && len(f.suffix) == 0 && len(f.substring) == 0 &&
		len(f.glob) == 0 && len(f.regex) == 0
}
