package blacklist

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterRuleKinds(t *testing.T) {
	filter, err := NewFilter([]*types.BlacklistRule{
		{Pattern: "admin.example.com", Kind: types.BlacklistExact},
		{Pattern: ".gov", Kind: types.BlacklistSuffix},
		{Pattern: "internal", Kind: types.BlacklistSubstring},
		{Pattern: "*.staging.example.com", Kind: types.BlacklistGlob},
		{Pattern: `^10\.0\.\d+\.\d+$`, Kind: types.BlacklistRegex},
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		value   string
		allowed bool
	}{
		{"exact match", "admin.example.com", false},
		{"exact match case-insensitive", "ADMIN.example.com", false},
		{"exact no match", "admin2.example.com", true},
		{"suffix match", "portal.state.gov", false},
		{"substring match", "internal-api.example.com", false},
		{"glob match", "web.staging.example.com", false},
		{"glob no match on bare domain", "staging.example.com", true},
		{"regex match", "10.0.3.17", false},
		{"regex no match", "192.168.1.1", true},
		{"plain value allowed", "www.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, filter.IsAllowed(tt.value))
		})
	}
}

func TestFilterEmptyAllowsEverything(t *testing.T) {
	filter, err := NewFilter(nil)
	require.NoError(t, err)
	assert.True(t, filter.Empty())
	assert.True(t, filter.IsAllowed("anything.example.com"))
}

func TestFilterRejectsBadPatterns(t *testing.T) {
	_, err := NewFilter([]*types.BlacklistRule{
		{Pattern: "[invalid", Kind: types.BlacklistRegex},
	})
	assert.Error(t, err)

	_, err = NewFilter([]*types.BlacklistRule{
		{Pattern: "[", Kind: types.BlacklistGlob},
	})
	assert.Error(t, err)

	_, err = NewFilter([]*types.BlacklistRule{
		{Pattern: "x", Kind: "bogus"},
	})
	assert.Error(t, err)
}

// Property: a value never appears on both sides of the filter, and an
// exact rule for the value itself always excludes it.
func TestFilterExactRuleProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("exact rule excludes its own pattern", prop.ForAll(
		func(label string) bool {
			value := label + ".example.com"
			filter, err := NewFilter([]*types.BlacklistRule{
				{Pattern: value, Kind: types.BlacklistExact},
			})
			if err != nil {
				return false
			}
			return !filter.IsAllowed(value)
		},
		gen.Identifier(),
	))

	properties.Property("unrelated values stay allowed", prop.ForAll(
		func(label string) bool {
			filter, err := NewFilter([]*types.BlacklistRule{
				{Pattern: "blocked.example.com", Kind: types.BlacklistExact},
			})
			if err != nil {
				return false
			}
			return filter.IsAllowed(label + ".other.net")
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
