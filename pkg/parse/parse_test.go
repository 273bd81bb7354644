package parse

import (
	"testing"
	"time"

	"github.com/perchsec/osprey/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean passthrough", "hello world", "hello world"},
		{"nul bytes dropped", "he\x00llo", "hello"},
		{"control bytes dropped", "a\x01b\x1fc\x7fd", "abcd"},
		{"tab survives", "a\tb", "a\tb"},
		{"newline dropped", "a\nb", "ab"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestHTTPXWebSite(t *testing.T) {
	line := `{"url":"https://example.com","host":"example.com","title":"Example","status_code":200,` +
		`"content_length":1256,"content_type":"text/html","webserver":"nginx/1.25",` +
		`"tech":["Nginx","Bootstrap"],"location":""}`

	snap, err := HTTPXWebSite("s1", line)
	require.NoError(t, err)
	assert.Equal(t, "s1", snap.ScanID)
	assert.Equal(t, "https://example.com", snap.URL)
	assert.Equal(t, "Example", snap.Title)
	assert.Equal(t, 200, snap.StatusCode)
	assert.Equal(t, []string{"Nginx", "Bootstrap"}, snap.Tech)
	assert.WithinDuration(t, time.Now(), snap.ObservedAt, time.Minute)
}

func TestHTTPXWebSiteSanitisesTitle(t *testing.T) {
	line := `{"url":"https://example.com","title":"bad\u0000title"}`
	snap, err := HTTPXWebSite("s1", line)
	require.NoError(t, err)
	assert.Equal(t, "badtitle", snap.Title)
}

func TestHTTPXSkipsNonJSON(t *testing.T) {
	for _, line := range []string{"", "   ", "httpx v1.6.0", "[INF] probing targets"} {
		_, err := HTTPXWebSite("s1", line)
		assert.ErrorIs(t, err, ErrSkip)
	}
}

func TestHTTPXRejectsMalformedJSON(t *testing.T) {
	_, err := HTTPXWebSite("s1", `{"url": "https://example.com"`)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSkip)
}

func TestNaabu(t *testing.T) {
	snap, err := Naabu("s1", `{"host":"mail.example.com","ip":"93.184.216.34","port":25}`)
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", snap.Host)
	assert.Equal(t, "93.184.216.34", snap.IP)
	assert.Equal(t, 25, snap.Port)
}

func TestNaabuFallsBackToIP(t *testing.T) {
	snap, err := Naabu("s1", `{"ip":"10.0.0.1","port":443}`)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", snap.Host)
}

func TestNaabuRejectsBadPorts(t *testing.T) {
	_, err := Naabu("s1", `{"host":"a","port":0}`)
	assert.Error(t, err)
	_, err = Naabu("s1", `{"host":"a","port":70000}`)
	assert.Error(t, err)
}

func TestPlainSubdomain(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
		skip bool
	}{
		{"simple", "www.example.com", "www.example.com", false},
		{"lowercased", "API.Example.COM", "api.example.com", false},
		{"trailing dot stripped", "mail.example.com.", "mail.example.com", false},
		{"wildcard kept", "*.dev.example.com", "*.dev.example.com", false},
		{"underscore label", "_dmarc.example.com", "_dmarc.example.com", false},
		{"blank skipped", "   ", "", true},
		{"comment skipped", "# found 12 hosts", "", true},
		{"banner skipped", "subfinder results below", "", true},
		{"bare word skipped", "localhost", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := PlainSubdomain("s1", tt.line)
			if tt.skip {
				assert.ErrorIs(t, err, ErrSkip)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, snap.Name)
		})
	}
}

func TestFFUF(t *testing.T) {
	data := []byte(`{
		"results": [
			{"url":"https://example.com/admin","status":301,"length":178,"words":6,"lines":8,
			 "content-type":"text/html","duration":2500000},
			{"url":"https://example.com/api","status":200,"length":15,"words":1,"lines":1,
			 "content-type":"application/json","duration":1200000},
			{"url":"","status":200}
		]
	}`)

	snaps, err := FFUF("s1", data)
	require.NoError(t, err)
	require.Len(t, snaps, 2) // entry with empty URL dropped
	assert.Equal(t, "https://example.com/admin", snaps[0].URL)
	assert.Equal(t, 301, snaps[0].StatusCode)
	assert.Equal(t, 2500*time.Microsecond, snaps[0].Duration)
}

func TestFFUFRejectsMalformed(t *testing.T) {
	_, err := FFUF("s1", []byte("not json"))
	assert.Error(t, err)
}

func TestNuclei(t *testing.T) {
	line := `{"template-id":"exposed-env","matched-at":"https://example.com/.env",` +
		`"host":"https://example.com","info":{"name":"Exposed .env file","severity":"High",` +
		`"description":"Environment file disclosed.","classification":{"cvss-score":7.5}}}`

	snap, err := Nuclei("s1", line)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/.env", snap.URL)
	assert.Equal(t, "exposed-env", snap.VulnType)
	assert.Equal(t, "nuclei", snap.Source)
	assert.Equal(t, types.SeverityHigh, snap.Severity)
	assert.Equal(t, 7.5, snap.CVSSScore)
	assert.Equal(t, "Environment file disclosed.", snap.Description)
	assert.Contains(t, snap.RawOutput, "exposed-env")
}

func TestNucleiFallsBackToHostAndName(t *testing.T) {
	line := `{"template-id":"tech-detect","host":"https://example.com",` +
		`"info":{"name":"Tech Detect","severity":"unknown-level"}}`

	snap, err := Nuclei("s1", line)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", snap.URL)
	assert.Equal(t, "Tech Detect", snap.Description)
	assert.Equal(t, types.SeverityUnknown, snap.Severity)
}

func TestFingerprint(t *testing.T) {
	line := `{"url":"https://example.com","cms":"WordPress, WooCommerce , ","title":"Shop",` +
		`"server":"Apache","status_code":200,"content_length":4096}`

	snap, err := Fingerprint("s1", line)
	require.NoError(t, err)
	assert.Equal(t, []string{"WordPress", "WooCommerce"}, snap.Tech)
	assert.Equal(t, "Shop", snap.Title)
	assert.Equal(t, "Apache", snap.WebServer)
}

func TestFingerprintEmptyCMS(t *testing.T) {
	snap, err := Fingerprint("s1", `{"url":"https://example.com","cms":""}`)
	require.NoError(t, err)
	assert.Empty(t, snap.Tech)
}
