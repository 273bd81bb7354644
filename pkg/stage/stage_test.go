package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/loadgate"
	"github.com/perchsec/osprey/pkg/storage"
	"github.com/perchsec/osprey/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleSampler struct{}

func (idleSampler) Sample() (float64, float64, error) { return 5, 10, nil }

func testEnv(t *testing.T, cfg *engine.Config, targetType types.TargetType) (*Env, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	target := &types.Target{ID: "t1", Name: "example.com", Type: targetType}
	if targetType == types.TargetTypeCIDR {
		target.Name = "192.168.0.0/30"
	}
	require.NoError(t, store.CreateTarget(target))

	scan := &types.Scan{ID: "s1", TargetID: "t1", Mode: types.ScanModeFull, Status: types.ScanStatusRunning}
	require.NoError(t, store.CreateScan(scan))

	gateCfg := loadgate.DefaultConfig()
	gateCfg.PollInterval = time.Millisecond
	gateCfg.MaxWait = time.Millisecond

	return &Env{
		Store:      store,
		Scan:       scan,
		Target:     target,
		Config:     cfg,
		Gate:       loadgate.NewWithSampler(gateCfg, idleSampler{}),
		ResultsDir: t.TempDir(),
	}, store
}

func stageConfig(stageName string, tools map[string]engine.ToolOptions) *engine.Config {
	return &engine.Config{Stages: map[string]engine.StageConfig{
		stageName: {Enabled: true, Tools: tools},
	}}
}

func TestRenderTemplate(t *testing.T) {
	out := renderTemplate("tool -l {input} -o {output} -t {timeout}", map[string]string{
		"input":   "/tmp/in.txt",
		"output":  "/tmp/out.json",
		"timeout": "600",
	})
	assert.Equal(t, "tool -l /tmp/in.txt -o /tmp/out.json -t 600", out)
}

func TestTimeoutFormulas(t *testing.T) {
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"port scan floor", portScanTimeout(1, 10), 60 * time.Second},
		{"port scan scales", portScanTimeout(20, 100), 1000 * time.Second},
		{"site scan floor", siteScanTimeout(3), 60 * time.Second},
		{"site scan scales", siteScanTimeout(500), 500 * time.Second},
		{"fingerprint floor", fingerprintTimeout(5), 300 * time.Second},
		{"fingerprint scales", fingerprintTimeout(100), 1000 * time.Second},
		{"directory floor", directoryTimeout(10), 60 * time.Second},
		{"directory scales", directoryTimeout(5000), 5000 * time.Second},
		{"resolve default", resolveTimeout(0), 3600 * time.Second},
		{"resolve scales", resolveTimeout(100), 300 * time.Second},
		{"vuln floor", vulnScanTimeout(10), 600 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestEffectiveTimeout(t *testing.T) {
	auto := 90 * time.Second
	assert.Equal(t, auto, effectiveTimeout(engine.ToolOptions{Timeout: engine.Timeout{Auto: true}}, auto))
	assert.Equal(t, auto, effectiveTimeout(engine.ToolOptions{}, auto))
	assert.Equal(t, 30*time.Second,
		effectiveTimeout(engine.ToolOptions{Timeout: engine.Timeout{Seconds: 30}}, auto))
}

func TestIsWildcard(t *testing.T) {
	assert.False(t, isWildcard(0, 10))
	assert.False(t, isWildcard(500, 10)) // exactly 50x is not wildcard
	assert.True(t, isWildcard(501, 10))
}

func TestClassifyTools(t *testing.T) {
	roles := classifyTools(map[string]engine.ToolOptions{
		"subfinder":  {},
		"amass":      {},
		"puredns":    {},
		"dnsgen":     {},
		"bruteforce": {WordlistName: "subdomains-top"},
	})
	assert.Equal(t, []string{"amass", "subfinder"}, roles.passive)
	assert.Equal(t, []string{"bruteforce"}, roles.bruteforce)
	assert.Equal(t, []string{"dnsgen"}, roles.permutation)
	assert.Equal(t, []string{"puredns"}, roles.resolver)
}

func TestHostsForTarget(t *testing.T) {
	hosts, err := hostsForTarget(&types.Target{Name: "example.com", Type: types.TargetTypeDomain})
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, hosts)

	hosts, err = hostsForTarget(&types.Target{Name: "10.0.0.0/30", Type: types.TargetTypeCIDR})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, hosts)
}

func TestEndpointFromLine(t *testing.T) {
	snap, err := endpointFromLine("s1", "https://example.com/api?id=1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api?id=1", snap.URL)

	snap, err = endpointFromLine("s1", `{"url":"https://example.com/x","status_code":200}`)
	require.NoError(t, err)
	assert.Equal(t, 200, snap.StatusCode)

	_, err = endpointFromLine("s1", "ftp://example.com/file")
	assert.Error(t, err)
}

func TestSubdomainDiscoveryHappyPath(t *testing.T) {
	cfg := stageConfig(engine.StageSubdomainDiscovery, map[string]engine.ToolOptions{
		"collector": {Template: `printf 'api.example.com\nmail.example.com\n'`},
	})
	env, store := testEnv(t, cfg, types.TargetTypeDomain)

	stats, err := SubdomainDiscovery(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)
	assert.False(t, stats.Skipped)

	n, err := store.CountSnapshots(types.AssetSubdomain, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.CountAssets(types.AssetSubdomain, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSubdomainDiscoverySkipsNonDomainTargets(t *testing.T) {
	cfg := stageConfig(engine.StageSubdomainDiscovery, map[string]engine.ToolOptions{
		"collector": {Template: `printf 'should-not-run\n'`},
	})
	env, _ := testEnv(t, cfg, types.TargetTypeCIDR)

	stats, err := SubdomainDiscovery(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
}

func TestSubdomainDiscoveryAllToolsFailed(t *testing.T) {
	cfg := stageConfig(engine.StageSubdomainDiscovery, map[string]engine.ToolOptions{
		"broken": {Template: `exit 1`},
	})
	env, _ := testEnv(t, cfg, types.TargetTypeDomain)

	_, err := SubdomainDiscovery(context.Background(), env)
	assert.ErrorContains(t, err, "all 1 tools failed")
}

func TestSubdomainDiscoveryKeepsPartialResultsOnTimeout(t *testing.T) {
	cfg := stageConfig(engine.StageSubdomainDiscovery, map[string]engine.ToolOptions{
		"collector": {
			Template: `printf 'api.example.com\nmail.example.com\n'; sleep 30`,
			Timeout:  engine.Timeout{Seconds: 1},
		},
	})
	env, store := testEnv(t, cfg, types.TargetTypeDomain)

	stats, err := SubdomainDiscovery(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ToolsFailed)
	assert.Equal(t, 2, stats.Records)

	// Records yielded before the timeout stay persisted
	n, err := store.CountSnapshots(types.AssetSubdomain, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPortScanPersistsMappings(t *testing.T) {
	cfg := stageConfig(engine.StagePortScan, map[string]engine.ToolOptions{
		"scanner": {Template: `printf '{"host":"a.example.com","ip":"1.2.3.4","port":8080}\n'`},
	})
	env, store := testEnv(t, cfg, types.TargetTypeDomain)

	stats, err := PortScan(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)

	n, err := store.CountAssets(types.AssetHostPort, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSiteScanFallsBackToSubdomains(t *testing.T) {
	cfg := stageConfig(engine.StageSiteScan, map[string]engine.ToolOptions{
		"prober": {Template: `printf '{"url":"https://api.example.com","status_code":200}\n'`},
	})
	env, store := testEnv(t, cfg, types.TargetTypeDomain)

	// No host:port mappings; only a subdomain in inventory
	_, err := store.PutSubdomains([]*types.Subdomain{{TargetID: "t1", Name: "api.example.com"}})
	require.NoError(t, err)

	stats, err := SiteScan(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)

	// The fallback exports probe URLs under both schemes, not bare names
	data, err := os.ReadFile(filepath.Join(env.ResultsDir, "site_scan", "urls.txt"))
	require.NoError(t, err)
	assert.Equal(t, "http://api.example.com\nhttps://api.example.com\n", string(data))

	site, err := store.GetWebSite("t1", "https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, 200, site.StatusCode)
}

func TestSiteScanProbesDefaultURLsOnEmptyInventory(t *testing.T) {
	cfg := stageConfig(engine.StageSiteScan, map[string]engine.ToolOptions{
		"prober": {Template: `printf '{"url":"https://example.com","status_code":200}\n'`},
	})
	env, store := testEnv(t, cfg, types.TargetTypeDomain)

	stats, err := SiteScan(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, stats.Skipped)
	assert.Equal(t, 1, stats.Records)

	data, err := os.ReadFile(filepath.Join(env.ResultsDir, "site_scan", "urls.txt"))
	require.NoError(t, err)
	assert.Equal(t, "http://example.com\nhttps://example.com\n", string(data))

	n, err := store.CountAssets(types.AssetWebSite, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVulnScanFallsBackToDefaultURLs(t *testing.T) {
	line := `{"template-id":"cve-x","matched-at":"https://example.com","info":{"name":"X","severity":"low"}}`
	cfg := stageConfig(engine.StageVulnScan, map[string]engine.ToolOptions{
		"scanner": {Template: `printf '%s\n' '` + line + `'`},
	})
	env, _ := testEnv(t, cfg, types.TargetTypeDomain)

	stats, err := VulnScan(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, stats.Skipped)
	assert.Equal(t, 1, stats.Records)

	data, err := os.ReadFile(filepath.Join(env.ResultsDir, "vuln_scan", "urls.txt"))
	require.NoError(t, err)
	assert.Equal(t, "http://example.com\nhttps://example.com\n", string(data))
}

func TestFingerprintFillsEmptyFields(t *testing.T) {
	cfg := stageConfig(engine.StageFingerprintDetect, map[string]engine.ToolOptions{
		"fp": {Template: `printf '{"url":"https://x/","cms":"WordPress, jQuery","title":"Home","status_code":200}\n'`},
	})
	env, store := testEnv(t, cfg, types.TargetTypeDomain)

	// Existing row with empty title and one tech entry
	_, err := store.UpsertWebSites([]*types.WebSite{{
		TargetID: "t1", URL: "https://x/", Tech: []string{"nginx"},
	}}, false)
	require.NoError(t, err)

	_, err = FingerprintDetect(context.Background(), env)
	require.NoError(t, err)

	site, err := store.GetWebSite("t1", "https://x/")
	require.NoError(t, err)
	assert.Equal(t, "Home", site.Title)
	assert.Equal(t, []string{"nginx", "WordPress", "jQuery"}, site.Tech)
	assert.Equal(t, 200, site.StatusCode)
}

func TestVulnScanNormalisesSeverity(t *testing.T) {
	line := `{"template-id":"xss-reflected","matched-at":"https://x/q","info":{"name":"XSS","severity":"MEDIUM"}}`
	cfg := stageConfig(engine.StageVulnScan, map[string]engine.ToolOptions{
		"scanner": {Template: `printf '%s\n' '` + line + `'`},
	})
	env, store := testEnv(t, cfg, types.TargetTypeDomain)

	_, err := store.UpsertEndpoints([]*types.Endpoint{{TargetID: "t1", URL: "https://x/q"}})
	require.NoError(t, err)

	stats, err := VulnScan(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)

	counts, err := store.CountVulnsBySeverity("t1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.SeverityMedium])
}

func TestURLFetchPassiveSkippedForIPTargets(t *testing.T) {
	cfg := stageConfig(engine.StageURLFetch, map[string]engine.ToolOptions{
		"archive": {Template: `printf 'https://example.com/old\n' # {domain}`},
	})
	env, _ := testEnv(t, cfg, types.TargetTypeCIDR)

	stats, err := URLFetch(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
}

func TestURLFetchPassiveCollectsEndpoints(t *testing.T) {
	cfg := stageConfig(engine.StageURLFetch, map[string]engine.ToolOptions{
		"archive": {Template: `printf 'https://example.com/login?next=1\n' # {domain}`},
	})
	env, store := testEnv(t, cfg, types.TargetTypeDomain)

	stats, err := URLFetch(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)

	n, err := store.CountAssets(types.AssetEndpoint, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDirectoryScanFanOut(t *testing.T) {
	wordlistDir := t.TempDir()
	wordlist := filepath.Join(wordlistDir, "common.txt")
	require.NoError(t, os.WriteFile(wordlist, []byte("admin\napi\n"), 0644))

	cfg := stageConfig(engine.StageDirectoryScan, map[string]engine.ToolOptions{
		"brute": {
			Template:     `printf '{"results":[{"url":"{url}/admin","status":200,"length":10,"words":2,"lines":1}]}' > {output}`,
			WordlistName: "common",
			MaxWorkers:   2,
		},
	})
	env, store := testEnv(t, cfg, types.TargetTypeDomain)
	env.WordlistDir = wordlistDir

	_, err := store.UpsertWebSites([]*types.WebSite{
		{TargetID: "t1", URL: "https://a.example.com"},
		{TargetID: "t1", URL: "https://b.example.com"},
	}, false)
	require.NoError(t, err)

	stats, err := DirectoryScan(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ProcessedSites)
	assert.Equal(t, 0, stats.FailedSites)
	assert.Equal(t, 2, stats.Records)

	n, err := store.CountAssets(types.AssetDirectory, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
