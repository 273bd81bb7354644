package provider

import (
	"encoding/json"
	"fmt"

	"github.com/perchsec/osprey/pkg/blacklist"
	"github.com/perchsec/osprey/pkg/log"
	"github.com/perchsec/osprey/pkg/storage"
	"github.com/perchsec/osprey/pkg/types"
)

// Kind selects which values a storage provider yields
type Kind string

const (
	// KindSubdomain yields subdomain names
	KindSubdomain Kind = "subdomain"

	// KindSubdomainURL yields probe URLs under both schemes for each
	// subdomain name
	KindSubdomainURL Kind = "subdomain_url"

	// KindHostPortURL yields probe URLs derived from open ports
	KindHostPortURL Kind = "host_port_url"

	// KindWebSiteURL yields live website URLs
	KindWebSiteURL Kind = "website_url"

	// KindEndpointURL yields endpoint URLs
	KindEndpointURL Kind = "endpoint_url"
)

func (k Kind) assetKind() types.AssetKind {
	switch k {
	case KindSubdomain, KindSubdomainURL:
		return types.AssetSubdomain
	case KindHostPortURL:
		return types.AssetHostPort
	case KindWebSiteURL:
		return types.AssetWebSite
	default:
		return types.AssetEndpoint
	}
}

// storageProvider streams values from an asset or snapshot cursor. In
// FULL mode values pass the target's blacklist, loaded lazily on the
// first Next and cached for the provider's lifetime; the snapshot-backed
// QUICK mode applies no blacklist.
type storageProvider struct {
	store    storage.Store
	targetID string
	kind     Kind

	cursor   *storage.Cursor
	queue    []string
	filter   *blacklist.Filter
	noFilter bool
	closed   bool
	raw      int
}

// New creates the stage input provider for a scan. FULL mode reads the
// target's inventory; QUICK mode reads the scan's own snapshots.
func New(store storage.Store, scan *types.Scan, kind Kind) (Provider, error) {
	var (
		cursor *storage.Cursor
		err    error
	)
	if scan.Mode == types.ScanModeQuick {
		cursor, err = store.IterSnapshots(kind.assetKind(), scan.ID)
	} else {
		cursor, err = store.IterAssets(kind.assetKind(), scan.TargetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s cursor: %w", kind, err)
	}
	return &storageProvider{
		store:    store,
		targetID: scan.TargetID,
		kind:     kind,
		cursor:   cursor,
		noFilter: scan.Mode == types.ScanModeQuick,
	}, nil
}

func (p *storageProvider) Next() (string, bool) {
	if p.closed {
		return "", false
	}
	if !p.noFilter && p.filter == nil && !p.loadFilter() {
		return "", false
	}

	for {
		if len(p.queue) > 0 {
			v := p.queue[0]
			p.queue = p.queue[1:]
			p.raw++
			if p.noFilter || p.filter.IsAllowed(v) {
				return v, true
			}
			continue
		}

		data, ok := p.cursor.Next()
		if !ok {
			return "", false
		}
		values, err := p.decode(data)
		if err != nil {
			log.Logger.Warn().Err(err).Str("kind", string(p.kind)).Msg("Skipping undecodable row")
			continue
		}
		p.queue = values
	}
}

func (p *storageProvider) loadFilter() bool {
	rules, err := p.store.ListBlacklistRules(p.targetID)
	if err != nil {
		log.Logger.Error().Err(err).Msg("Failed to load blacklist, refusing to yield inputs")
		return false
	}
	filter, err := blacklist.NewFilter(rules)
	if err != nil {
		log.Logger.Error().Err(err).Msg("Failed to compile blacklist, refusing to yield inputs")
		return false
	}
	p.filter = filter
	return true
}

// decode extracts the provider's values from one stored row. Host/port
// rows can expand to two URLs, everything else yields exactly one value.
func (p *storageProvider) decode(data []byte) ([]string, error) {
	switch p.kind {
	case KindSubdomain:
		var row struct{ Name string }
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, err
		}
		return []string{row.Name}, nil
	case KindSubdomainURL:
		var row struct{ Name string }
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, err
		}
		return []string{"http://" + row.Name, "https://" + row.Name}, nil
	case KindHostPortURL:
		var row struct {
			Host string
			Port int
		}
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, err
		}
		return URLsForHostPort(row.Host, row.Port), nil
	default:
		var row struct{ URL string }
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, err
		}
		return []string{row.URL}, nil
	}
}

// Raw returns how many values were seen before blacklist filtering
func (p *storageProvider) Raw() int { return p.raw }

func (p *storageProvider) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.cursor.Close()
}
