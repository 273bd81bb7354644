package provider

import (
	"github.com/perchsec/osprey/pkg/blacklist"
	"github.com/perchsec/osprey/pkg/storage"
	"github.com/perchsec/osprey/pkg/types"
)

// NewDefaultURLs yields probe URLs derived from the target itself, used
// as the last source of a fall-back chain when no assets were gathered
// yet. Domain and IP targets expand to both schemes; CIDR targets expand
// to both schemes per host address, the address itself for single-address
// networks. FULL-mode scans pass the URLs through the target's blacklist;
// QUICK mode applies no filter, like the snapshot provider.
func NewDefaultURLs(store storage.Store, scan *types.Scan, target *types.Target) (Provider, error) {
	var hosts []string
	switch target.Type {
	case types.TargetTypeCIDR:
		expanded, err := ExpandCIDR(target.Name)
		if err != nil {
			return nil, err
		}
		hosts = expanded
	default:
		hosts = []string{target.Name}
	}

	urls := make([]string, 0, 2*len(hosts))
	for _, host := range hosts {
		urls = append(urls, "http://"+host, "https://"+host)
	}

	if scan.Mode != types.ScanModeQuick {
		rules, err := store.ListBlacklistRules(target.ID)
		if err != nil {
			return nil, err
		}
		filter, err := blacklist.NewFilter(rules)
		if err != nil {
			return nil, err
		}
		kept := urls[:0]
		for _, u := range urls {
			if filter.IsAllowed(u) {
				kept = append(kept, u)
			}
		}
		urls = kept
	}
	return NewSlice(urls...), nil
}
