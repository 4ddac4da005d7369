package grant

import (
	"github.com/bvandersloot-mozilla/top-level-storage-access/site"
)

// PolicyKind selects the populated variant of a Policy. Exactly one variant
// is ever populated; records with any other kind value are rejected by the
// codec.
type PolicyKind uint8

const (
	// PolicyAllowAll accepts every requesting site.
	PolicyAllowAll PolicyKind = iota + 1
	// PolicySiteList accepts exactly the listed sites, at Site granularity.
	PolicySiteList
	// PolicyRemoteQuery delegates acceptance to an HTTP allow-list endpoint.
	PolicyRemoteQuery
)

// Policy is the durable allowance policy owned by an IDP origin. Each
// successful Permit call overwrites the previous record wholesale and
// assigns a fresh Version; there is no merging across calls.
type Policy struct {
	Kind      PolicyKind
	Sites     []site.Site // PolicySiteList only
	QueryURI  string      // PolicyRemoteQuery only
	Version   string
	UpdatedAt int64
}

// Accepts reports whether the policy's own data accepts rpSite. Remote
// query policies cannot be decided locally and always report false here;
// callers route those through the remote checker.
func (p *Policy) Accepts(rpSite site.Site) bool {
	if p == nil {
		return false
	}
	switch p.Kind {
	case PolicyAllowAll:
		return true
	case PolicySiteList:
		for _, s := range p.Sites {
			if site.SameSite(s, rpSite) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Grant is the durable permission record shared by both origins. At most
// one Grant exists per (rp_site, idp_origin) pair; it survives restarts and
// is destroyed only by revocation or a site-data clear of either owner.
type Grant struct {
	RPSite        site.Site
	IDPOrigin     site.Origin
	GrantedAt     int64
	ConsentOrigin string
}

// Pair identifies a (rp_site, idp_origin) grant key.
type Pair struct {
	RPSite    site.Site
	IDPOrigin site.Origin
}
