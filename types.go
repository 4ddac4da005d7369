package storageaccess

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bvandersloot-mozilla/top-level-storage-access/grant"
	"github.com/bvandersloot-mozilla/top-level-storage-access/site"
)

// Document identifies a calling top-level document: its serialized origin
// and a browsing-context identifier used for audit correlation.
type Document struct {
	Origin string
	ID     string
}

// Policy is the argument of [Engine.PermitAccessFrom]. Exactly one variant
// is populated; construct values through [AllowAll], [SiteList], or
// [RemoteQuery]. The zero Policy is invalid.
type Policy struct {
	kind     grant.PolicyKind
	sites    []string
	queryURI string
}

// AllowAll builds a policy accepting every requesting site.
func AllowAll() Policy {
	return Policy{kind: grant.PolicyAllowAll}
}

// SiteList builds a policy accepting exactly the listed sites. Entries may
// be serialized origins or bare hosts; each collapses to its Site.
func SiteList(sites ...string) Policy {
	return Policy{kind: grant.PolicySiteList, sites: sites}
}

// RemoteQuery builds a policy that delegates acceptance to an HTTP
// allow-list endpoint at uri.
func RemoteQuery(uri string) Policy {
	return Policy{kind: grant.PolicyRemoteQuery, queryURI: uri}
}

// compile validates the policy at the API boundary and produces the
// storage record (without version/stamp, which the store assigns).
func (p Policy) compile() (grant.Policy, error) {
	switch p.kind {
	case grant.PolicyAllowAll:
		return grant.Policy{Kind: grant.PolicyAllowAll}, nil
	case grant.PolicySiteList:
		if len(p.sites) == 0 {
			return grant.Policy{}, fmt.Errorf("%w: empty site list", ErrInvalidArgument)
		}
		seen := make(map[site.Site]struct{}, len(p.sites))
		parsed := make([]site.Site, 0, len(p.sites))
		for _, raw := range p.sites {
			s, err := site.Parse(raw)
			if err != nil {
				return grant.Policy{}, fmt.Errorf("%w: site %q", ErrInvalidArgument, raw)
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			parsed = append(parsed, s)
		}
		return grant.Policy{Kind: grant.PolicySiteList, Sites: parsed}, nil
	case grant.PolicyRemoteQuery:
		u, err := url.Parse(p.queryURI)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return grant.Policy{}, fmt.Errorf("%w: query uri %q", ErrInvalidArgument, p.queryURI)
		}
		return grant.Policy{Kind: grant.PolicyRemoteQuery, QueryURI: u.String()}, nil
	default:
		return grant.Policy{}, fmt.Errorf("%w: no policy variant populated", ErrInvalidArgument)
	}
}

// UserActivation is the transient user-interaction oracle consulted before
// any consent dialog may open.
type UserActivation interface {
	IsActive(ctx context.Context, doc Document) bool
}

// DialogDecision is the outcome of a consent dialog.
type DialogDecision uint8

const (
	// DialogAccepted means the user approved the access request.
	DialogAccepted DialogDecision = iota + 1
	// DialogDeclined means the user rejected the access request.
	DialogDeclined
)

// ConsentDialog renders the consent prompt naming both parties. Show
// suspends until the user resolves the dialog or ctx is cancelled; dialog
// rendering itself is outside this engine.
type ConsentDialog interface {
	Show(ctx context.Context, rpSite, idpOrigin string) (DialogDecision, error)
}

// AccessStatus is returned by [Engine.Query].
type AccessStatus struct {
	Granted       bool
	GrantedAt     time.Time
	ConsentOrigin string
}

// AccessChange is delivered to subscribers once per grant creation or
// deletion affecting their pair.
type AccessChange struct {
	RPSite    string
	IDPOrigin string
	Granted   bool
	At        time.Time
}
