// Package match decides whether an RP site is acceptable to an IDP's
// stored allowance policy. Local variants (allow-all, site list) are pure;
// the remote-query variant delegates to an HTTP allow-list probe that
// fails closed.
package match

import (
	"context"

	"github.com/bvandersloot-mozilla/top-level-storage-access/grant"
	"github.com/bvandersloot-mozilla/top-level-storage-access/site"
)

// Matcher evaluates allowance policies against requesting sites.
type Matcher struct {
	remote *RemoteChecker
}

// New creates a Matcher. remote handles PolicyRemoteQuery evaluations and
// must be non-nil if such policies can occur.
func New(remote *RemoteChecker) *Matcher {
	return &Matcher{remote: remote}
}

// Evaluate reports whether policy accepts rpSite. Remote probe failures
// are returned as an error alongside false; callers treat them as a
// rejection rather than surfacing them.
func (m *Matcher) Evaluate(ctx context.Context, policy *grant.Policy, idp site.Origin, rpSite site.Site) (bool, error) {
	if policy == nil {
		return false, nil
	}

	switch policy.Kind {
	case grant.PolicyAllowAll, grant.PolicySiteList:
		return policy.Accepts(rpSite), nil
	case grant.PolicyRemoteQuery:
		if m.remote == nil {
			return false, ErrRemoteCheckFailed
		}
		return m.remote.Check(ctx, idp, policy, rpSite)
	default:
		return false, nil
	}
}
