package match

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bvandersloot-mozilla/top-level-storage-access/grant"
	"github.com/bvandersloot-mozilla/top-level-storage-access/site"
)

// ErrRemoteCheckFailed marks a remote allow-list probe that could not
// complete (network error, timeout, refused redirect). The probe fails
// closed: callers treat it as a policy rejection.
var ErrRemoteCheckFailed = errors.New("remote allow-list check failed")

const (
	defaultTimeout      = 5 * time.Second
	defaultMaxRedirects = 3
	maxDrainBytes       = 4096
)

// Config controls remote probe behavior.
type Config struct {
	Timeout      time.Duration
	CacheTTL     time.Duration
	MaxRedirects int
}

type cacheKey struct {
	idp     string
	rp      string
	version string
}

type cacheEntry struct {
	allowed bool
	expires time.Time
}

// RemoteChecker issues the HTTP acceptance probe for remote-query
// policies. Exactly HTTP 200 accepts; any other status, error, timeout,
// or cross-origin redirect rejects.
//
// Results are cached per (idp_origin, rp_site, policy_version) so the
// commit-time re-check of an unchanged policy is consistent with the
// dialog-open check, and a Permit overwrite (new version) invalidates
// every cached result for the old policy.
type RemoteChecker struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// NewRemoteChecker creates a RemoteChecker. client may be nil, in which
// case a default client is built. Either way the client's redirect policy
// is replaced with the same-origin containment policy: a supplied client
// contributes its transport, not its redirect behavior.
func NewRemoteChecker(cfg Config, client *http.Client) *RemoteChecker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if client == nil {
		client = &http.Client{}
	} else {
		clone := *client
		client = &clone
	}
	client.CheckRedirect = sameOriginRedirectPolicy(cfg.MaxRedirects)
	return &RemoteChecker{
		cfg:    cfg,
		client: client,
		cache:  make(map[cacheKey]cacheEntry),
	}
}

// Check probes policy.QueryURI with an Origin header naming rpSite's
// representative origin. The bool result is authoritative when err is nil;
// on err the probe failed and the result is always false.
func (c *RemoteChecker) Check(ctx context.Context, idp site.Origin, policy *grant.Policy, rpSite site.Site) (bool, error) {
	key := cacheKey{idp: idp.String(), rp: rpSite.String(), version: policy.Version}
	if allowed, ok := c.cached(key); ok {
		return allowed, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, policy.QueryURI, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRemoteCheckFailed, err)
	}
	req.Header.Set("Origin", rpSite.RepresentativeOrigin())
	req.Header.Set("Accept", "*/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRemoteCheckFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrainBytes)

	allowed := resp.StatusCode == http.StatusOK
	c.store(key, allowed)
	return allowed, nil
}

func (c *RemoteChecker) cached(key cacheKey) (bool, bool) {
	if c.cfg.CacheTTL <= 0 {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expires) {
		delete(c.cache, key)
		return false, false
	}
	return entry.allowed, true
}

func (c *RemoteChecker) store(key cacheKey, allowed bool) {
	if c.cfg.CacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{allowed: allowed, expires: time.Now().Add(c.cfg.CacheTTL)}
}

// sameOriginRedirectPolicy refuses redirects that leave the origin of the
// initial probe URI, so credentialed requests cannot be replayed against a
// third party, and bounds the redirect chain.
func sameOriginRedirectPolicy(maxRedirects int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: too many redirects", ErrRemoteCheckFailed)
		}
		if len(via) > 0 && !sameURLOrigin(req.URL, via[0].URL) {
			return fmt.Errorf("%w: cross-origin redirect refused", ErrRemoteCheckFailed)
		}
		return nil
	}
}

func sameURLOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}
