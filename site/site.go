package site

import (
	"errors"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrInvalidOrigin is returned when an origin string cannot be parsed into
// a scheme/host pair usable for site matching.
var ErrInvalidOrigin = errors.New("invalid origin")

// Origin is the parsed serialization of a web origin: scheme, lowercase
// host, and optional explicit port.
type Origin struct {
	Scheme string
	Host   string
	Port   string
}

// ParseOrigin parses a serialized origin ("https://idp.example:8443").
// A bare host is treated as https. Anything carrying a path, query,
// fragment, or credentials is rejected.
func ParseOrigin(raw string) (Origin, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Origin{}, ErrInvalidOrigin
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Origin{}, ErrInvalidOrigin
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Origin{}, ErrInvalidOrigin
	}
	if u.Hostname() == "" || u.User != nil {
		return Origin{}, ErrInvalidOrigin
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return Origin{}, ErrInvalidOrigin
	}

	return Origin{
		Scheme: u.Scheme,
		Host:   strings.ToLower(u.Hostname()),
		Port:   u.Port(),
	}, nil
}

func (o Origin) String() string {
	if o.Port == "" {
		return o.Scheme + "://" + o.Host
	}
	return o.Scheme + "://" + o.Host + ":" + o.Port
}

func (o Origin) IsZero() bool {
	return o.Host == ""
}

// Site returns the registrable-domain equivalence class of the origin.
// The port is dropped; the scheme is kept (schemeful sites).
func (o Origin) Site() Site {
	return Site{Scheme: o.Scheme, Domain: registrableDomain(o.Host)}
}

// Site is the registrable-domain-derived equivalence class of an origin.
// Two origins are same-site when their schemes match and their hosts share
// a registrable domain; subdomains collapse onto the same Site.
type Site struct {
	Scheme string
	Domain string
}

// Parse parses an origin or bare-host string and collapses it to its Site.
func Parse(raw string) (Site, error) {
	o, err := ParseOrigin(raw)
	if err != nil {
		return Site{}, err
	}
	return o.Site(), nil
}

func (s Site) String() string {
	return s.Scheme + "://" + s.Domain
}

func (s Site) IsZero() bool {
	return s.Domain == ""
}

// RepresentativeOrigin returns an origin serialization standing in for the
// whole site, used as the Origin header of remote allow-list probes.
func (s Site) RepresentativeOrigin() string {
	return s.String()
}

// SameSite reports Site-granular equality.
func SameSite(a, b Site) bool {
	return a == b
}

// registrableDomain maps a host to its eTLD+1. IP literals and hosts the
// public suffix list cannot reduce (single labels, unknown suffixes with
// no extra label) collapse to themselves.
func registrableDomain(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld1
}
