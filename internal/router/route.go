package router

import (
	"net/url"
	"strings"

	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// Candidate is one transport eligible to serve one URL. URL is nil for
// operations that do not take one.
type Candidate struct {
	URL       *url.URL
	Transport transport.Transport
}

// URLString returns the candidate URL, or "" when it has none.
func (c Candidate) URLString() string {
	if c.URL == nil {
		return ""
	}
	return c.URL.String()
}

// RouteOptions narrows candidate selection.
type RouteOptions struct {
	NoCache bool
}

// Route returns the transports able to serve op for urls, URL-major and
// registry order within each URL. With no urls, operations that do not need
// one are offered to every eligible transport. Only connected transports are
// ever returned.
func (r *Router) Route(urls []string, op transport.Operation, opts RouteOptions) ([]Candidate, error) {
	support := transport.SupportOptions{NoCache: opts.NoCache}
	all := r.registry.All()

	nonBlank := urls[:0:0]
	for _, u := range urls {
		if strings.TrimSpace(u) != "" {
			nonBlank = append(nonBlank, u)
		}
	}

	if len(nonBlank) == 0 {
		if op.RequiresURL() {
			return nil, transport.Codingf("%s needs at least one url", op)
		}
		var out []Candidate
		for _, t := range all {
			if t.ValidFor(nil, op, support) {
				out = append(out, Candidate{Transport: t})
			}
		}
		return out, nil
	}

	var out []Candidate
	for _, raw := range nonBlank {
		u, err := r.parseURL(raw)
		if err != nil {
			return nil, err
		}
		for _, t := range all {
			if t.ValidFor(u, op, support) {
				out = append(out, Candidate{URL: u, Transport: t})
			}
		}
	}
	return out, nil
}

// parseURL parses through the shared cache and hands out a copy so callers
// cannot modify the cached value.
func (r *Router) parseURL(raw string) (*url.URL, error) {
	if cached, ok := r.urls.Get(raw); ok {
		cp := *cached
		return &cp, nil
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, transport.Codingf("bad url %q: %v", raw, err)
	}
	if u.Scheme == "" {
		return nil, transport.Codingf("url %q has no scheme", raw)
	}
	r.urls.Add(raw, u)
	cp := *u
	return &cp, nil
}
