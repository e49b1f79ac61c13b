// Package naming turns logical names into concrete transport URLs before
// they reach the router.
package naming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
)

// Scheme is the URL scheme of logical names, as in name:/archive.org/details.
const Scheme = "name"

// maxDepth bounds chains of names that resolve to other names.
const maxDepth = 8

// Resolver expands URLs into zero or more concrete URLs. Resolution is best
// effort: a name that cannot be resolved is passed through unchanged.
type Resolver interface {
	Resolve(ctx context.Context, urls []string) []string
}

// Rewriter maps URLs onto a mirror.
type Rewriter interface {
	Rewrite(urls []string) []string
}

// Table resolves name: URLs from an in-memory table.
type Table struct {
	mu      sync.RWMutex
	entries map[string][]string
}

// NewTable creates a table from a map of name to URLs.
func NewTable(entries map[string][]string) *Table {
	t := &Table{entries: make(map[string][]string, len(entries))}
	for k, v := range entries {
		t.entries[normalize(k)] = append([]string(nil), v...)
	}
	return t
}

// LoadTable reads a JSON object of name to URL list.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read names file: %w", err)
	}
	var entries map[string][]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse names file %s: %w", path, err)
	}
	return NewTable(entries), nil
}

// Set adds or replaces one name.
func (t *Table) Set(name string, urls []string) {
	t.mu.Lock()
	t.entries[normalize(name)] = append([]string(nil), urls...)
	t.mu.Unlock()
}

// Len returns the number of names in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Resolve expands every name: URL. Non-name URLs, unknown names and names
// that fail to resolve are kept as given so the other inputs still route.
func (t *Table) Resolve(ctx context.Context, urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		resolved, err := t.resolveOne(u, 0)
		if err != nil {
			logging.WithContext(ctx).Warn("name resolution failed",
				zap.String("url", u),
				zap.Error(err),
			)
			out = append(out, u)
			continue
		}
		out = append(out, resolved...)
	}
	return out
}

func (t *Table) resolveOne(raw string, depth int) ([]string, error) {
	name, ok := nameOf(raw)
	if !ok {
		return []string{raw}, nil
	}
	if depth >= maxDepth {
		return nil, fmt.Errorf("name %q nests deeper than %d", name, maxDepth)
	}

	t.mu.RLock()
	targets, found := t.entries[name]
	t.mu.RUnlock()
	if !found {
		return []string{raw}, nil
	}

	var out []string
	for _, target := range targets {
		r, err := t.resolveOne(target, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, r...)
	}
	return out, nil
}

// nameOf returns the id of a name: URL.
func nameOf(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != Scheme {
		return "", false
	}
	id := u.Opaque
	if id == "" {
		id = u.Host + u.Path
	}
	return normalize(id), true
}

func normalize(id string) string {
	return strings.Trim(id, "/")
}

// Mirror rewrites URLs to a single HTTP mirror.
type Mirror struct {
	base string
}

// NewMirror creates a rewriter for the mirror at base, e.g.
// https://dweb.archive.org.
func NewMirror(base string) *Mirror {
	return &Mirror{base: strings.TrimRight(base, "/")}
}

// Rewrite maps contenthash: and name: URLs onto the mirror and keeps http(s)
// URLs. URLs the mirror cannot serve are dropped.
func (m *Mirror) Rewrite(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		switch u.Scheme {
		case "http", "https":
			out = append(out, raw)
		case "contenthash", Scheme:
			p := u.Opaque
			if p == "" {
				p = u.Host + u.Path
			}
			p = strings.Trim(p, "/")
			if u.Scheme == Scheme {
				p = "name/" + p
			}
			out = append(out, m.base+"/"+p)
		}
	}
	return out
}
