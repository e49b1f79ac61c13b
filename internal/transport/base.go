package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"sync"
)

// Base carries the identity, capability sets and status of a transport.
// Adapters embed *Base and override the operations they implement; every
// other operation returns a CapabilityError.
type Base struct {
	name       string
	schemes    map[string]struct{}
	operations map[Operation]struct{}
	features   map[Feature]struct{}

	mu     sync.RWMutex
	status Status
	notify Notifier
}

// NewBase creates a Base in StatusLoaded.
func NewBase(name string, schemes []string, ops []Operation, features []Feature) *Base {
	b := &Base{
		name:       name,
		schemes:    make(map[string]struct{}, len(schemes)),
		operations: make(map[Operation]struct{}, len(ops)),
		features:   make(map[Feature]struct{}, len(features)),
		status:     StatusLoaded,
	}
	for _, s := range schemes {
		b.schemes[s] = struct{}{}
	}
	for _, op := range ops {
		b.operations[op] = struct{}{}
	}
	for _, f := range features {
		b.features[f] = struct{}{}
	}
	return b
}

// Name returns the transport name.
func (b *Base) Name() string { return b.name }

// Status returns the current status.
func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// SetNotifier installs the callback SetStatus reports transitions to.
func (b *Base) SetNotifier(n Notifier) {
	b.mu.Lock()
	b.notify = n
	b.mu.Unlock()
}

// SetStatus changes the status. The notifier is called when the value
// actually changed or force is set, after the lock is released.
func (b *Base) SetStatus(status Status, force bool) {
	b.mu.Lock()
	changed := b.status != status
	b.status = status
	notify := b.notify
	b.mu.Unlock()

	if (changed || force) && notify != nil {
		notify(b.name, status)
	}
}

// Schemes returns the supported URL schemes, sorted.
func (b *Base) Schemes() []string {
	out := make([]string, 0, len(b.schemes))
	for s := range b.schemes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Operations returns the supported operations, sorted.
func (b *Base) Operations() []Operation {
	out := make([]Operation, 0, len(b.operations))
	for op := range b.operations {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Features returns the supported features, sorted.
func (b *Base) Features() []Feature {
	out := make([]Feature, 0, len(b.features))
	for f := range b.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Supports checks the capability sets. A nil URL or empty op skips that
// check. A URL without a scheme is a coding error.
func (b *Base) Supports(u *url.URL, op Operation, opts SupportOptions) (bool, error) {
	if u != nil {
		if u.Scheme == "" {
			return false, Codingf("url %q has no scheme", u.String())
		}
		if _, ok := b.schemes[u.Scheme]; !ok {
			return false, nil
		}
	}
	if op != "" {
		if _, ok := b.operations[op]; !ok {
			return false, nil
		}
	}
	if opts.NoCache {
		if _, ok := b.features[FeatureNoCache]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// ValidFor reports whether the transport is connected and supports the call.
func (b *Base) ValidFor(u *url.URL, op Operation, opts SupportOptions) bool {
	if b.Status() != StatusConnected {
		return false
	}
	ok, err := b.Supports(u, op, opts)
	return err == nil && ok
}

// Connect is a no-op first phase for transports with nothing to dial.
func (b *Base) Connect(context.Context) error { return nil }

func (b *Base) unimplemented(op Operation) error {
	return &CapabilityError{Transport: b.name, Operation: op}
}

func (b *Base) Fetch(context.Context, *url.URL, FetchOptions) ([]byte, error) {
	return nil, b.unimplemented(OpFetch)
}

func (b *Base) Store(context.Context, []byte) (string, error) {
	return "", b.unimplemented(OpStore)
}

func (b *Base) Add(context.Context, *url.URL, Signature) error {
	return b.unimplemented(OpAdd)
}

func (b *Base) List(context.Context, *url.URL) ([]Signature, error) {
	return nil, b.unimplemented(OpList)
}

func (b *Base) Reverse(context.Context, *url.URL) ([]Signature, error) {
	return nil, b.unimplemented(OpReverse)
}

func (b *Base) ListMonitor(context.Context, *url.URL, func(Signature)) error {
	return b.unimplemented(OpListMonitor)
}

func (b *Base) NewListURLs(context.Context, string) (URLPair, error) {
	return URLPair{}, b.unimplemented(OpNewListURLs)
}

func (b *Base) Get(context.Context, *url.URL, []string) (map[string]json.RawMessage, error) {
	return nil, b.unimplemented(OpGet)
}

func (b *Base) Set(context.Context, *url.URL, map[string]json.RawMessage) error {
	return b.unimplemented(OpSet)
}

func (b *Base) Delete(context.Context, *url.URL, []string) error {
	return b.unimplemented(OpDelete)
}

func (b *Base) Keys(context.Context, *url.URL) ([]string, error) {
	return nil, b.unimplemented(OpKeys)
}

func (b *Base) GetAll(context.Context, *url.URL) (map[string]json.RawMessage, error) {
	return nil, b.unimplemented(OpGetAll)
}

func (b *Base) NewDatabase(context.Context, string) (URLPair, error) {
	return URLPair{}, b.unimplemented(OpNewDatabase)
}

func (b *Base) NewTable(context.Context, string, string) (URLPair, error) {
	return URLPair{}, b.unimplemented(OpNewTable)
}

func (b *Base) Connection(context.Context, *url.URL) (any, error) {
	return nil, b.unimplemented(OpConnection)
}

func (b *Base) Monitor(context.Context, *url.URL, func(KeyChange)) error {
	return b.unimplemented(OpMonitor)
}

func (b *Base) CreateReadStream(context.Context, *url.URL) (StreamFactory, error) {
	return nil, b.unimplemented(OpCreateReadStream)
}

func (b *Base) Seed(context.Context, SeedRequest) error {
	return b.unimplemented(OpSeed)
}
