// Package transport defines the Transport interface every backend adapter
// implements, together with the status, capability and error types the
// router relies on to pick and drive backends.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"time"
)

// Operation tags an operation a transport can serve.
type Operation string

const (
	OpFetch            Operation = "fetch"
	OpStore            Operation = "store"
	OpAdd              Operation = "add"
	OpList             Operation = "list"
	OpListMonitor      Operation = "listmonitor"
	OpReverse          Operation = "reverse"
	OpNewListURLs      Operation = "newlisturls"
	OpGet              Operation = "get"
	OpSet              Operation = "set"
	OpDelete           Operation = "delete"
	OpKeys             Operation = "keys"
	OpGetAll           Operation = "getall"
	OpNewDatabase      Operation = "newdatabase"
	OpNewTable         Operation = "newtable"
	OpConnection       Operation = "connection"
	OpMonitor          Operation = "monitor"
	OpCreateReadStream Operation = "createReadStream"
	OpSeed             Operation = "seed"
)

// RequiresURL reports whether the operation needs at least one URL to route.
// Store, seed and the create operations can run against every transport.
func (op Operation) RequiresURL() bool {
	switch op {
	case OpStore, OpSeed, OpNewDatabase, OpNewTable, OpNewListURLs:
		return false
	}
	return true
}

// Feature tags an optional capability.
type Feature string

const (
	FeatureByteRange Feature = "supports-byte-range"
	FeatureNoCache   Feature = "no-cache"
)

// SupportOptions narrows a capability check.
type SupportOptions struct {
	NoCache bool
}

// FetchOptions controls a fetch. Relay and Timeout are applied by the router;
// adapters only look at NoCache.
type FetchOptions struct {
	NoCache bool
	Relay   bool
	Timeout time.Duration
}

// Range selects part of a stream. Length 0 reads to the end.
type Range struct {
	Offset int64
	Length int64
}

// StreamFactory opens a reader over a selected range of a resource.
type StreamFactory func(ctx context.Context, r Range) (io.ReadCloser, error)

// Signature is an entry of a signed append-only list.
type Signature struct {
	Date      time.Time `json:"date"`
	URLs      []string  `json:"urls"`
	Signature string    `json:"signature"`
	SignedBy  []string  `json:"signedby"`
}

// Validate checks the fields add requires.
func (s Signature) Validate() error {
	if len(s.URLs) == 0 {
		return Codingf("signature has no urls")
	}
	if s.Signature == "" {
		return Codingf("signature is empty")
	}
	if len(s.SignedBy) == 0 {
		return Codingf("signature has no signedby")
	}
	return nil
}

// URLPair is the private (writable) and public (readable) URL of a new list,
// database or table.
type URLPair struct {
	Private string `json:"private"`
	Public  string `json:"public"`
}

// KeyChange is delivered to table monitors.
type KeyChange struct {
	Type  string          `json:"type"` // "set" or "delete"
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// SeedRequest asks transports to keep a copy of content. Path points at a
// local file; URLs are the addresses the content is already known by.
type SeedRequest struct {
	Path string   `json:"path,omitempty"`
	URLs []string `json:"urls,omitempty"`
}

// Notifier receives status transitions from SetStatus.
type Notifier func(name string, status Status)

// Transport is the contract between the router and a backend adapter.
// Adapters embed *Base, which supplies identity, status handling, capability
// checks, and a not-implemented answer for every operation the adapter
// does not override.
type Transport interface {
	Name() string
	Status() Status
	SetStatus(status Status, force bool)
	SetNotifier(n Notifier)
	Schemes() []string
	Operations() []Operation
	Features() []Feature

	// Supports answers from the static capability sets only; status is ignored.
	Supports(u *url.URL, op Operation, opts SupportOptions) (bool, error)
	// ValidFor is Supports plus Status() == StatusConnected.
	ValidFor(u *url.URL, op Operation, opts SupportOptions) bool

	// Connect is the first setup phase. Failures are reported, not panicked.
	Connect(ctx context.Context) error

	Fetch(ctx context.Context, u *url.URL, opts FetchOptions) ([]byte, error)
	Store(ctx context.Context, data []byte) (string, error)
	Add(ctx context.Context, u *url.URL, sig Signature) error
	List(ctx context.Context, u *url.URL) ([]Signature, error)
	Reverse(ctx context.Context, u *url.URL) ([]Signature, error)
	ListMonitor(ctx context.Context, u *url.URL, cb func(Signature)) error
	NewListURLs(ctx context.Context, owner string) (URLPair, error)
	Get(ctx context.Context, u *url.URL, keys []string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, u *url.URL, values map[string]json.RawMessage) error
	Delete(ctx context.Context, u *url.URL, keys []string) error
	Keys(ctx context.Context, u *url.URL) ([]string, error)
	GetAll(ctx context.Context, u *url.URL) (map[string]json.RawMessage, error)
	NewDatabase(ctx context.Context, owner string) (URLPair, error)
	NewTable(ctx context.Context, owner, table string) (URLPair, error)
	Connection(ctx context.Context, u *url.URL) (any, error)
	Monitor(ctx context.Context, u *url.URL, cb func(KeyChange)) error
	CreateReadStream(ctx context.Context, u *url.URL) (StreamFactory, error)
	Seed(ctx context.Context, req SeedRequest) error
}

// Connector2 is implemented by transports with a second setup phase. It runs
// only after every transport has finished Connect.
type Connector2 interface {
	Connect2(ctx context.Context) error
}

// Resumer is implemented by transports that must re-establish their
// connection when unpaused.
type Resumer interface {
	Resume(ctx context.Context) error
}

// Disconnecter is implemented by transports with teardown work on stop.
type Disconnecter interface {
	Disconnect(ctx context.Context) error
}
