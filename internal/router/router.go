// Package router matches URLs and operations to eligible transports and
// drives them: failover for reads, fan-out for writes, deduplicated list
// aggregation, stream source selection, and the connection lifecycle.
package router

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/internetarchive/dweb-transports-sub000/internal/events"
	"github.com/internetarchive/dweb-transports-sub000/internal/metrics"
	"github.com/internetarchive/dweb-transports-sub000/internal/naming"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

const (
	defaultRelayTimeout = time.Minute
	defaultURLCacheSize = 1024
)

// Options configures a Router.
type Options struct {
	// FetchTimeout bounds each failover attempt when the call sets none.
	FetchTimeout time.Duration
	// RelayTimeout bounds a whole background relay repair.
	RelayTimeout time.Duration
	// URLCacheSize is the number of parsed URLs kept.
	URLCacheSize int
	// Events receives status changes. One is created when nil.
	Events *events.Broadcaster
}

// Router owns the registry and exposes the operation surface.
type Router struct {
	registry     *Registry
	events       *events.Broadcaster
	urls         *lru.Cache[string, *url.URL]
	fetchTimeout time.Duration
	relayTimeout time.Duration
	shuffle      func(n int, swap func(i, j int))

	// relays tracks running relay repairs so Stop can let them finish.
	relays sync.WaitGroup
	// toggleMu serializes TogglePause.
	toggleMu sync.Mutex

	// relayDone is called when a relay repair goroutine exits.
	relayDone func()
}

// New creates a Router with an empty registry.
func New(opts Options) *Router {
	size := opts.URLCacheSize
	if size <= 0 {
		size = defaultURLCacheSize
	}
	cache, _ := lru.New[string, *url.URL](size)

	b := opts.Events
	if b == nil {
		b = events.NewBroadcaster()
	}
	b.OnStatusChanged(func(e events.Event) {
		metrics.SetTransportStatus(e.Transport, int(e.Status))
	})

	relayTimeout := opts.RelayTimeout
	if relayTimeout <= 0 {
		relayTimeout = defaultRelayTimeout
	}

	return &Router{
		registry:     NewRegistry(),
		events:       b,
		urls:         cache,
		fetchTimeout: opts.FetchTimeout,
		relayTimeout: relayTimeout,
		shuffle:      rand.Shuffle,
	}
}

// Registry returns the router's registry.
func (r *Router) Registry() *Registry { return r.registry }

// Events returns the broadcaster status changes are published on.
func (r *Router) Events() *events.Broadcaster { return r.events }

// Register registers a transport and wires its status notifications.
func (r *Router) Register(t transport.Transport) {
	t.SetNotifier(r.events.Notify)
	r.registry.Add(t)
	metrics.SetTransportStatus(t.Name(), int(t.Status()))
}

// SetPaused sets the names skipped by Connect.
func (r *Router) SetPaused(names []string) { r.registry.SetPaused(names) }

// SetNaming installs the name resolver.
func (r *Router) SetNaming(res naming.Resolver) { r.registry.SetNaming(res) }

// SetMirror switches to mirror mode.
func (r *Router) SetMirror(m naming.Rewriter) { r.registry.SetMirror(m) }

// resolve applies mirror rewriting, or else name resolution, to caller URLs.
func (r *Router) resolve(ctx context.Context, urls []string) []string {
	res, mirror := r.registry.collaborators()
	switch {
	case mirror != nil:
		return mirror.Rewrite(urls)
	case res != nil && len(urls) > 0:
		return res.Resolve(ctx, urls)
	default:
		return urls
	}
}

func (r *Router) candidates(ctx context.Context, urls []string, op transport.Operation, opts RouteOptions) ([]Candidate, error) {
	return r.Route(r.resolve(ctx, urls), op, opts)
}

func observe(op transport.Operation, strategy string, start time.Time) {
	metrics.RecordDispatch(string(op), strategy, time.Since(start))
}

// StatusInfo is one entry of Statuses.
type StatusInfo struct {
	Name   string           `json:"name"`
	Status transport.Status `json:"status"`
}

// Statuses lists every registered transport in priority order.
func (r *Router) Statuses() []StatusInfo {
	all := r.registry.All()
	out := make([]StatusInfo, 0, len(all))
	for _, t := range all {
		out = append(out, StatusInfo{Name: t.Name(), Status: t.Status()})
	}
	return out
}

// Fetch returns the content of the first candidate that serves any of urls.
// With opts.Relay, transports that failed before the winner are sent the
// content in the background.
func (r *Router) Fetch(ctx context.Context, urls []string, opts transport.FetchOptions) ([]byte, error) {
	defer observe(transport.OpFetch, strategyFailover, time.Now())

	cands, err := r.candidates(ctx, urls, transport.OpFetch, RouteOptions{NoCache: opts.NoCache})
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.fetchTimeout
	}
	res, err := failover(ctx, transport.OpFetch, cands, timeout, func(ctx context.Context, c Candidate) ([]byte, error) {
		return c.Transport.Fetch(ctx, c.URL, opts)
	})
	if err != nil {
		return nil, err
	}
	if opts.Relay && len(res.failed) > 0 {
		r.relay(res.value, res.failed)
	}
	return res.value, nil
}

// Store writes data to every transport that can store and returns the URLs
// of the copies that succeeded, in registry order.
func (r *Router) Store(ctx context.Context, data []byte) ([]string, error) {
	defer observe(transport.OpStore, strategyFanout, time.Now())

	cands, err := r.Route(nil, transport.OpStore, RouteOptions{})
	if err != nil {
		return nil, err
	}
	results, err := fanout(ctx, transport.OpStore, cands, func(ctx context.Context, c Candidate) (string, error) {
		return c.Transport.Store(ctx, data)
	})
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, o := range results {
		if o.err == nil && o.value != "" {
			urls = append(urls, o.value)
		}
	}
	return urls, nil
}

// List returns the entries of the lists at urls, merged from every transport
// and deduplicated by signature.
func (r *Router) List(ctx context.Context, urls []string) ([]transport.Signature, error) {
	return r.listLike(ctx, transport.OpList, urls, func(ctx context.Context, c Candidate) ([]transport.Signature, error) {
		return c.Transport.List(ctx, c.URL)
	})
}

// Reverse returns the lists that contain the given urls, merged and
// deduplicated like List.
func (r *Router) Reverse(ctx context.Context, urls []string) ([]transport.Signature, error) {
	return r.listLike(ctx, transport.OpReverse, urls, func(ctx context.Context, c Candidate) ([]transport.Signature, error) {
		return c.Transport.Reverse(ctx, c.URL)
	})
}

func (r *Router) listLike(ctx context.Context, op transport.Operation, urls []string, call attempt[[]transport.Signature]) ([]transport.Signature, error) {
	defer observe(op, strategyList, time.Now())

	cands, err := r.candidates(ctx, urls, op, RouteOptions{})
	if err != nil {
		return nil, err
	}
	results, err := fanout(ctx, op, cands, call)
	if err != nil {
		return nil, err
	}
	lists := make([][]transport.Signature, 0, len(results))
	for _, o := range results {
		if o.err == nil {
			lists = append(lists, o.value)
		}
	}
	return dedupSignatures(lists...), nil
}

// Add appends sig to the lists at urls on every capable transport.
func (r *Router) Add(ctx context.Context, urls []string, sig transport.Signature) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	return r.fanoutErr(ctx, transport.OpAdd, urls, func(ctx context.Context, c Candidate) (struct{}, error) {
		return struct{}{}, c.Transport.Add(ctx, c.URL, sig)
	})
}

// Get reads keys from the first table that answers.
func (r *Router) Get(ctx context.Context, urls []string, keys []string) (map[string]json.RawMessage, error) {
	return failoverValue(ctx, r, transport.OpGet, urls, func(ctx context.Context, c Candidate) (map[string]json.RawMessage, error) {
		return c.Transport.Get(ctx, c.URL, keys)
	})
}

// Set writes values to every table at urls.
func (r *Router) Set(ctx context.Context, urls []string, values map[string]json.RawMessage) error {
	if len(values) == 0 {
		return transport.Codingf("set needs at least one value")
	}
	return r.fanoutErr(ctx, transport.OpSet, urls, func(ctx context.Context, c Candidate) (struct{}, error) {
		return struct{}{}, c.Transport.Set(ctx, c.URL, values)
	})
}

// Delete removes keys from every table at urls.
func (r *Router) Delete(ctx context.Context, urls []string, keys []string) error {
	if len(keys) == 0 {
		return transport.Codingf("delete needs at least one key")
	}
	return r.fanoutErr(ctx, transport.OpDelete, urls, func(ctx context.Context, c Candidate) (struct{}, error) {
		return struct{}{}, c.Transport.Delete(ctx, c.URL, keys)
	})
}

// Keys lists the keys of the first table that answers.
func (r *Router) Keys(ctx context.Context, urls []string) ([]string, error) {
	return failoverValue(ctx, r, transport.OpKeys, urls, func(ctx context.Context, c Candidate) ([]string, error) {
		return c.Transport.Keys(ctx, c.URL)
	})
}

// GetAll reads every key of the first table that answers.
func (r *Router) GetAll(ctx context.Context, urls []string) (map[string]json.RawMessage, error) {
	return failoverValue(ctx, r, transport.OpGetAll, urls, func(ctx context.Context, c Candidate) (map[string]json.RawMessage, error) {
		return c.Transport.GetAll(ctx, c.URL)
	})
}

// Connection returns the transport-specific handle of the first transport
// that can open urls.
func (r *Router) Connection(ctx context.Context, urls []string) (any, error) {
	return failoverValue(ctx, r, transport.OpConnection, urls, func(ctx context.Context, c Candidate) (any, error) {
		return c.Transport.Connection(ctx, c.URL)
	})
}

// Monitor subscribes cb to key changes of the tables at urls on every
// transport that supports it. cb may be called from several goroutines.
func (r *Router) Monitor(ctx context.Context, urls []string, cb func(transport.KeyChange)) error {
	return r.fanoutErr(ctx, transport.OpMonitor, urls, func(ctx context.Context, c Candidate) (struct{}, error) {
		return struct{}{}, c.Transport.Monitor(ctx, c.URL, cb)
	})
}

// ListMonitor subscribes cb to additions to the lists at urls.
func (r *Router) ListMonitor(ctx context.Context, urls []string, cb func(transport.Signature)) error {
	return r.fanoutErr(ctx, transport.OpListMonitor, urls, func(ctx context.Context, c Candidate) (struct{}, error) {
		return struct{}{}, c.Transport.ListMonitor(ctx, c.URL, cb)
	})
}

// Seed asks every transport that seeds to keep a copy of req.
func (r *Router) Seed(ctx context.Context, req transport.SeedRequest) error {
	if req.Path == "" && len(req.URLs) == 0 {
		return transport.Codingf("seed needs a path or urls")
	}
	return r.fanoutErr(ctx, transport.OpSeed, nil, func(ctx context.Context, c Candidate) (struct{}, error) {
		return struct{}{}, c.Transport.Seed(ctx, req)
	})
}

// URLPairs holds the private and public URLs created on each transport.
// Index i of every slice refers to the same transport; a transport that
// failed has empty strings at its index.
type URLPairs struct {
	Transports []string `json:"transports"`
	Private    []string `json:"private"`
	Public     []string `json:"public"`
}

// NewListURLs creates a signed list on every capable transport.
func (r *Router) NewListURLs(ctx context.Context, owner string) (URLPairs, error) {
	return r.create(ctx, transport.OpNewListURLs, func(ctx context.Context, c Candidate) (transport.URLPair, error) {
		return c.Transport.NewListURLs(ctx, owner)
	})
}

// NewDatabase creates a key-value database on every capable transport.
func (r *Router) NewDatabase(ctx context.Context, owner string) (URLPairs, error) {
	return r.create(ctx, transport.OpNewDatabase, func(ctx context.Context, c Candidate) (transport.URLPair, error) {
		return c.Transport.NewDatabase(ctx, owner)
	})
}

// NewTable creates a table inside the owner's database on every capable
// transport.
func (r *Router) NewTable(ctx context.Context, owner, table string) (URLPairs, error) {
	if table == "" {
		return URLPairs{}, transport.Codingf("newtable needs a table name")
	}
	return r.create(ctx, transport.OpNewTable, func(ctx context.Context, c Candidate) (transport.URLPair, error) {
		return c.Transport.NewTable(ctx, owner, table)
	})
}

func (r *Router) create(ctx context.Context, op transport.Operation, call attempt[transport.URLPair]) (URLPairs, error) {
	defer observe(op, strategyFanout, time.Now())

	cands, err := r.Route(nil, op, RouteOptions{})
	if err != nil {
		return URLPairs{}, err
	}
	results, err := fanout(ctx, op, cands, call)
	if err != nil {
		return URLPairs{}, err
	}
	pairs := URLPairs{
		Transports: make([]string, len(results)),
		Private:    make([]string, len(results)),
		Public:     make([]string, len(results)),
	}
	for i, o := range results {
		pairs.Transports[i] = o.cand.Transport.Name()
		if o.err == nil {
			pairs.Private[i] = o.value.Private
			pairs.Public[i] = o.value.Public
		}
	}
	return pairs, nil
}

// StreamOptions selects and orders stream sources.
type StreamOptions struct {
	// Preferred transport names are tried first, in this order. Other
	// candidates follow in random order.
	Preferred []string
	NoCache   bool
}

// OpenReadableStream returns a stream factory from the first source that
// opens, trying preferred transports first.
func (r *Router) OpenReadableStream(ctx context.Context, urls []string, opts StreamOptions) (transport.StreamFactory, error) {
	defer observe(transport.OpCreateReadStream, strategyStream, time.Now())

	cands, err := r.candidates(ctx, urls, transport.OpCreateReadStream, RouteOptions{NoCache: opts.NoCache})
	if err != nil {
		return nil, err
	}
	cands = orderForStream(cands, opts.Preferred, r.shuffle)
	res, err := failover(ctx, transport.OpCreateReadStream, cands, r.fetchTimeout, func(ctx context.Context, c Candidate) (transport.StreamFactory, error) {
		return c.Transport.CreateReadStream(ctx, c.URL)
	})
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

func failoverValue[T any](ctx context.Context, r *Router, op transport.Operation, urls []string, call attempt[T]) (T, error) {
	defer observe(op, strategyFailover, time.Now())

	var zero T
	cands, err := r.candidates(ctx, urls, op, RouteOptions{})
	if err != nil {
		return zero, err
	}
	res, err := failover(ctx, op, cands, r.fetchTimeout, call)
	if err != nil {
		return zero, err
	}
	return res.value, nil
}

func (r *Router) fanoutErr(ctx context.Context, op transport.Operation, urls []string, call attempt[struct{}]) error {
	defer observe(op, strategyFanout, time.Now())

	cands, err := r.candidates(ctx, urls, op, RouteOptions{})
	if err != nil {
		return err
	}
	_, err = fanout(ctx, op, cands, call)
	return err
}
