package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// fake is a scriptable transport. Unset hooks fall back to the
// not-implemented answers of transport.Base.
type fake struct {
	*transport.Base

	mu    sync.Mutex
	calls map[string]int

	connect     func(ctx context.Context) error
	connect2    func(ctx context.Context) error
	disconnect  func(ctx context.Context) error
	fetch       func(ctx context.Context, u *url.URL) ([]byte, error)
	store       func(ctx context.Context, data []byte) (string, error)
	list        func(ctx context.Context, u *url.URL) ([]transport.Signature, error)
	add         func(ctx context.Context, u *url.URL, sig transport.Signature) error
	get         func(ctx context.Context, u *url.URL, keys []string) (map[string]json.RawMessage, error)
	set         func(ctx context.Context, u *url.URL, values map[string]json.RawMessage) error
	newListURLs func(ctx context.Context, owner string) (transport.URLPair, error)
	stream      func(ctx context.Context, u *url.URL) (transport.StreamFactory, error)
	seed        func(ctx context.Context, req transport.SeedRequest) error
}

func newFake(name string, schemes []string, ops ...transport.Operation) *fake {
	return &fake{
		Base:  transport.NewBase(name, schemes, ops, nil),
		calls: make(map[string]int),
	}
}

// connected registers f with r and marks it Connected without going through
// setup.
func connected(r *Router, fs ...*fake) {
	for _, f := range fs {
		r.Register(f)
		f.SetStatus(transport.StatusConnected, false)
	}
}

func (f *fake) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fake) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fake) Connect(ctx context.Context) error {
	f.record("connect")
	if f.connect != nil {
		return f.connect(ctx)
	}
	return nil
}

func (f *fake) Connect2(ctx context.Context) error {
	f.record("connect2")
	if f.connect2 != nil {
		return f.connect2(ctx)
	}
	return nil
}

func (f *fake) Disconnect(ctx context.Context) error {
	f.record("disconnect")
	if f.disconnect != nil {
		return f.disconnect(ctx)
	}
	return nil
}

func (f *fake) Fetch(ctx context.Context, u *url.URL, opts transport.FetchOptions) ([]byte, error) {
	f.record("fetch")
	if f.fetch == nil {
		return f.Base.Fetch(ctx, u, opts)
	}
	return f.fetch(ctx, u)
}

func (f *fake) Store(ctx context.Context, data []byte) (string, error) {
	f.record("store")
	if f.store == nil {
		return f.Base.Store(ctx, data)
	}
	return f.store(ctx, data)
}

func (f *fake) List(ctx context.Context, u *url.URL) ([]transport.Signature, error) {
	f.record("list")
	if f.list == nil {
		return f.Base.List(ctx, u)
	}
	return f.list(ctx, u)
}

func (f *fake) Add(ctx context.Context, u *url.URL, sig transport.Signature) error {
	f.record("add")
	if f.add == nil {
		return f.Base.Add(ctx, u, sig)
	}
	return f.add(ctx, u, sig)
}

func (f *fake) Get(ctx context.Context, u *url.URL, keys []string) (map[string]json.RawMessage, error) {
	f.record("get")
	if f.get == nil {
		return f.Base.Get(ctx, u, keys)
	}
	return f.get(ctx, u, keys)
}

func (f *fake) Set(ctx context.Context, u *url.URL, values map[string]json.RawMessage) error {
	f.record("set")
	if f.set == nil {
		return f.Base.Set(ctx, u, values)
	}
	return f.set(ctx, u, values)
}

func (f *fake) NewListURLs(ctx context.Context, owner string) (transport.URLPair, error) {
	f.record("newlisturls")
	if f.newListURLs == nil {
		return f.Base.NewListURLs(ctx, owner)
	}
	return f.newListURLs(ctx, owner)
}

func (f *fake) CreateReadStream(ctx context.Context, u *url.URL) (transport.StreamFactory, error) {
	f.record("stream")
	if f.stream == nil {
		return f.Base.CreateReadStream(ctx, u)
	}
	return f.stream(ctx, u)
}

func (f *fake) Seed(ctx context.Context, req transport.SeedRequest) error {
	f.record("seed")
	if f.seed == nil {
		return f.Base.Seed(ctx, req)
	}
	return f.seed(ctx, req)
}

// resumer is a fake that must reconnect when unpaused.
type resumer struct {
	*fake
	resume func(ctx context.Context) error
}

func (r *resumer) Resume(ctx context.Context) error {
	r.record("resume")
	if r.resume != nil {
		return r.resume(ctx)
	}
	return nil
}

func fails(msg string) func(context.Context, *url.URL) ([]byte, error) {
	return func(context.Context, *url.URL) ([]byte, error) { return nil, errors.New(msg) }
}

func returns(s string) func(context.Context, *url.URL) ([]byte, error) {
	return func(context.Context, *url.URL) ([]byte, error) { return []byte(s), nil }
}

// namedStream answers with a factory whose reader yields the transport name.
func namedStream(name string) func(context.Context, *url.URL) (transport.StreamFactory, error) {
	return func(context.Context, *url.URL) (transport.StreamFactory, error) {
		return func(context.Context, transport.Range) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(name)), nil
		}, nil
	}
}

func readStream(t *testing.T, f transport.StreamFactory) string {
	t.Helper()
	rc, err := f(context.Background(), transport.Range{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	return string(b)
}

func names(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Transport.Name()
	}
	return out
}

func newRouter() *Router {
	r := New(Options{})
	r.shuffle = func(int, func(i, j int)) {}
	return r
}
