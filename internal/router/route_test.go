package router

import (
	"context"
	"errors"
	"net/url"
	"reflect"
	"testing"

	"github.com/internetarchive/dweb-transports-sub000/internal/naming"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

func TestRouteCapabilityGating(t *testing.T) {
	r := newRouter()
	fetcher := newFake("F", []string{"x"}, transport.OpFetch)
	storer := newFake("S", []string{"x"}, transport.OpStore)
	connected(r, fetcher, storer)

	cands, err := r.Route([]string{"x://1"}, transport.OpFetch, RouteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := names(cands); !reflect.DeepEqual(got, []string{"F"}) {
		t.Errorf("fetch candidates = %v, want [F]", got)
	}

	cands, err = r.Route(nil, transport.OpStore, RouteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := names(cands); !reflect.DeepEqual(got, []string{"S"}) {
		t.Errorf("store candidates = %v, want [S]", got)
	}
	if cands[0].URL != nil {
		t.Errorf("store candidate should carry no url, got %v", cands[0].URL)
	}
}

func TestRouteSkipsUnconnected(t *testing.T) {
	r := newRouter()
	up := newFake("UP", []string{"x"}, transport.OpFetch)
	connected(r, up)

	for _, s := range []transport.Status{transport.StatusLoaded, transport.StatusStarting, transport.StatusFailed, transport.StatusPaused} {
		other := newFake("OTHER", []string{"x"}, transport.OpFetch)
		r.Register(other)
		other.SetStatus(s, false)
		cands, err := r.Route([]string{"x://1"}, transport.OpFetch, RouteOptions{})
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range cands {
			if c.Transport == other {
				t.Errorf("%s transport was routed", s)
			}
		}
	}
}

func TestRouteURLMajorOrder(t *testing.T) {
	r := newRouter()
	a := newFake("A", []string{"x", "y"}, transport.OpFetch)
	b := newFake("B", []string{"x"}, transport.OpFetch)
	connected(r, a, b)

	cands, err := r.Route([]string{"x://1", "y://2"}, transport.OpFetch, RouteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"A x://1", "B x://1", "A y://2"}
	var got []string
	for _, c := range cands {
		got = append(got, c.Transport.Name()+" "+c.URLString())
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRouteNeedsURL(t *testing.T) {
	r := newRouter()
	connected(r, newFake("A", []string{"x"}, transport.OpFetch))

	for _, urls := range [][]string{nil, {}, {"", "  "}} {
		_, err := r.Route(urls, transport.OpFetch, RouteOptions{})
		if !errors.Is(err, transport.ErrCoding) {
			t.Errorf("Route(%q) error = %v, want coding error", urls, err)
		}
	}
}

func TestRouteNoScheme(t *testing.T) {
	r := newRouter()
	connected(r, newFake("A", []string{"x"}, transport.OpFetch))

	_, err := r.Route([]string{"just-a-path"}, transport.OpFetch, RouteOptions{})
	var ce *transport.CodingError
	if !errors.As(err, &ce) {
		t.Errorf("expected *CodingError, got %v", err)
	}
}

func TestRouteNoCacheNeedsFeature(t *testing.T) {
	r := newRouter()
	plain := newFake("PLAIN", []string{"x"}, transport.OpFetch)
	fresh := &fake{
		Base:  transport.NewBase("FRESH", []string{"x"}, []transport.Operation{transport.OpFetch}, []transport.Feature{transport.FeatureNoCache}),
		calls: make(map[string]int),
	}
	connected(r, plain, fresh)

	cands, err := r.Route([]string{"x://1"}, transport.OpFetch, RouteOptions{NoCache: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := names(cands); !reflect.DeepEqual(got, []string{"FRESH"}) {
		t.Errorf("no-cache candidates = %v, want [FRESH]", got)
	}
}

func TestRouteCacheHandsOutCopies(t *testing.T) {
	r := newRouter()
	connected(r, newFake("A", []string{"x"}, transport.OpFetch))

	cands, _ := r.Route([]string{"x://host/path"}, transport.OpFetch, RouteOptions{})
	cands[0].URL.Path = "/changed"

	cands, _ = r.Route([]string{"x://host/path"}, transport.OpFetch, RouteOptions{})
	if cands[0].URL.Path != "/path" {
		t.Errorf("cached url was modified: %s", cands[0].URL)
	}
}

func TestNamingAppliedBeforeRouting(t *testing.T) {
	r := newRouter()
	a := newFake("A", []string{"x"}, transport.OpFetch)
	a.fetch = func(_ context.Context, u *url.URL) ([]byte, error) { return []byte(u.String()), nil }
	connected(r, a)
	r.SetNaming(naming.NewTable(map[string][]string{"home": {"x://resolved"}}))

	got, err := r.Fetch(context.Background(), []string{"name:/home"}, transport.FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "x://resolved" {
		t.Errorf("fetched %q, want the resolved url", got)
	}
}

func TestMirrorModeRewrites(t *testing.T) {
	r := newRouter()
	gw := newFake("GW", []string{"https"}, transport.OpFetch)
	gw.fetch = func(_ context.Context, u *url.URL) ([]byte, error) { return []byte(u.String()), nil }
	other := newFake("X", []string{"x"}, transport.OpFetch)
	other.fetch = returns("should not be used")
	connected(r, gw, other)
	r.SetNaming(naming.NewTable(map[string][]string{"home": {"x://resolved"}}))
	r.SetMirror(naming.NewMirror("https://mirror.example/"))

	got, err := r.Fetch(context.Background(), []string{"contenthash:/contenthash/abc", "x://dropped"}, transport.FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "https://mirror.example/contenthash/abc" {
		t.Errorf("fetched %q", got)
	}
	if other.count("fetch") != 0 {
		t.Error("non-mirror transport was used in mirror mode")
	}
}
