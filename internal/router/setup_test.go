package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/internetarchive/dweb-transports-sub000/internal/events"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

type timeline struct {
	mu     sync.Mutex
	events []string
}

func (tl *timeline) add(e string) {
	tl.mu.Lock()
	tl.events = append(tl.events, e)
	tl.mu.Unlock()
}

func TestConnectPhaseBarrier(t *testing.T) {
	r := newRouter()
	tl := &timeline{}

	slow := newFake("SLOW", []string{"x"}, transport.OpFetch)
	slow.connect = func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		tl.add("1:SLOW")
		return nil
	}
	slow.connect2 = func(context.Context) error { tl.add("2:SLOW"); return nil }

	fast := newFake("FAST", []string{"x"}, transport.OpFetch)
	fast.connect = func(context.Context) error { tl.add("1:FAST"); return nil }
	fast.connect2 = func(context.Context) error { tl.add("2:FAST"); return nil }

	r.Register(slow)
	r.Register(fast)
	r.Connect(context.Background())

	lastPhase1, firstPhase2 := -1, len(tl.events)
	for i, e := range tl.events {
		if strings.HasPrefix(e, "1:") {
			lastPhase1 = i
		} else if i < firstPhase2 {
			firstPhase2 = i
		}
	}
	if len(tl.events) != 4 || lastPhase1 > firstPhase2 {
		t.Errorf("phase two started before phase one finished: %v", tl.events)
	}
	for _, f := range []*fake{slow, fast} {
		if f.Status() != transport.StatusConnected {
			t.Errorf("%s status = %s, want CONNECTED", f.Name(), f.Status())
		}
	}
}

func TestConnectIsolatesFailures(t *testing.T) {
	r := newRouter()
	bad := newFake("BAD", nil)
	bad.connect = func(context.Context) error { return errors.New("refused") }
	wild := newFake("WILD", nil)
	wild.connect = func(context.Context) error { panic("boom") }
	good := newFake("GOOD", nil)
	late := newFake("LATE", nil)
	late.connect2 = func(context.Context) error { return errors.New("no listener") }

	for _, f := range []*fake{bad, wild, good, late} {
		r.Register(f)
	}
	r.Connect(context.Background())

	want := map[string]transport.Status{
		"BAD":  transport.StatusFailed,
		"WILD": transport.StatusFailed,
		"GOOD": transport.StatusConnected,
		"LATE": transport.StatusFailed,
	}
	for _, s := range r.Statuses() {
		if s.Status != want[s.Name] {
			t.Errorf("%s = %s, want %s", s.Name, s.Status, want[s.Name])
		}
	}
	if bad.count("connect2") != 0 || wild.count("connect2") != 0 {
		t.Error("phase two ran for a transport that failed phase one")
	}
}

func TestPausedTransportSkippedUntilToggled(t *testing.T) {
	r := newRouter()
	p := newFake("P", []string{"x"}, transport.OpFetch)
	p.fetch = returns("from P")
	q := newFake("Q", []string{"x"}, transport.OpFetch)
	q.fetch = fails("down")
	r.Register(p)
	r.Register(q)
	r.SetPaused([]string{"P"})
	r.Connect(context.Background())

	if p.count("connect") != 0 || p.Status() != transport.StatusLoaded {
		t.Fatalf("paused transport was started: connect=%d status=%s", p.count("connect"), p.Status())
	}
	cands, _ := r.Route([]string{"x://1"}, transport.OpFetch, RouteOptions{})
	if got := names(cands); len(got) != 1 || got[0] != "Q" {
		t.Errorf("candidates = %v, want [Q]", got)
	}

	st, err := r.TogglePause(context.Background(), "P")
	if err != nil {
		t.Fatal(err)
	}
	if st != transport.StatusConnected || p.count("connect") != 1 || p.count("connect2") != 1 {
		t.Errorf("toggle from loaded: status=%s connect=%d connect2=%d", st, p.count("connect"), p.count("connect2"))
	}
	if r.Registry().IsPaused("P") {
		t.Error("P still in the paused set")
	}
	got, err := r.Fetch(context.Background(), []string{"x://1"}, transport.FetchOptions{})
	if err != nil || string(got) != "from P" {
		t.Errorf("Fetch = %q, %v", got, err)
	}
}

func TestConcurrentTogglesStartOnce(t *testing.T) {
	r := newRouter()
	p := newFake("P", []string{"x"}, transport.OpFetch)
	p.connect = func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	r.Register(p)
	r.SetPaused([]string{"P"})
	r.Connect(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.TogglePause(context.Background(), "P")
		}()
	}
	wg.Wait()

	if n := p.count("connect"); n != 1 {
		t.Errorf("connect ran %d times, want 1", n)
	}
	if p.Status() != transport.StatusPaused {
		t.Errorf("status = %s, want paused after start then pause", p.Status())
	}
}

func TestTogglePauseCycle(t *testing.T) {
	r := newRouter()
	f := newFake("F", []string{"x"}, transport.OpFetch)
	connected(r, f)
	ctx := context.Background()

	st, _ := r.TogglePause(ctx, "F")
	if st != transport.StatusPaused {
		t.Fatalf("first toggle = %s, want PAUSED", st)
	}
	if cands, _ := r.Route([]string{"x://1"}, transport.OpFetch, RouteOptions{}); len(cands) != 0 {
		t.Error("paused transport was routed")
	}
	st, _ = r.TogglePause(ctx, "F")
	if st != transport.StatusConnected {
		t.Errorf("second toggle = %s, want CONNECTED", st)
	}

	if _, err := r.TogglePause(ctx, "nope"); !errors.Is(err, ErrUnknownTransport) {
		t.Errorf("unknown name: %v", err)
	}

	f.SetStatus(transport.StatusFailed, false)
	if st, _ := r.TogglePause(ctx, "F"); st != transport.StatusFailed {
		t.Errorf("toggle of failed transport = %s", st)
	}
}

func TestTogglePauseResume(t *testing.T) {
	r := newRouter()
	ok := &resumer{fake: newFake("OK", nil)}
	broken := &resumer{fake: newFake("BROKEN", nil)}
	broken.resume = func(context.Context) error { return errors.New("peer gone") }
	r.Register(ok)
	r.Register(broken)
	ok.SetStatus(transport.StatusPaused, false)
	broken.SetStatus(transport.StatusPaused, false)

	if st, _ := r.TogglePause(context.Background(), "OK"); st != transport.StatusConnected || ok.count("resume") != 1 {
		t.Errorf("resume ok: status=%s resumes=%d", st, ok.count("resume"))
	}
	if st, _ := r.TogglePause(context.Background(), "BROKEN"); st != transport.StatusFailed {
		t.Errorf("failed resume left status %s", st)
	}
}

func TestStatusEventsOnlyOnChange(t *testing.T) {
	b := events.NewBroadcaster()
	var mu sync.Mutex
	var got []events.Event
	b.OnStatusChanged(func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	r := New(Options{Events: b})
	f := newFake("F", nil)
	r.Register(f)

	f.SetStatus(transport.StatusConnected, false)
	f.SetStatus(transport.StatusConnected, false)
	f.SetStatus(transport.StatusConnected, true)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2 (one change, one forced)", len(got))
	}
	if got[0].Transport != "F" || got[0].Status != transport.StatusConnected {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestSubscribersSeeConnect(t *testing.T) {
	r := newRouter()
	ch := r.Events().Subscribe()
	defer r.Events().Unsubscribe(ch)

	r.Register(newFake("F", nil))
	r.Connect(context.Background())

	var seen []transport.Status
	for len(seen) < 2 {
		select {
		case e := <-ch:
			seen = append(seen, e.Status)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", seen)
		}
	}
	if seen[0] != transport.StatusStarting || seen[1] != transport.StatusConnected {
		t.Errorf("events = %v, want STARTING then CONNECTED", seen)
	}
}

func TestStop(t *testing.T) {
	r := newRouter()
	a := newFake("A", []string{"x"}, transport.OpFetch)
	b := newFake("B", []string{"x"}, transport.OpFetch)
	b.disconnect = func(context.Context) error { return errors.New("close failed") }
	connected(r, a, b)

	forced := 0
	r.Events().OnStatusChanged(func(e events.Event) {
		if e.Status == transport.StatusFailed {
			forced++
		}
	})

	err := r.Stop(context.Background())
	if err == nil || !strings.Contains(err.Error(), "close failed") {
		t.Errorf("Stop error = %v", err)
	}
	if a.count("disconnect") != 1 || b.count("disconnect") != 1 {
		t.Error("not every transport was torn down")
	}
	if a.Status() != transport.StatusFailed || b.Status() != transport.StatusFailed {
		t.Error("stopped transports should be FAILED")
	}
	if forced != 2 {
		t.Errorf("failed events = %d, want 2", forced)
	}
	if r.Registry().Len() != 0 {
		t.Error("registry not empty after Stop")
	}
	_, err = r.Fetch(context.Background(), []string{"x://1"}, transport.FetchOptions{})
	if !errors.Is(err, transport.ErrNoTransport) {
		t.Errorf("fetch after stop: %v", err)
	}
}

func TestSetup0BuildsTransports(t *testing.T) {
	r := newRouter()
	root := t.TempDir()
	specs := []Spec{
		{Name: "LOCAL", Type: "local", Config: json.RawMessage(`{"root_path":"` + root + `"}`)},
		{Name: "GW", Type: "gateway", Config: json.RawMessage(`{}`)},
	}
	if err := r.Setup0(specs); err != nil {
		t.Fatal(err)
	}
	for _, s := range r.Statuses() {
		if s.Status != transport.StatusLoaded {
			t.Errorf("%s = %s after Setup0, want LOADED", s.Name, s.Status)
		}
	}
	r.Connect(context.Background())

	urls, err := r.Store(context.Background(), []byte("hello"))
	if err != nil || len(urls) != 1 || !strings.HasPrefix(urls[0], "contenthash:") {
		t.Fatalf("Store = %v, %v", urls, err)
	}
	got, err := r.Fetch(context.Background(), urls, transport.FetchOptions{})
	if err != nil || string(got) != "hello" {
		t.Errorf("Fetch = %q, %v", got, err)
	}
}

func TestSetup0Errors(t *testing.T) {
	r := newRouter()
	if err := r.Setup0([]Spec{{Name: "X", Type: "carrier-pigeon"}}); err == nil {
		t.Error("unknown type accepted")
	}
	if err := r.Setup0([]Spec{{Type: "local"}}); !errors.Is(err, transport.ErrCoding) {
		t.Errorf("missing name: %v", err)
	}
	if r.Registry().Len() != 0 {
		t.Error("failed specs were registered")
	}
}

func TestLoadSpecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transports.json")
	data := `[{"name":"LOCAL","type":"local","config":{"root_path":"/tmp/x"}},{"name":"HTTP","type":"http"}]`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	specs, err := LoadSpecs(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 || specs[0].Name != "LOCAL" || specs[1].Type != "http" {
		t.Errorf("specs = %+v", specs)
	}
	if _, err := LoadSpecs(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file accepted")
	}
}
