package pgtable

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestParseRef(t *testing.T) {
	r, err := parseRef(mustURL(t, "pgtable:/list/abc?key=s3cret"))
	if err != nil {
		t.Fatal(err)
	}
	if r.kind != kindList || r.id != "abc" || r.key != "s3cret" {
		t.Errorf("unexpected ref %+v", r)
	}

	r, err = parseRef(mustURL(t, "pgtable:/db/d1/settings"))
	if err != nil {
		t.Fatal(err)
	}
	if r.kind != kindTable || r.id != "d1/settings" || r.owner() != "d1" {
		t.Errorf("unexpected table ref %+v owner %s", r, r.owner())
	}

	for _, bad := range []string{"pgtable:/nothing", "pgtable:/list/", "pgtable:/db/a/b/c", "http://x/list/a"} {
		if _, err := parseRef(mustURL(t, bad)); !errors.Is(err, transport.ErrCoding) {
			t.Errorf("%s: expected coding error, got %v", bad, err)
		}
	}
}

func TestURLsRoundTrip(t *testing.T) {
	priv := privateURL(kindList, "id1", "k&y")
	r, err := parseRef(mustURL(t, priv))
	if err != nil {
		t.Fatal(err)
	}
	if r.key != "k&y" {
		t.Errorf("expected escaped key to round trip, got %q", r.key)
	}
	if publicURL(kindList, "id1") != "pgtable:/list/id1" {
		t.Errorf("unexpected public url %s", publicURL(kindList, "id1"))
	}
}

func TestTableURLsRoundTrip(t *testing.T) {
	for _, name := range []string{"settings", "photos/2024", "a b%c"} {
		pair := tableURLs("d1", "s3cret", name)
		for _, raw := range []string{pair.Public, pair.Private} {
			r, err := parseRef(mustURL(t, raw))
			if err != nil {
				t.Fatalf("%s: %v", raw, err)
			}
			if r.kind != kindTable || r.id != "d1/"+name || r.owner() != "d1" {
				t.Errorf("%s: unexpected ref %+v", raw, r)
			}
		}
	}
}

func TestWrongKindIsCodingError(t *testing.T) {
	tr, _ := New("PG", Config{DatabaseURL: "postgres://unused"})
	_, err := tr.List(context.Background(), mustURL(t, "pgtable:/db/d1/t"))
	if !errors.Is(err, transport.ErrCoding) {
		t.Errorf("expected coding error, got %v", err)
	}
}

func TestMonitorNeedsListener(t *testing.T) {
	tr, _ := New("PG", Config{DatabaseURL: "postgres://unused"})
	err := tr.Monitor(context.Background(), mustURL(t, "pgtable:/db/d1/t"), func(transport.KeyChange) {})
	if err == nil {
		t.Fatal("expected error before the listener runs")
	}
}

func TestDeliverRoutesByTopic(t *testing.T) {
	tr, _ := New("PG", Config{DatabaseURL: "postgres://unused"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan transport.KeyChange, 1)
	tr.watchers["table:d1/t"] = append(tr.watchers["table:d1/t"], &watcher{fn: func(c change) {
		got <- transport.KeyChange{Type: c.Type, Key: c.Key, Value: c.Value}
	}})

	tr.deliver(change{Kind: kindTable, ID: "other/t", Type: "set", Key: "x"})
	tr.deliver(change{Kind: kindTable, ID: "d1/t", Type: "set", Key: "k", Value: json.RawMessage(`1`)})

	select {
	case kc := <-got:
		if kc.Key != "k" || string(kc.Value) != "1" {
			t.Errorf("unexpected change %+v", kc)
		}
	case <-ctx.Done():
		t.Fatal("no change delivered")
	}
	select {
	case kc := <-got:
		t.Errorf("unexpected second delivery %+v", kc)
	default:
	}
}

// TestPostgresRoundTrip runs against a real database.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	tr, err := New("PG", Config{DatabaseURL: dsn})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Connect2(ctx); err != nil {
		t.Fatalf("connect2: %v", err)
	}
	defer tr.Disconnect(ctx)

	// Lists
	pair, err := tr.NewListURLs(ctx, "tester")
	if err != nil {
		t.Fatalf("new list: %v", err)
	}
	sig := transport.Signature{URLs: []string{"contenthash:/contenthash/x"}, Signature: "sig-1", SignedBy: []string{"tester"}}
	if err := tr.Add(ctx, mustURL(t, pair.Public), sig); !errors.Is(err, ErrReadOnly) {
		t.Errorf("add through public url should be read-only, got %v", err)
	}
	if err := tr.Add(ctx, mustURL(t, pair.Private), sig); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := tr.Add(ctx, mustURL(t, pair.Private), sig); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	entries, err := tr.List(ctx, mustURL(t, pair.Public))
	if err != nil || len(entries) != 1 || entries[0].Signature != "sig-1" {
		t.Fatalf("list: %v %v", entries, err)
	}

	// Tables
	tbl, err := tr.NewTable(ctx, "tester", "settings")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes := make(chan transport.KeyChange, 4)
	if err := tr.Monitor(mctx, mustURL(t, tbl.Public), func(c transport.KeyChange) { changes <- c }); err != nil {
		t.Fatalf("monitor: %v", err)
	}

	vals := map[string]json.RawMessage{"theme": json.RawMessage(`"dark"`)}
	if err := tr.Set(ctx, mustURL(t, tbl.Private), vals); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := tr.Get(ctx, mustURL(t, tbl.Public), []string{"theme", "missing"})
	if err != nil || string(got["theme"]) != `"dark"` || len(got) != 1 {
		t.Fatalf("get: %v %v", got, err)
	}
	keys, err := tr.Keys(ctx, mustURL(t, tbl.Public))
	if err != nil || len(keys) != 1 {
		t.Fatalf("keys: %v %v", keys, err)
	}
	if err := tr.Delete(ctx, mustURL(t, tbl.Private), []string{"theme"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, err := tr.GetAll(ctx, mustURL(t, tbl.Public))
	if err != nil || len(all) != 0 {
		t.Fatalf("getall after delete: %v %v", all, err)
	}

	select {
	case c := <-changes:
		if c.Type != "set" || c.Key != "theme" {
			t.Errorf("unexpected first change %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Error("no change notification received")
	}
}
