package local

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport/contenthash"
)

func newConnected(t *testing.T) *Transport {
	t.Helper()
	tr, err := New("LOCAL", Config{RootPath: filepath.Join(t.TempDir(), "store"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return tr
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New("LOCAL", Config{}); err == nil {
		t.Fatal("expected error for empty root_path")
	}
}

func TestConnectMissingRoot(t *testing.T) {
	tr, _ := New("LOCAL", Config{RootPath: filepath.Join(t.TempDir(), "missing")})
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected error for missing root without create_dirs")
	}
}

func TestStoreThenFetch(t *testing.T) {
	ctx := context.Background()
	tr := newConnected(t)

	raw, err := tr.Store(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if raw != contenthash.URL(contenthash.Sum([]byte("hello"))) {
		t.Errorf("unexpected url %s", raw)
	}

	u, _ := url.Parse(raw)
	data, err := tr.Fetch(ctx, u, transport.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}

	// Storing again is idempotent
	if again, err := tr.Store(ctx, []byte("hello")); err != nil || again != raw {
		t.Errorf("second store: %s %v", again, err)
	}
}

func TestFetchMissing(t *testing.T) {
	tr := newConnected(t)
	u, _ := url.Parse(contenthash.URL(contenthash.Sum([]byte("absent"))))
	_, err := tr.Fetch(context.Background(), u, transport.FetchOptions{})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if transport.IsFatal(err) {
		t.Error("a missing blob must not stop failover")
	}
}

func TestCreateReadStreamRange(t *testing.T) {
	ctx := context.Background()
	tr := newConnected(t)
	raw, _ := tr.Store(ctx, []byte("0123456789"))
	u, _ := url.Parse(raw)

	factory, err := tr.CreateReadStream(ctx, u)
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	rc, err := factory(ctx, transport.Range{Offset: 2, Length: 3})
	if err != nil {
		t.Fatalf("open range: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "234" {
		t.Errorf("expected 234, got %q", got)
	}

	rc2, _ := factory(ctx, transport.Range{Offset: 7})
	defer rc2.Close()
	tail, _ := io.ReadAll(rc2)
	if string(tail) != "789" {
		t.Errorf("expected 789, got %q", tail)
	}
}

func TestSeedFromPath(t *testing.T) {
	ctx := context.Background()
	tr := newConnected(t)
	src := filepath.Join(t.TempDir(), "file.txt")
	os.WriteFile(src, []byte("seeded"), 0644)

	if err := tr.Seed(ctx, transport.SeedRequest{Path: src}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	want := contenthash.URL(contenthash.Sum([]byte("seeded")))
	if err := tr.Seed(ctx, transport.SeedRequest{URLs: []string{want}}); err != nil {
		t.Errorf("seeded content should be present: %v", err)
	}
}

func TestUnsupportedOperation(t *testing.T) {
	tr := newConnected(t)
	_, err := tr.List(context.Background(), nil)
	if !errors.Is(err, transport.ErrNotImplemented) {
		t.Errorf("expected ErrNotImplemented, got %v", err)
	}
}
