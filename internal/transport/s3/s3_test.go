package s3

import (
	"context"
	"io"
	"net/url"
	"os"
	"testing"

	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport/contenthash"
)

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New("S3", Config{}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestNewIsLoadedAndOffline(t *testing.T) {
	tr, err := NewFromJSON("S3", []byte(`{"bucket":"b","endpoint":"http://127.0.0.1:1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Status() != transport.StatusLoaded {
		t.Errorf("expected loaded, got %s", tr.Status())
	}
	if _, err := tr.api(); err == nil {
		t.Error("client should not exist before Connect")
	}
}

func TestRangeHeader(t *testing.T) {
	cases := map[transport.Range]string{
		{}:                     "",
		{Offset: 5}:            "bytes=5-",
		{Offset: 5, Length: 5}: "bytes=5-9",
		{Length: 1}:            "bytes=0-0",
	}
	for r, want := range cases {
		if got := rangeHeader(r); got != want {
			t.Errorf("%+v: expected %q, got %q", r, want, got)
		}
	}
}

// TestS3RoundTrip runs against a real S3 or MinIO endpoint.
func TestS3RoundTrip(t *testing.T) {
	endpoint := os.Getenv("TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_S3_ENDPOINT not set")
	}
	ctx := context.Background()
	tr, err := New("S3", Config{
		Endpoint:  endpoint,
		Bucket:    "dweb-test",
		AccessKey: os.Getenv("TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("TEST_S3_SECRET_KEY"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	raw, err := tr.Store(ctx, []byte("0123456789"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if raw != contenthash.URL(contenthash.Sum([]byte("0123456789"))) {
		t.Errorf("unexpected url %s", raw)
	}
	u, _ := url.Parse(raw)

	data, err := tr.Fetch(ctx, u, transport.FetchOptions{})
	if err != nil || string(data) != "0123456789" {
		t.Fatalf("fetch: %q %v", data, err)
	}

	factory, err := tr.CreateReadStream(ctx, u)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	rc, err := factory(ctx, transport.Range{Offset: 3, Length: 2})
	if err != nil {
		t.Fatalf("open range: %v", err)
	}
	defer rc.Close()
	part, _ := io.ReadAll(rc)
	if string(part) != "34" {
		t.Errorf("expected 34, got %q", part)
	}
}
