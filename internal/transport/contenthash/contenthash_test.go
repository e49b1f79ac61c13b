package contenthash

import (
	"errors"
	"net/url"
	"testing"

	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

func TestURLRoundTrip(t *testing.T) {
	h := Sum([]byte("hello"))
	u, err := url.Parse(URL(h))
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme != Scheme {
		t.Errorf("expected scheme %s, got %s", Scheme, u.Scheme)
	}
	got, err := Hash(u)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != h {
		t.Errorf("expected %s, got %s", h, got)
	}
}

func TestHashFromGatewayURL(t *testing.T) {
	h := Sum([]byte("x"))
	u, _ := url.Parse("https://mirror.example/contenthash/" + h)
	got, err := Hash(u)
	if err != nil || got != h {
		t.Errorf("expected %s, got %s (%v)", h, got, err)
	}
}

func TestHashRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"contenthash:/contenthash/xyz", "contenthash:/other/abc"} {
		u, _ := url.Parse(raw)
		if _, err := Hash(u); !errors.Is(err, transport.ErrCoding) {
			t.Errorf("%s: expected coding error, got %v", raw, err)
		}
	}
}
