// Package contenthash names content by its BLAKE2b-256 digest, the address
// scheme shared by the content-addressed transports.
package contenthash

import (
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// Scheme is the URL scheme of content-addressed URLs.
const Scheme = "contenthash"

const pathPrefix = "/contenthash/"

// Sum returns the hex digest of data.
func Sum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// URL returns the contenthash URL of a digest.
func URL(hash string) string {
	return Scheme + ":" + pathPrefix + hash
}

// Hash extracts and checks the digest from a contenthash URL. An http(s)
// gateway URL whose path ends in /contenthash/<hash> is accepted too.
func Hash(u *url.URL) (string, error) {
	if u == nil {
		return "", transport.Codingf("contenthash needs a url")
	}
	p := u.Path
	if p == "" {
		p = "/" + u.Opaque
	}
	i := strings.LastIndex(p, pathPrefix)
	if i < 0 {
		return "", transport.Codingf("url %q is not a contenthash url", u.String())
	}
	hash := strings.ToLower(strings.Trim(p[i+len(pathPrefix):], "/"))
	if len(hash) != 2*blake2b.Size256 {
		return "", transport.Codingf("url %q has a malformed hash", u.String())
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return "", transport.Codingf("url %q has a malformed hash", u.String())
	}
	return hash, nil
}
