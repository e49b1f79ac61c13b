// Package local provides a content-addressed transport on the local
// filesystem.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport/contenthash"
)

// Config holds local filesystem transport settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Transport stores blobs under RootPath named by their content hash.
type Transport struct {
	*transport.Base
	rootPath   string
	createDirs bool
}

var operations = []transport.Operation{
	transport.OpFetch,
	transport.OpStore,
	transport.OpCreateReadStream,
	transport.OpSeed,
}

var features = []transport.Feature{
	transport.FeatureByteRange,
	transport.FeatureNoCache,
}

// New creates a local transport. The root directory is checked by Connect.
func New(name string, cfg Config) (*Transport, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	return &Transport{
		Base:       transport.NewBase(name, []string{contenthash.Scheme}, operations, features),
		rootPath:   cfg.RootPath,
		createDirs: cfg.CreateDirs,
	}, nil
}

// NewFromJSON creates a local transport from raw JSON config.
func NewFromJSON(name string, raw json.RawMessage) (*Transport, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse local config: %w", err)
		}
	}
	return New(name, cfg)
}

// Connect makes sure the root directory exists.
func (t *Transport) Connect(context.Context) error {
	info, err := os.Stat(t.rootPath)
	if err != nil {
		if os.IsNotExist(err) && t.createDirs {
			if mkErr := os.MkdirAll(t.rootPath, 0755); mkErr != nil {
				return fmt.Errorf("create root path %s: %w", t.rootPath, mkErr)
			}
			return nil
		}
		return fmt.Errorf("stat root path %s: %w", t.rootPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root path %s is not a directory", t.rootPath)
	}
	return nil
}

// blobPath fans blobs out over 256 directories by hash prefix.
func (t *Transport) blobPath(hash string) string {
	return filepath.Join(t.rootPath, hash[:2], hash)
}

// Fetch reads the blob a contenthash URL names.
func (t *Transport) Fetch(_ context.Context, u *url.URL, _ transport.FetchOptions) ([]byte, error) {
	hash, err := contenthash.Hash(u)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(t.blobPath(hash))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", hash, err)
	}
	return data, nil
}

// Store writes data and returns its contenthash URL. Storing content that
// is already present is a no-op.
func (t *Transport) Store(_ context.Context, data []byte) (string, error) {
	hash := contenthash.Sum(data)
	if err := t.write(hash, bytes.NewReader(data)); err != nil {
		return "", err
	}
	logging.Debug("local store", logging.Transport(t.Name()), zap.String("hash", hash), zap.Int("size", len(data)))
	return contenthash.URL(hash), nil
}

// write stores body under hash atomically via a temp file and rename.
func (t *Transport) write(hash string, body io.Reader) error {
	path := t.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", hash, err)
	}

	tmp, err := os.CreateTemp(dir, ".dweb-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", hash, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", hash, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", hash, err)
	}
	return nil
}

// CreateReadStream checks the blob exists and returns a factory opening
// ranges of it.
func (t *Transport) CreateReadStream(_ context.Context, u *url.URL) (transport.StreamFactory, error) {
	hash, err := contenthash.Hash(u)
	if err != nil {
		return nil, err
	}
	path := t.blobPath(hash)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat %s: %w", hash, err)
	}
	return func(_ context.Context, r transport.Range) (io.ReadCloser, error) {
		return openRange(path, r)
	}, nil
}

func openRange(path string, r transport.Range) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	if r.Offset > 0 {
		if _, err := f.Seek(r.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", filepath.Base(path), err)
		}
	}
	if r.Length > 0 {
		return &limitedReadCloser{Reader: io.LimitReader(f, r.Length), Closer: f}, nil
	}
	return f, nil
}

// Seed copies the file at req.Path into the store. Without a path it only
// checks that every contenthash URL in req is already held.
func (t *Transport) Seed(ctx context.Context, req transport.SeedRequest) error {
	if req.Path != "" {
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return fmt.Errorf("read seed file: %w", err)
		}
		_, err = t.Store(ctx, data)
		return err
	}
	for _, raw := range req.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme != contenthash.Scheme {
			continue
		}
		hash, err := contenthash.Hash(u)
		if err != nil {
			return err
		}
		if _, err := os.Stat(t.blobPath(hash)); err != nil {
			return fmt.Errorf("seed %s: %w", hash, err)
		}
	}
	return nil
}

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
