// Package gateway provides a transport that reads from and writes to HTTP
// gateways and mirrors.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/metrics"
	"github.com/internetarchive/dweb-transports-sub000/internal/retry"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// Config is the JSON config of a gateway transport.
type Config struct {
	// StoreURL receives POSTed content and answers with its URL. Store is
	// only offered when it is set.
	StoreURL string `json:"store_url"`
	// HealthURL is requested by Connect when set.
	HealthURL string `json:"health_url"`
	Timeout   string `json:"timeout"`
	Retries   int    `json:"retries"`
}

// Transport fetches http and https URLs.
type Transport struct {
	*transport.Base
	cfg        Config
	httpClient *http.Client
	policy     retry.Policy
}

// New creates a gateway transport.
func New(name string, cfg Config) (*Transport, error) {
	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parse timeout: %w", err)
		}
		timeout = d
	}

	ops := []transport.Operation{transport.OpFetch, transport.OpCreateReadStream}
	if cfg.StoreURL != "" {
		ops = append(ops, transport.OpStore)
	}

	policy := retry.DefaultPolicy()
	if cfg.Retries > 0 {
		policy.MaxAttempts = cfg.Retries
	}

	return &Transport{
		Base: transport.NewBase(name, []string{"http", "https"}, ops,
			[]transport.Feature{transport.FeatureByteRange, transport.FeatureNoCache}),
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		policy: policy,
	}, nil
}

// NewFromJSON creates a gateway transport from raw JSON config.
func NewFromJSON(name string, raw json.RawMessage) (*Transport, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse gateway config: %w", err)
		}
	}
	return New(name, cfg)
}

// Connect checks HealthURL when one is configured.
func (t *Transport) Connect(ctx context.Context) error {
	if t.cfg.HealthURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d", e.URL, e.Code)
}

// do sends one request built by build, retrying network errors and 5xx
// answers. The caller owns the returned body.
func (t *Transport) do(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error), accept ...int) (*http.Response, error) {
	return retry.Do(ctx, t.policy, op, func(ctx context.Context) (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := t.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, retry.Transient(err)
		}
		metrics.RecordGatewayRequest(t.Name(), resp.StatusCode)
		for _, code := range accept {
			if resp.StatusCode == code {
				return resp, nil
			}
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		serr := &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, retry.Transient(serr)
		}
		return nil, serr
	})
}

// Fetch GETs u. NoCache asks intermediaries to revalidate.
func (t *Transport) Fetch(ctx context.Context, u *url.URL, opts transport.FetchOptions) ([]byte, error) {
	target := u.String()
	resp, err := t.do(ctx, "gateway fetch", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		if opts.NoCache {
			req.Header.Set("Cache-Control", "no-cache")
		}
		return req, nil
	}, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	return data, nil
}

// CreateReadStream returns a factory issuing ranged GETs against u.
func (t *Transport) CreateReadStream(_ context.Context, u *url.URL) (transport.StreamFactory, error) {
	target := u.String()
	return func(ctx context.Context, r transport.Range) (io.ReadCloser, error) {
		resp, err := t.do(ctx, "gateway stream", func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return nil, err
			}
			if r.Offset > 0 || r.Length > 0 {
				end := ""
				if r.Length > 0 {
					end = fmt.Sprintf("%d", r.Offset+r.Length-1)
				}
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-%s", r.Offset, end))
			}
			return req, nil
		}, http.StatusOK, http.StatusPartialContent)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK && (r.Offset > 0 || r.Length > 0) {
			// Server ignored the Range header; cut the range out ourselves.
			return sliceBody(resp.Body, r)
		}
		return resp.Body, nil
	}, nil
}

func sliceBody(body io.ReadCloser, r transport.Range) (io.ReadCloser, error) {
	if r.Offset > 0 {
		if _, err := io.CopyN(io.Discard, body, r.Offset); err != nil {
			body.Close()
			return nil, fmt.Errorf("skip to offset %d: %w", r.Offset, err)
		}
	}
	if r.Length > 0 {
		return &limitedReadCloser{Reader: io.LimitReader(body, r.Length), Closer: body}, nil
	}
	return body, nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// storeResponse is the JSON answer of a store endpoint.
type storeResponse struct {
	URL string `json:"url"`
}

// Store POSTs data to StoreURL. The endpoint answers with the new URL as
// plain text or as {"url": "..."}.
func (t *Transport) Store(ctx context.Context, data []byte) (string, error) {
	if t.cfg.StoreURL == "" {
		return "", &transport.CapabilityError{Transport: t.Name(), Operation: transport.OpStore}
	}
	resp, err := t.do(ctx, "gateway store", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.StoreURL, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	}, http.StatusOK, http.StatusCreated)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read store response: %w", err)
	}
	stored := strings.TrimSpace(string(body))
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var sr storeResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return "", fmt.Errorf("decode store response: %w", err)
		}
		stored = sr.URL
	}
	if stored == "" {
		return "", fmt.Errorf("store endpoint returned no url")
	}
	logging.Debug("gateway store", logging.Transport(t.Name()), zap.String("url", stored), zap.Int("size", len(data)))
	return stored, nil
}
