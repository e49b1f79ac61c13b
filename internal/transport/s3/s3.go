// Package s3 provides a content-addressed transport on S3 or MinIO.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/metrics"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport/contenthash"
)

// Config is the JSON config of an S3 transport.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	Prefix    string `json:"prefix"`
}

// Transport keeps blobs in one bucket, keyed by content hash.
type Transport struct {
	*transport.Base
	cfg Config

	mu     sync.RWMutex
	client *s3.Client
}

var operations = []transport.Operation{
	transport.OpFetch,
	transport.OpStore,
	transport.OpCreateReadStream,
	transport.OpSeed,
}

// New creates an S3 transport. The client is built and the bucket checked
// by Connect.
func New(name string, cfg Config) (*Transport, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &Transport{
		Base: transport.NewBase(name, []string{contenthash.Scheme}, operations, []transport.Feature{transport.FeatureByteRange}),
		cfg:  cfg,
	}, nil
}

// NewFromJSON creates an S3 transport from raw JSON config.
func NewFromJSON(name string, raw json.RawMessage) (*Transport, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(name, cfg)
}

// Connect builds the client and creates the bucket when it is missing.
func (t *Transport) Connect(ctx context.Context) error {
	opts := []func(*config.LoadOptions) error{config.WithRegion(t.cfg.Region)}
	if t.cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(t.cfg.AccessKey, t.cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if t.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(t.cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	return t.ensureBucket(ctx)
}

// Disconnect drops the client so a later Connect starts fresh.
func (t *Transport) Disconnect(context.Context) error {
	t.mu.Lock()
	t.client = nil
	t.mu.Unlock()
	return nil
}

func (t *Transport) api() (*s3.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, fmt.Errorf("%s: not connected", t.Name())
	}
	return t.client, nil
}

func (t *Transport) ensureBucket(ctx context.Context) error {
	client, err := t.api()
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(t.cfg.Bucket)})
	if err == nil {
		metrics.RecordS3Operation("head_bucket", time.Since(start), true)
		return nil
	}
	_, createErr := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(t.cfg.Bucket)})
	if createErr != nil {
		metrics.RecordS3Operation("create_bucket", time.Since(start), false)
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", t.cfg.Bucket, createErr)
	}
	metrics.RecordS3Operation("create_bucket", time.Since(start), true)
	logging.Info("created S3 bucket", logging.Transport(t.Name()), zap.String("bucket", t.cfg.Bucket))
	return nil
}

func (t *Transport) key(hash string) string {
	return t.cfg.Prefix + hash
}

// rangeHeader renders r as an HTTP Range value, or "" for the whole object.
func rangeHeader(r transport.Range) string {
	switch {
	case r.Length > 0:
		return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1)
	case r.Offset > 0:
		return fmt.Sprintf("bytes=%d-", r.Offset)
	default:
		return ""
	}
}

func (t *Transport) getObject(ctx context.Context, hash string, r transport.Range) (io.ReadCloser, error) {
	client, err := t.api()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	input := &s3.GetObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(t.key(hash)),
	}
	if h := rangeHeader(r); h != "" {
		input.Range = aws.String(h)
	}
	out, err := client.GetObject(ctx, input)
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		return nil, fmt.Errorf("get object %s: %w", hash, err)
	}
	metrics.RecordS3Operation("get_object", time.Since(start), true)
	return out.Body, nil
}

func (t *Transport) exists(ctx context.Context, hash string) (bool, error) {
	client, err := t.api()
	if err != nil {
		return false, err
	}
	start := time.Now()
	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(t.key(hash)),
	})
	if err != nil {
		metrics.RecordS3Operation("head_object", time.Since(start), false)
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", hash, err)
	}
	metrics.RecordS3Operation("head_object", time.Since(start), true)
	return true, nil
}

// Fetch reads the whole object a contenthash URL names.
func (t *Transport) Fetch(ctx context.Context, u *url.URL, _ transport.FetchOptions) ([]byte, error) {
	hash, err := contenthash.Hash(u)
	if err != nil {
		return nil, err
	}
	body, err := t.getObject(ctx, hash, transport.Range{})
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// Store uploads data under its hash unless it is already there.
func (t *Transport) Store(ctx context.Context, data []byte) (string, error) {
	hash := contenthash.Sum(data)
	ok, err := t.exists(ctx, hash)
	if err != nil {
		return "", err
	}
	if ok {
		return contenthash.URL(hash), nil
	}

	client, err := t.api()
	if err != nil {
		return "", err
	}
	start := time.Now()
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.cfg.Bucket),
		Key:           aws.String(t.key(hash)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		metrics.RecordS3Operation("put_object", time.Since(start), false)
		return "", fmt.Errorf("put object %s: %w", hash, err)
	}
	metrics.RecordS3Operation("put_object", time.Since(start), true)
	logging.Debug("S3 put object", logging.Transport(t.Name()), zap.String("hash", hash), zap.Int("size", len(data)))
	return contenthash.URL(hash), nil
}

// CreateReadStream checks the object exists and returns a factory issuing
// ranged GETs.
func (t *Transport) CreateReadStream(ctx context.Context, u *url.URL) (transport.StreamFactory, error) {
	hash, err := contenthash.Hash(u)
	if err != nil {
		return nil, err
	}
	ok, err := t.exists(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("object %s: %w", hash, os.ErrNotExist)
	}
	return func(ctx context.Context, r transport.Range) (io.ReadCloser, error) {
		return t.getObject(ctx, hash, r)
	}, nil
}

// Seed uploads the file at req.Path, or checks that the contenthash URLs in
// req are already held.
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
		ok, err := t.exists(ctx, hash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("seed %s: %w", hash, os.ErrNotExist)
		}
	}
	return nil
}
