// Package pgtable provides signed append-only lists and key-value tables on
// PostgreSQL, with change monitors over LISTEN/NOTIFY.
package pgtable

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// Scheme is the URL scheme served by this transport.
const Scheme = "pgtable"

//go:embed schema.sql
var schema string

// ErrReadOnly is returned for writes through a URL without its write key.
var ErrReadOnly = errors.New("url is read-only")

// Config is the JSON config of a pgtable transport.
type Config struct {
	DatabaseURL string `json:"database_url"`
	Channel     string `json:"channel"`
}

// Transport keeps lists and tables in PostgreSQL.
type Transport struct {
	*transport.Base
	cfg Config

	mu       sync.RWMutex
	db       *sql.DB
	listener *pq.Listener
	watchers map[string][]*watcher
}

var operations = []transport.Operation{
	transport.OpAdd,
	transport.OpList,
	transport.OpReverse,
	transport.OpListMonitor,
	transport.OpNewListURLs,
	transport.OpGet,
	transport.OpSet,
	transport.OpDelete,
	transport.OpKeys,
	transport.OpGetAll,
	transport.OpNewDatabase,
	transport.OpNewTable,
	transport.OpConnection,
	transport.OpMonitor,
}

// New creates a pgtable transport. The database is opened by Connect.
func New(name string, cfg Config) (*Transport, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = "dweb_changes"
	}
	return &Transport{
		Base:     transport.NewBase(name, []string{Scheme}, operations, nil),
		cfg:      cfg,
		watchers: make(map[string][]*watcher),
	}, nil
}

// NewFromJSON creates a pgtable transport from raw JSON config.
func NewFromJSON(name string, raw json.RawMessage) (*Transport, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse pgtable config: %w", err)
	}
	return New(name, cfg)
}

// Connect opens the database, pings it and applies the schema.
func (t *Transport) Connect(ctx context.Context) error {
	db, err := sql.Open("postgres", t.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("apply schema: %w", err)
	}

	t.mu.Lock()
	t.db = db
	t.mu.Unlock()
	return nil
}

// Connect2 starts listening for change notifications.
func (t *Transport) Connect2(context.Context) error {
	listener := pq.NewListener(t.cfg.DatabaseURL, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Warn("pgtable listener event", logging.Transport(t.Name()), zap.Error(err))
		}
	})
	if err := listener.Listen(t.cfg.Channel); err != nil {
		listener.Close()
		return fmt.Errorf("listen %s: %w", t.cfg.Channel, err)
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	go t.dispatchNotifications(listener)
	return nil
}

// Disconnect stops the listener and closes the database.
func (t *Transport) Disconnect(context.Context) error {
	t.mu.Lock()
	listener, db := t.listener, t.db
	t.listener, t.db = nil, nil
	t.mu.Unlock()

	var err error
	if listener != nil {
		err = multierr.Append(err, listener.Close())
	}
	if db != nil {
		err = multierr.Append(err, db.Close())
	}
	return err
}

func (t *Transport) conn() (*sql.DB, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.db == nil {
		return nil, fmt.Errorf("%s: not connected", t.Name())
	}
	return t.db, nil
}

// Conn is the handle returned by Connection.
type Conn struct {
	DB      *sql.DB
	Kind    string
	ID      string
	Channel string
}

// Connection returns the database handle and the object u names.
func (t *Transport) Connection(_ context.Context, u *url.URL) (any, error) {
	ref, err := parseRef(u)
	if err != nil {
		return nil, err
	}
	db, err := t.conn()
	if err != nil {
		return nil, err
	}
	return &Conn{DB: db, Kind: ref.kind, ID: ref.id, Channel: t.cfg.Channel}, nil
}

const (
	kindList  = "list"
	kindDB    = "db"
	kindTable = "table"
)

// ref is what a pgtable URL points at. Private URLs carry the write key.
type ref struct {
	kind string
	id   string
	key  string
}

// parseRef reads pgtable:/list/<id>, pgtable:/db/<id> and
// pgtable:/db/<id>/<table>, each optionally with ?key=<write key>.
func parseRef(u *url.URL) (ref, error) {
	if u == nil || u.Scheme != Scheme {
		return ref{}, transport.Codingf("not a %s url: %v", Scheme, u)
	}
	// Table names may hold an escaped "/", so split before unescaping.
	parts := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	for i, p := range parts {
		seg, err := url.PathUnescape(p)
		if err != nil {
			return ref{}, transport.Codingf("malformed %s url %q: %v", Scheme, u.String(), err)
		}
		parts[i] = seg
	}
	key := u.Query().Get("key")
	switch {
	case len(parts) == 2 && parts[0] == kindList && parts[1] != "":
		return ref{kind: kindList, id: parts[1], key: key}, nil
	case len(parts) == 2 && parts[0] == kindDB && parts[1] != "":
		return ref{kind: kindDB, id: parts[1], key: key}, nil
	case len(parts) == 3 && parts[0] == kindDB && parts[1] != "" && parts[2] != "":
		return ref{kind: kindTable, id: parts[1] + "/" + parts[2], key: key}, nil
	}
	return ref{}, transport.Codingf("malformed %s url %q", Scheme, u.String())
}

// owner returns the id of the list or database that holds the write key.
func (r ref) owner() string {
	if r.kind == kindTable {
		return r.id[:strings.IndexByte(r.id, '/')]
	}
	return r.id
}

func (r ref) want(kind string) error {
	if r.kind != kind {
		return transport.Codingf("%s url used where a %s url is needed", r.kind, kind)
	}
	return nil
}

func publicURL(kind, id string) string {
	return Scheme + ":/" + kind + "/" + id
}

func privateURL(kind, id, secret string) string {
	return publicURL(kind, id) + "?key=" + url.QueryEscape(secret)
}

// authorize checks the write key of r against the stored secret.
func (t *Transport) authorize(ctx context.Context, db *sql.DB, r ref) error {
	if r.key == "" {
		return ErrReadOnly
	}
	var secret string
	err := db.QueryRowContext(ctx, `SELECT secret FROM dweb_owners WHERE id = $1`, r.owner()).Scan(&secret)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s %s does not exist", r.kind, r.owner())
	}
	if err != nil {
		return fmt.Errorf("look up owner: %w", err)
	}
	if secret != r.key {
		return ErrReadOnly
	}
	return nil
}

// create registers a new list or database for owner.
func (t *Transport) create(ctx context.Context, kind, owner string) (string, string, error) {
	db, err := t.conn()
	if err != nil {
		return "", "", err
	}
	id := uuid.NewString()
	secret := uuid.NewString()
	_, err = db.ExecContext(ctx,
		`INSERT INTO dweb_owners (id, kind, owner, secret) VALUES ($1, $2, $3, $4)`,
		id, kind, owner, secret)
	if err != nil {
		return "", "", fmt.Errorf("create %s: %w", kind, err)
	}
	return id, secret, nil
}

// NewListURLs creates an empty list owned by owner.
func (t *Transport) NewListURLs(ctx context.Context, owner string) (transport.URLPair, error) {
	id, secret, err := t.create(ctx, kindList, owner)
	if err != nil {
		return transport.URLPair{}, err
	}
	return transport.URLPair{Private: privateURL(kindList, id, secret), Public: publicURL(kindList, id)}, nil
}

// Add appends sig to the list. Adding a signature already present is a
// no-op.
func (t *Transport) Add(ctx context.Context, u *url.URL, sig transport.Signature) error {
	r, err := parseRef(u)
	if err != nil {
		return err
	}
	if err := r.want(kindList); err != nil {
		return err
	}
	db, err := t.conn()
	if err != nil {
		return err
	}
	if err := t.authorize(ctx, db, r); err != nil {
		return err
	}
	if sig.Date.IsZero() {
		sig.Date = time.Now().UTC()
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO dweb_list_entries (list_id, signature, signed_by, urls, signed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (list_id, signature) DO NOTHING`,
		r.id, sig.Signature, pq.Array(sig.SignedBy), pq.Array(sig.URLs), sig.Date)
	if err != nil {
		return fmt.Errorf("add to list %s: %w", r.id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.notify(ctx, db, change{Kind: kindList, ID: r.id, Signature: &sig})
	}
	return nil
}

func scanSignatures(rows *sql.Rows) ([]transport.Signature, error) {
	defer rows.Close()
	out := []transport.Signature{}
	for rows.Next() {
		var s transport.Signature
		if err := rows.Scan(&s.Signature, pq.Array(&s.SignedBy), pq.Array(&s.URLs), &s.Date); err != nil {
			return nil, fmt.Errorf("scan signature: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// List returns the entries of a list in insertion order.
func (t *Transport) List(ctx context.Context, u *url.URL) ([]transport.Signature, error) {
	r, err := parseRef(u)
	if err != nil {
		return nil, err
	}
	if err := r.want(kindList); err != nil {
		return nil, err
	}
	db, err := t.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT signature, signed_by, urls, signed_at FROM dweb_list_entries
		 WHERE list_id = $1 ORDER BY id`, r.id)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.id, err)
	}
	return scanSignatures(rows)
}

// Reverse returns the entries, from any list, that point at the list u.
func (t *Transport) Reverse(ctx context.Context, u *url.URL) ([]transport.Signature, error) {
	r, err := parseRef(u)
	if err != nil {
		return nil, err
	}
	if err := r.want(kindList); err != nil {
		return nil, err
	}
	db, err := t.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT signature, signed_by, urls, signed_at FROM dweb_list_entries
		 WHERE $1 = ANY(urls) ORDER BY id`, publicURL(kindList, r.id))
	if err != nil {
		return nil, fmt.Errorf("reverse %s: %w", r.id, err)
	}
	return scanSignatures(rows)
}

// ListMonitor calls cb for every entry added to the list until ctx is done.
func (t *Transport) ListMonitor(ctx context.Context, u *url.URL, cb func(transport.Signature)) error {
	r, err := parseRef(u)
	if err != nil {
		return err
	}
	if err := r.want(kindList); err != nil {
		return err
	}
	return t.watch(ctx, kindList+":"+r.id, func(c change) {
		if c.Signature != nil {
			cb(*c.Signature)
		}
	})
}
