package pgtable

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// NewDatabase creates an empty key-value database owned by owner.
func (t *Transport) NewDatabase(ctx context.Context, owner string) (transport.URLPair, error) {
	id, secret, err := t.create(ctx, kindDB, owner)
	if err != nil {
		return transport.URLPair{}, err
	}
	return transport.URLPair{Private: privateURL(kindDB, id, secret), Public: publicURL(kindDB, id)}, nil
}

// NewTable returns the URLs of table inside the owner's database, creating
// the database on first use.
func (t *Transport) NewTable(ctx context.Context, owner, table string) (transport.URLPair, error) {
	db, err := t.conn()
	if err != nil {
		return transport.URLPair{}, err
	}
	var id, secret string
	err = db.QueryRowContext(ctx,
		`SELECT id, secret FROM dweb_owners WHERE owner = $1 AND kind = $2
		 ORDER BY created_at LIMIT 1`, owner, kindDB).Scan(&id, &secret)
	if err == sql.ErrNoRows {
		id, secret, err = t.create(ctx, kindDB, owner)
	}
	if err != nil {
		return transport.URLPair{}, fmt.Errorf("database for %s: %w", owner, err)
	}
	return tableURLs(id, secret, table), nil
}

func tableURLs(id, secret, table string) transport.URLPair {
	pub := publicURL(kindDB, id) + "/" + url.PathEscape(table)
	return transport.URLPair{Private: pub + "?key=" + url.QueryEscape(secret), Public: pub}
}

func (t *Transport) tableRef(u *url.URL) (ref, *sql.DB, error) {
	r, err := parseRef(u)
	if err != nil {
		return ref{}, nil, err
	}
	if err := r.want(kindTable); err != nil {
		return ref{}, nil, err
	}
	db, err := t.conn()
	if err != nil {
		return ref{}, nil, err
	}
	return r, db, nil
}

// Get returns the values of keys. Missing keys are absent from the result.
func (t *Transport) Get(ctx context.Context, u *url.URL, keys []string) (map[string]json.RawMessage, error) {
	r, db, err := t.tableRef(u)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT key, value FROM dweb_kv WHERE table_id = $1 AND key = ANY($2)`,
		r.id, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("get from %s: %w", r.id, err)
	}
	return scanValues(rows)
}

// GetAll returns every key and value of the table.
func (t *Transport) GetAll(ctx context.Context, u *url.URL) (map[string]json.RawMessage, error) {
	r, db, err := t.tableRef(u)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT key, value FROM dweb_kv WHERE table_id = $1`, r.id)
	if err != nil {
		return nil, fmt.Errorf("get all from %s: %w", r.id, err)
	}
	return scanValues(rows)
}

func scanValues(rows *sql.Rows) (map[string]json.RawMessage, error) {
	defer rows.Close()
	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

// Keys lists the keys of the table in order.
func (t *Transport) Keys(ctx context.Context, u *url.URL) ([]string, error) {
	r, db, err := t.tableRef(u)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT key FROM dweb_kv WHERE table_id = $1 ORDER BY key`, r.id)
	if err != nil {
		return nil, fmt.Errorf("keys of %s: %w", r.id, err)
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Set upserts values in one transaction.
func (t *Transport) Set(ctx context.Context, u *url.URL, values map[string]json.RawMessage) error {
	r, db, err := t.tableRef(u)
	if err != nil {
		return err
	}
	if err := t.authorize(ctx, db, r); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for k, v := range values {
		if !json.Valid(v) {
			return transport.Codingf("value for %q is not valid JSON", k)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dweb_kv (table_id, key, value, updated_at) VALUES ($1, $2, $3, now())
			 ON CONFLICT (table_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			r.id, k, []byte(v))
		if err != nil {
			return fmt.Errorf("set %s in %s: %w", k, r.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for k, v := range values {
		t.notify(ctx, db, change{Kind: kindTable, ID: r.id, Type: "set", Key: k, Value: v})
	}
	return nil
}

// Delete removes keys from the table.
func (t *Transport) Delete(ctx context.Context, u *url.URL, keys []string) error {
	r, db, err := t.tableRef(u)
	if err != nil {
		return err
	}
	if err := t.authorize(ctx, db, r); err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx,
		`DELETE FROM dweb_kv WHERE table_id = $1 AND key = ANY($2) RETURNING key`,
		r.id, pq.Array(keys))
	if err != nil {
		return fmt.Errorf("delete from %s: %w", r.id, err)
	}
	var deleted []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return fmt.Errorf("scan key: %w", err)
		}
		deleted = append(deleted, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, k := range deleted {
		t.notify(ctx, db, change{Kind: kindTable, ID: r.id, Type: "delete", Key: k})
	}
	return nil
}

// Monitor calls cb for every set or delete on the table until ctx is done.
func (t *Transport) Monitor(ctx context.Context, u *url.URL, cb func(transport.KeyChange)) error {
	r, err := parseRef(u)
	if err != nil {
		return err
	}
	if err := r.want(kindTable); err != nil {
		return err
	}
	return t.watch(ctx, kindTable+":"+r.id, func(c change) {
		cb(transport.KeyChange{Type: c.Type, Key: c.Key, Value: c.Value})
	})
}

// change is the NOTIFY payload.
type change struct {
	Kind      string               `json:"kind"`
	ID        string               `json:"id"`
	Type      string               `json:"type,omitempty"`
	Key       string               `json:"key,omitempty"`
	Value     json.RawMessage      `json:"value,omitempty"`
	Signature *transport.Signature `json:"signature,omitempty"`
}

func (c change) topic() string { return c.Kind + ":" + c.ID }

// notify publishes c. A lost notification only delays monitors, so errors
// are logged.
func (t *Transport) notify(ctx context.Context, db *sql.DB, c change) {
	payload, err := json.Marshal(c)
	if err != nil {
		logging.Warn("encode change", logging.Transport(t.Name()), zap.Error(err))
		return
	}
	if _, err := db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, t.cfg.Channel, string(payload)); err != nil {
		logging.Warn("notify change",
			logging.Transport(t.Name()),
			zap.String("topic", c.topic()),
			zap.Error(err),
		)
	}
}

type watcher struct {
	fn func(change)
}

// watch registers fn for topic and removes it when ctx is done.
func (t *Transport) watch(ctx context.Context, topic string, fn func(change)) error {
	t.mu.Lock()
	if t.listener == nil {
		t.mu.Unlock()
		return fmt.Errorf("%s: change listener not running", t.Name())
	}
	w := &watcher{fn: fn}
	t.watchers[topic] = append(t.watchers[topic], w)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		defer t.mu.Unlock()
		ws := t.watchers[topic]
		for i, x := range ws {
			if x == w {
				t.watchers[topic] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(t.watchers[topic]) == 0 {
			delete(t.watchers, topic)
		}
	}()
	return nil
}

// dispatchNotifications feeds listener notifications to watchers until the
// listener is closed.
func (t *Transport) dispatchNotifications(l *pq.Listener) {
	for n := range l.Notify {
		if n == nil {
			// Reconnected; changes during the gap are lost.
			continue
		}
		var c change
		if err := json.Unmarshal([]byte(n.Extra), &c); err != nil {
			logging.Debug("ignoring malformed change", logging.Transport(t.Name()), zap.Error(err))
			continue
		}
		t.deliver(c)
	}
}

func (t *Transport) deliver(c change) {
	t.mu.RLock()
	ws := make([]*watcher, len(t.watchers[c.topic()]))
	copy(ws, t.watchers[c.topic()])
	t.mu.RUnlock()
	for _, w := range ws {
		w.fn(c)
	}
}
