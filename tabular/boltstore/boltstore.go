// Package boltstore is the embedded-SQL-like tabular backend, built on the
// same one-bucket-per-schema layout as db/bolt: one bbolt bucket per schema,
// rows stored as JSON values keyed by their primary-key string.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bboltlib "go.etcd.io/bbolt"

	"eve.evalgo.org/db/bolt"
	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
)

// Store is a bbolt-backed tabular.Repository.
type Store struct {
	db     *bolt.DB
	bucket string
	sch    *schema.Schema
	pk     schema.PrimaryKey

	mu       sync.Mutex
	pollers  []poller
	nextID   int
}

type poller struct {
	id     int
	cancel func()
}

// Open opens (creating if necessary) a bbolt database at path and returns a
// Store for sch within its own bucket.
func Open(path string, sch *schema.Schema, pk schema.PrimaryKey) (*Store, error) {
	db, err := bolt.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, bucket: sch.Name, sch: sch, pk: pk}
	if err := s.SetupDatabase(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Schema() *schema.Schema        { return s.sch }
func (s *Store) PrimaryKey() schema.PrimaryKey { return s.pk }

func (s *Store) SetupDatabase(ctx context.Context) error {
	return s.db.CreateBucket(s.bucket)
}

func (s *Store) Put(ctx context.Context, row schema.Row) error {
	if err := s.sch.Validate(row); err != nil {
		return err
	}
	kv, err := s.pk.Extract(row)
	if err != nil {
		return err
	}
	key := schema.KeyString(kv)
	return s.db.PutJSON(s.bucket, key, row)
}

func (s *Store) PutBulk(ctx context.Context, rows []schema.Row) error {
	for _, r := range rows {
		if err := s.Put(ctx, r); err != nil {
			return fmt.Errorf("bulk put failed partway through: %w", err)
		}
	}
	return nil
}

// Get looks up keyValues directly through the bucket/key pair rather than
// via db.GetJSON, so a missing key (found=false, err=nil) can be told
// apart from a real fault — a missing bucket, or a value that exists but
// fails to unmarshal as JSON — which must propagate as an error instead
// of silently reading back as "not found".
func (s *Store) Get(ctx context.Context, keyValues []interface{}) (schema.Row, bool, error) {
	key := schema.KeyString(keyValues)
	var row schema.Row
	found := false
	err := s.db.View(func(tx *bboltlib.Tx) error {
		b := tx.Bucket([]byte(s.bucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", s.bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, false, fmt.Errorf("get row %q: %w", key, err)
	}
	return row, found, nil
}

func (s *Store) all() ([]schema.Row, error) {
	var rows []schema.Row
	err := s.db.ForEachJSON(s.bucket, func(key string, value interface{}) error {
		if row, ok := value.(*schema.Row); ok {
			rows = append(rows, *row)
		}
		return nil
	}, func() interface{} { return &schema.Row{} })
	return rows, err
}

func (s *Store) Search(ctx context.Context, field string, value interface{}, op tabular.Op) ([]schema.Row, error) {
	rows, err := s.all()
	if err != nil {
		return nil, err
	}
	return tabular.FilterRows(rows, field, value, op), nil
}

func (s *Store) DeleteByKey(ctx context.Context, keyValues []interface{}) error {
	key := schema.KeyString(keyValues)
	return s.db.Delete(s.bucket, key)
}

func (s *Store) DeleteSearch(ctx context.Context, field string, value interface{}, op tabular.Op) error {
	rows, err := s.Search(ctx, field, value, op)
	if err != nil {
		return err
	}
	for _, r := range rows {
		kv, err := s.pk.Extract(r)
		if err != nil {
			return err
		}
		if err := s.DeleteByKey(ctx, kv); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	rows, err := s.all()
	if err != nil {
		return err
	}
	for _, r := range rows {
		kv, err := s.pk.Extract(r)
		if err != nil {
			return err
		}
		if err := s.DeleteByKey(ctx, kv); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetAll(ctx context.Context, limit int) ([]schema.Row, error) {
	rows, err := s.all()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *Store) Size(ctx context.Context) (int, error) {
	rows, err := s.all()
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// SubscribeToChanges polls the bucket at opts.PollingIntervalMs (default
// 1000ms) since bbolt has no native change feed, diffing against the last
// observed snapshot to synthesize INSERT/UPDATE/DELETE.
func (s *Store) SubscribeToChanges(ctx context.Context, cb func(tabular.Change), opts tabular.SubscribeOptions) (tabular.Unsubscribe, error) {
	interval := time.Duration(opts.PollingIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	prev, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				cur, err := s.snapshot()
				if err != nil {
					continue
				}
				s.diff(prev, cur, opts.PrefixFilter, cb)
				prev = cur
			}
		}
	}()

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.pollers = append(s.pollers, poller{id: id, cancel: cancel})
	s.mu.Unlock()

	return func() { cancel() }, nil
}

func (s *Store) snapshot() (map[string]schema.Row, error) {
	rows, err := s.all()
	if err != nil {
		return nil, err
	}
	out := make(map[string]schema.Row, len(rows))
	for _, r := range rows {
		kv, err := s.pk.Extract(r)
		if err != nil {
			continue
		}
		out[schema.KeyString(kv)] = r
	}
	return out, nil
}

func (s *Store) diff(prev, cur map[string]schema.Row, filter schema.Row, cb func(tabular.Change)) {
	for key, newRow := range cur {
		if !passesFilter(newRow, filter) {
			continue
		}
		if oldRow, existed := prev[key]; !existed {
			cb(tabular.Change{Kind: tabular.Insert, New: newRow})
		} else if fmt.Sprint(oldRow) != fmt.Sprint(newRow) {
			cb(tabular.Change{Kind: tabular.Update, Old: oldRow, New: newRow})
		}
	}
	for key, oldRow := range prev {
		if _, stillThere := cur[key]; !stillThere && passesFilter(oldRow, filter) {
			cb(tabular.Change{Kind: tabular.Delete, Old: oldRow})
		}
	}
}

func passesFilter(row schema.Row, filter schema.Row) bool {
	for k, v := range filter {
		if rv, ok := row[k]; !ok || rv != v {
			return false
		}
	}
	return true
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }

var _ tabular.Repository = (*Store)(nil)
