// Package memstore is the in-memory tabular backend. It is the reference
// implementation other backends are tested against, and
// the default storage for unit tests that don't need persistence.
package memstore

import (
	"context"
	"sync"

	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
)

// Store is an in-memory tabular.Repository.
type Store struct {
	mu     sync.RWMutex
	sch    *schema.Schema
	pk     schema.PrimaryKey
	rows   map[string]schema.Row
	subs   []subscription
	nextID int
}

type subscription struct {
	id int
	cb func(tabular.Change)
}

// New creates an in-memory store for sch, keyed by pk.
func New(sch *schema.Schema, pk schema.PrimaryKey) *Store {
	return &Store{
		sch:  sch,
		pk:   pk,
		rows: make(map[string]schema.Row),
	}
}

func (s *Store) Schema() *schema.Schema        { return s.sch }
func (s *Store) PrimaryKey() schema.PrimaryKey { return s.pk }

// SetupDatabase is a no-op for the in-memory backend: there is no
// persistent schema to create.
func (s *Store) SetupDatabase(ctx context.Context) error { return nil }

func (s *Store) keyFor(row schema.Row) (string, error) {
	kv, err := s.pk.Extract(row)
	if err != nil {
		return "", err
	}
	return schema.KeyString(kv), nil
}

func (s *Store) notify(kind tabular.ChangeKind, old, new schema.Row) {
	s.mu.RLock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()
	for _, sub := range subs {
		sub.cb(tabular.Change{Kind: kind, Old: old, New: new})
	}
}

func (s *Store) Put(ctx context.Context, row schema.Row) error {
	if err := s.sch.Validate(row); err != nil {
		return err
	}
	key, err := s.keyFor(row)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old, existed := s.rows[key]
	s.rows[key] = row.Clone()
	s.mu.Unlock()

	if existed {
		s.notify(tabular.Update, old, row)
	} else {
		s.notify(tabular.Insert, nil, row)
	}
	return nil
}

func (s *Store) PutBulk(ctx context.Context, rows []schema.Row) error {
	for _, r := range rows {
		if err := s.sch.Validate(r); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := s.Put(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, keyValues []interface{}) (schema.Row, bool, error) {
	key := schema.KeyString(keyValues)
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[key]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

func (s *Store) all() []schema.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Row, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r.Clone())
	}
	return out
}

func (s *Store) Search(ctx context.Context, field string, value interface{}, op tabular.Op) ([]schema.Row, error) {
	return tabular.FilterRows(s.all(), field, value, op), nil
}

func (s *Store) DeleteByKey(ctx context.Context, keyValues []interface{}) error {
	key := schema.KeyString(keyValues)
	s.mu.Lock()
	old, ok := s.rows[key]
	if ok {
		delete(s.rows, key)
	}
	s.mu.Unlock()
	if ok {
		s.notify(tabular.Delete, old, nil)
	}
	return nil
}

func (s *Store) DeleteSearch(ctx context.Context, field string, value interface{}, op tabular.Op) error {
	rows, _ := s.Search(ctx, field, value, op)
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
	for _, r := range s.all() {
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
	rows := s.all()
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *Store) Size(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

// SubscribeToChanges delivers notifications natively (no polling needed for
// an in-memory backend).
func (s *Store) SubscribeToChanges(ctx context.Context, cb func(tabular.Change), opts tabular.SubscribeOptions) (tabular.Unsubscribe, error) {
	wrapped := cb
	if len(opts.PrefixFilter) > 0 {
		wrapped = func(c tabular.Change) {
			row := c.New
			if row == nil {
				row = c.Old
			}
			for k, v := range opts.PrefixFilter {
				if rv, ok := row[k]; !ok || rv != v {
					return
				}
			}
			cb(c)
		}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, cb: wrapped})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}, nil
}

var _ tabular.Repository = (*Store)(nil)
