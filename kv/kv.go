// Package kv is a thin key-value façade over a tabular.Repository, built
// on the shape of RedisRepository's cache helpers
// (db/repository/redis.go SetCache/GetCache) but backend-agnostic: any
// tabular.Repository with a {key, value} schema and primary key [key] can
// back a Store.
package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"eve.evalgo.org/fingerprint"
	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
)

// Schema returns the canonical {key, value} schema a KV Store expects its
// backing tabular.Repository to use.
func Schema() *schema.Schema {
	return &schema.Schema{
		Name: "kv",
		Fields: []schema.Field{
			{Name: "key", Type: schema.String},
			{Name: "value", Type: schema.String},
		},
	}
}

// PrimaryKey is the primary-key field list a KV backing repository must
// declare.
func PrimaryKey() schema.PrimaryKey { return schema.PrimaryKey{"key"} }

// Store is a key-value repository backed by a tabular.Repository.
type Store struct {
	repo tabular.Repository
}

// New wraps repo as a KV store. repo's schema is expected to satisfy
// Schema()/PrimaryKey(), though this is not enforced so callers can layer a
// tabular.Prefixed wrapper underneath for multi-tenant KV namespaces.
func New(repo tabular.Repository) *Store {
	return &Store{repo: repo}
}

func (s *Store) SetupDatabase(ctx context.Context) error {
	return s.repo.SetupDatabase(ctx)
}

// Put stores value under key, JSON-serializing it first.
func (s *Store) Put(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for key %q: %w", key, err)
	}
	return s.repo.Put(ctx, schema.Row{"key": key, "value": string(data)})
}

// PutBulk stores every entry in values.
func (s *Store) PutBulk(ctx context.Context, values map[string]interface{}) error {
	rows := make([]schema.Row, 0, len(values))
	for key, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal value for key %q: %w", key, err)
		}
		rows = append(rows, schema.Row{"key": key, "value": string(data)})
	}
	return s.repo.PutBulk(ctx, rows)
}

// Get deserializes the value stored under key into out (a pointer), and
// reports whether the key exists.
func (s *Store) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	row, found, err := s.repo.Get(ctx, []interface{}{key})
	if err != nil || !found {
		return false, err
	}
	raw, _ := row["value"].(string)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("unmarshal value for key %q: %w", key, err)
	}
	return true, nil
}

// GetRaw returns the value stored under key as a generic interface{},
// without requiring the caller to know its shape ahead of time.
func (s *Store) GetRaw(ctx context.Context, key string) (interface{}, bool, error) {
	var out interface{}
	found, err := s.Get(ctx, key, &out)
	return out, found, err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.repo.DeleteByKey(ctx, []interface{}{key})
}

func (s *Store) DeleteAll(ctx context.Context) error {
	return s.repo.DeleteAll(ctx)
}

// GetAll returns every stored key deserialized into a map of raw values.
func (s *Store) GetAll(ctx context.Context, limit int) (map[string]interface{}, error) {
	rows, err := s.repo.GetAll(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(rows))
	for _, row := range rows {
		key, _ := row["key"].(string)
		raw, _ := row["value"].(string)
		var value interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			continue
		}
		out[key] = value
	}
	return out, nil
}

func (s *Store) Size(ctx context.Context) (int, error) {
	return s.repo.Size(ctx)
}

// GetObjectAsIDString returns a stable fingerprint for obj, the canonical
// key-derivation used by the output cache and by job deduplication.
func GetObjectAsIDString(obj interface{}) (string, error) {
	return fingerprint.Stable(obj)
}
