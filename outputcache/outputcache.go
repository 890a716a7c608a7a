// Package outputcache implements the task output cache: a
// fingerprint-keyed store over any tabular.Repository, with optional
// Brotli compression and singleflight collapsing of concurrent lookups for
// the same key. Built on the same thin-wrapper-over-tabular shape as
// kv.Store, generalized from a {key,value} schema onto the cache's
// {key,taskType,value,createdAt} schema and composite primary key.
package outputcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/sync/singleflight"

	"eve.evalgo.org/fingerprint"
	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
)

// Schema is the tabular schema backing the output cache.
func Schema() *schema.Schema {
	return &schema.Schema{
		Name: "output_cache",
		Fields: []schema.Field{
			{Name: "key", Type: schema.String},
			{Name: "taskType", Type: schema.String},
			{Name: "value", Type: schema.Binary},
			{Name: "createdAt", Type: schema.Timestamp},
		},
	}
}

// PrimaryKey is the cache's composite primary key.
func PrimaryKey() schema.PrimaryKey { return schema.PrimaryKey{"key", "taskType"} }

// Cache is the output cache façade.
type Cache struct {
	repo     tabular.Repository
	compress bool
	group    singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithCompression toggles Brotli compression of stored values. Brotli is
// the default, with compression configurable.
func WithCompression(enabled bool) Option {
	return func(c *Cache) { c.compress = enabled }
}

// New returns a Cache backed by repo, which must use Schema()/PrimaryKey().
func New(repo tabular.Repository, opts ...Option) *Cache {
	c := &Cache{repo: repo, compress: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) SetupDatabase(ctx context.Context) error {
	return c.repo.SetupDatabase(ctx)
}

// SaveOutput computes key = fingerprint(input), serializes output to JSON,
// optionally Brotli-compresses it, and upserts the row.
func (c *Cache) SaveOutput(ctx context.Context, taskType string, input, output interface{}) error {
	key, err := fingerprint.Stable(input)
	if err != nil {
		return fmt.Errorf("fingerprint cache input: %w", err)
	}

	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal cache output: %w", err)
	}
	if c.compress {
		data, err = compress(data)
		if err != nil {
			return fmt.Errorf("compress cache output: %w", err)
		}
	}

	return c.repo.Put(ctx, schema.Row{
		"key":       key,
		"taskType":  taskType,
		"value":     data,
		"createdAt": time.Now(),
	})
}

// GetOutput looks up the cached output for (taskType, input), decompressing
// and unmarshaling into out. Concurrent lookups for the same
// (taskType, input) are collapsed via singleflight so a cache stampede
// doesn't hit the backing repository N times.
func (c *Cache) GetOutput(ctx context.Context, taskType string, input interface{}, out interface{}) (bool, error) {
	key, err := fingerprint.Stable(input)
	if err != nil {
		return false, fmt.Errorf("fingerprint cache input: %w", err)
	}

	type result struct {
		data  []byte
		found bool
	}
	sfKey := taskType + "\x00" + key
	v, err, _ := c.group.Do(sfKey, func() (interface{}, error) {
		row, found, err := c.repo.Get(ctx, []interface{}{key, taskType})
		if err != nil || !found {
			return result{found: false}, err
		}
		data, _ := row["value"].([]byte)
		if c.compress {
			data, err = decompress(data)
			if err != nil {
				return result{}, fmt.Errorf("decompress cache value: %w", err)
			}
		}
		return result{data: data, found: true}, nil
	})
	if err != nil {
		return false, err
	}
	res := v.(result)
	if !res.found {
		return false, nil
	}
	if err := json.Unmarshal(res.data, out); err != nil {
		return false, fmt.Errorf("unmarshal cache value: %w", err)
	}
	return true, nil
}

// ClearOlderThan deletes every entry whose createdAt is before threshold.
func (c *Cache) ClearOlderThan(ctx context.Context, threshold time.Time) error {
	return c.repo.DeleteSearch(ctx, "createdAt", threshold, tabular.Lt)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}
