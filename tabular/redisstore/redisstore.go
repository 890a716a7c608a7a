// Package redisstore is the Redis-backed tabular backend, built on the same
// layout as db/repository/redis.go's RedisRepository: rows of a schema live
// in one Redis hash (HSET field=primary-key-string, value=JSON row), and
// change notifications ride the same client's Pub/Sub used there for cache
// invalidation.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
)

// Store is a Redis-backed tabular.Repository.
type Store struct {
	client  *redis.Client
	hashKey string
	chanKey string
	sch     *schema.Schema
	pk      schema.PrimaryKey
}

// Open parses url (a redis:// connection string, the same format
// RedisRepository accepts) and returns a Store for sch.
func Open(url string, sch *schema.Schema, pk schema.PrimaryKey) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{
		client:  client,
		hashKey: "tabular:" + sch.Name,
		chanKey: "tabular:" + sch.Name + ":changes",
		sch:     sch,
		pk:      pk,
	}, nil
}

func (s *Store) Schema() *schema.Schema        { return s.sch }
func (s *Store) PrimaryKey() schema.PrimaryKey { return s.pk }

// SetupDatabase is a no-op: Redis hashes spring into existence on first
// write, nothing to provision ahead of time.
func (s *Store) SetupDatabase(ctx context.Context) error { return nil }

func (s *Store) publish(ctx context.Context, c tabular.Change) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	s.client.Publish(ctx, s.chanKey, data)
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

	old, found, err := s.Get(ctx, kv)
	if err != nil {
		return err
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	if err := s.client.HSet(ctx, s.hashKey, key, data).Err(); err != nil {
		return err
	}

	if found {
		s.publish(ctx, tabular.Change{Kind: tabular.Update, Old: old, New: row})
	} else {
		s.publish(ctx, tabular.Change{Kind: tabular.Insert, New: row})
	}
	return nil
}

func (s *Store) PutBulk(ctx context.Context, rows []schema.Row) error {
	for _, r := range rows {
		if err := s.Put(ctx, r); err != nil {
			return fmt.Errorf("bulk put failed partway through: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, keyValues []interface{}) (schema.Row, bool, error) {
	key := schema.KeyString(keyValues)
	data, err := s.client.HGet(ctx, s.hashKey, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var row schema.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, false, fmt.Errorf("unmarshal row: %w", err)
	}
	return row, true, nil
}

func (s *Store) all(ctx context.Context) ([]schema.Row, error) {
	values, err := s.client.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]schema.Row, 0, len(values))
	for _, raw := range values {
		var row schema.Row
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *Store) Search(ctx context.Context, field string, value interface{}, op tabular.Op) ([]schema.Row, error) {
	rows, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	return tabular.FilterRows(rows, field, value, op), nil
}

func (s *Store) DeleteByKey(ctx context.Context, keyValues []interface{}) error {
	old, found, err := s.Get(ctx, keyValues)
	if err != nil || !found {
		return err
	}
	key := schema.KeyString(keyValues)
	if err := s.client.HDel(ctx, s.hashKey, key).Err(); err != nil {
		return err
	}
	s.publish(ctx, tabular.Change{Kind: tabular.Delete, Old: old})
	return nil
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
	rows, err := s.all(ctx)
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
	rows, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *Store) Size(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.hashKey).Result()
	return int(n), err
}

// SubscribeToChanges rides the client's native Pub/Sub rather than polling,
// the same pattern as RedisRepository.Subscribe.
func (s *Store) SubscribeToChanges(ctx context.Context, cb func(tabular.Change), opts tabular.SubscribeOptions) (tabular.Unsubscribe, error) {
	pubsub := s.client.Subscribe(ctx, s.chanKey)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", s.chanKey, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok || msg == nil {
					return
				}
				var c tabular.Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					continue
				}
				row := c.New
				if row == nil {
					row = c.Old
				}
				if !passesFilter(row, opts.PrefixFilter) {
					continue
				}
				cb(c)
			}
		}
	}()

	return func() { cancel() }, nil
}

func passesFilter(row schema.Row, filter schema.Row) bool {
	for k, v := range filter {
		if rv, ok := row[k]; !ok || rv != v {
			return false
		}
	}
	return true
}

// Close closes the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }

var _ tabular.Repository = (*Store)(nil)
