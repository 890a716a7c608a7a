// Package couchstore is the CouchDB-backed tabular backend, built on the
// same layout as semantic/runtime's RuntimeRepository: documents keyed by
// the primary-key string, _rev tracked and resent on every update so
// concurrent writers don't silently clobber each other.
package couchstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
)

// Store is a CouchDB-backed tabular.Repository.
type Store struct {
	client *kivik.Client
	db     *kivik.DB
	sch    *schema.Schema
	pk     schema.PrimaryKey
}

// Open connects to url, authenticating with user/password if given, and
// returns a Store for sch backed by a database named after sch.Name.
func Open(ctx context.Context, url, user, password string, sch *schema.Schema, pk schema.PrimaryKey) (*Store, error) {
	connectionURL := url
	if user != "" && password != "" && !strings.Contains(connectionURL, "@") {
		parts := strings.SplitN(connectionURL, "://", 2)
		if len(parts) == 2 {
			connectionURL = fmt.Sprintf("%s://%s:%s@%s", parts[0], user, password, parts[1])
		}
	}

	client, err := kivik.New("couch", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("create couchdb client: %w", err)
	}

	s := &Store{client: client, sch: sch, pk: pk}
	if err := s.SetupDatabase(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Schema() *schema.Schema        { return s.sch }
func (s *Store) PrimaryKey() schema.PrimaryKey { return s.pk }

// SetupDatabase creates the backing database if it doesn't already exist.
func (s *Store) SetupDatabase(ctx context.Context) error {
	db := s.client.DB(s.sch.Name)
	if err := db.Err(); err != nil {
		if err := s.client.CreateDB(ctx, s.sch.Name); err != nil {
			return fmt.Errorf("create database %s: %w", s.sch.Name, err)
		}
		db = s.client.DB(s.sch.Name)
	}
	s.db = db
	return nil
}

func (s *Store) revisionOf(ctx context.Context, docID string) (string, bool) {
	var existing map[string]interface{}
	if err := s.db.Get(ctx, docID).ScanDoc(&existing); err != nil {
		return "", false
	}
	rev, ok := existing["_rev"].(string)
	return rev, ok
}

func (s *Store) Put(ctx context.Context, row schema.Row) error {
	if err := s.sch.Validate(row); err != nil {
		return err
	}
	kv, err := s.pk.Extract(row)
	if err != nil {
		return err
	}
	docID := schema.KeyString(kv)

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	var docMap map[string]interface{}
	if err := json.Unmarshal(data, &docMap); err != nil {
		return fmt.Errorf("unmarshal to doc map: %w", err)
	}
	docMap["_id"] = docID
	if rev, ok := s.revisionOf(ctx, docID); ok {
		docMap["_rev"] = rev
	}

	_, err = s.db.Put(ctx, docID, docMap)
	if err != nil {
		return fmt.Errorf("put document %s: %w", docID, err)
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
	docID := schema.KeyString(keyValues)
	var docMap map[string]interface{}
	if err := s.db.Get(ctx, docID).ScanDoc(&docMap); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get document %s: %w", docID, err)
	}
	return toRow(docMap), true, nil
}

func toRow(docMap map[string]interface{}) schema.Row {
	delete(docMap, "_id")
	delete(docMap, "_rev")
	return schema.Row(docMap)
}

func (s *Store) all(ctx context.Context) ([]schema.Row, error) {
	rows := s.db.AllDocs(ctx, kivik.Param("include_docs", true))
	defer rows.Close()

	var out []schema.Row
	for rows.Next() {
		var docMap map[string]interface{}
		if err := rows.ScanDoc(&docMap); err != nil {
			continue
		}
		if id, _ := docMap["_id"].(string); strings.HasPrefix(id, "_design/") {
			continue
		}
		out = append(out, toRow(docMap))
	}
	return out, rows.Err()
}

func (s *Store) Search(ctx context.Context, field string, value interface{}, op tabular.Op) ([]schema.Row, error) {
	rows, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	return tabular.FilterRows(rows, field, value, op), nil
}

func (s *Store) DeleteByKey(ctx context.Context, keyValues []interface{}) error {
	docID := schema.KeyString(keyValues)
	rev, ok := s.revisionOf(ctx, docID)
	if !ok {
		return nil
	}
	_, err := s.db.Delete(ctx, docID, rev)
	return err
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
	params := []kivik.Option{kivik.Param("include_docs", true)}
	if limit > 0 {
		params = append(params, kivik.Param("limit", limit))
	}
	rows := s.db.AllDocs(ctx, params...)
	defer rows.Close()

	var out []schema.Row
	for rows.Next() {
		var docMap map[string]interface{}
		if err := rows.ScanDoc(&docMap); err != nil {
			continue
		}
		if id, _ := docMap["_id"].(string); strings.HasPrefix(id, "_design/") {
			continue
		}
		out = append(out, toRow(docMap))
	}
	return out, rows.Err()
}

func (s *Store) Size(ctx context.Context) (int, error) {
	rows, err := s.all(ctx)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// SubscribeToChanges polls AllDocs, since wiring CouchDB's native _changes
// feed through kivik's iterator API is a larger lift than this backend's
// usage in the engine (occasional prefix-scoped dashboards) justifies.
func (s *Store) SubscribeToChanges(ctx context.Context, cb func(tabular.Change), opts tabular.SubscribeOptions) (tabular.Unsubscribe, error) {
	return tabular.PollForChanges(ctx, s, s.pk, cb, opts)
}

// Close closes the CouchDB client.
func (s *Store) Close() error { return s.client.Close() }

var _ tabular.Repository = (*Store)(nil)
