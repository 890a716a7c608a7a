// Package pgstore is the remote-SQL tabular backend, built on a
// db.PostgresDB-style pgx-pool wrapper. Rows are stored as JSONB keyed by the
// primary-key string. SetupDatabase provisions the table with raw DDL;
// gorm.AutoMigrate is used only by the optional AutoMigrateWithGorm, and row
// CRUD stays on raw pgx, mirroring the mixed use of gorm vs pgx across
// db/postgres.go vs db/postgres_pgx.go.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"eve.evalgo.org/db"
	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
)

// tableRow is the gorm model used only to AutoMigrate the backing table.
type tableRow struct {
	Key  string `gorm:"primaryKey;column:key"`
	Data []byte `gorm:"column:data;type:jsonb"`
}

func (tableRow) TableName() string { return "" } // set dynamically via Table()

// Store is a PostgreSQL-backed tabular.Repository.
type Store struct {
	pg    *db.PostgresDB
	table string
	sch   *schema.Schema
	pk    schema.PrimaryKey
}

// Open connects to Postgres via connString and returns a Store for sch,
// storing rows in a table named after sch.Name.
func Open(ctx context.Context, connString string, sch *schema.Schema, pk schema.PrimaryKey) (*Store, error) {
	pg, err := db.NewPostgresDB(connString)
	if err != nil {
		return nil, err
	}
	s := &Store{pg: pg, table: sch.Name, sch: sch, pk: pk}
	if err := s.SetupDatabase(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SetupDatabase idempotently creates the backing table and its JSONB GIN
// index via raw DDL over the pgx pool. Callers who prefer gorm-driven
// migrations can use AutoMigrateWithGorm instead.
func (s *Store) SetupDatabase(ctx context.Context) error {
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			data JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_data ON %s USING GIN (data);
	`, s.table, s.table, s.table)
	return s.pg.Exec(ctx, createSQL)
}

// AutoMigrateWithGorm provisions the table via gorm's AutoMigrate instead of
// raw DDL, for hosts that standardize migrations on gorm. It is a distinct
// entry point from SetupDatabase because wiring a second DSN-based
// connection purely for DDL is optional overhead most embedders skip.
func AutoMigrateWithGorm(dsn, table string) error {
	g, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("gorm connect: %w", err)
	}
	return g.Table(table).AutoMigrate(&tableRow{})
}

func (s *Store) Schema() *schema.Schema        { return s.sch }
func (s *Store) PrimaryKey() schema.PrimaryKey { return s.pk }

func (s *Store) Put(ctx context.Context, row schema.Row) error {
	if err := s.sch.Validate(row); err != nil {
		return err
	}
	kv, err := s.pk.Extract(row)
	if err != nil {
		return err
	}
	key := schema.KeyString(kv)
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	sql := fmt.Sprintf(`
		INSERT INTO %s (key, data) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data
	`, s.table)
	return s.pg.Exec(ctx, sql, key, data)
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
	sql := fmt.Sprintf("SELECT data FROM %s WHERE key = $1", s.table)
	var data []byte
	if err := s.pg.QueryRow(ctx, sql, key).Scan(&data); err != nil {
		return nil, false, nil
	}
	var row schema.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, false, fmt.Errorf("unmarshal row: %w", err)
	}
	return row, true, nil
}

func (s *Store) all(ctx context.Context) ([]schema.Row, error) {
	sql := fmt.Sprintf("SELECT data FROM %s", s.table)
	rows, err := s.pg.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.Row
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var row schema.Row
		if err := json.Unmarshal(data, &row); err != nil {
			continue
		}
		out = append(out, row)
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
	key := schema.KeyString(keyValues)
	sql := fmt.Sprintf("DELETE FROM %s WHERE key = $1", s.table)
	return s.pg.Exec(ctx, sql, key)
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
	sql := fmt.Sprintf("DELETE FROM %s", s.table)
	return s.pg.Exec(ctx, sql)
}

func (s *Store) GetAll(ctx context.Context, limit int) ([]schema.Row, error) {
	sql := fmt.Sprintf("SELECT data FROM %s", s.table)
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pg.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.Row
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var row schema.Row
		if err := json.Unmarshal(data, &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) Size(ctx context.Context) (int, error) {
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)
	var n int
	if err := s.pg.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SubscribeToChanges polls the table, since plain pgx gives no change feed
// without LISTEN/NOTIFY triggers the backend doesn't presume are installed.
func (s *Store) SubscribeToChanges(ctx context.Context, cb func(tabular.Change), opts tabular.SubscribeOptions) (tabular.Unsubscribe, error) {
	return tabular.PollForChanges(ctx, s, s.pk, cb, opts)
}

// CompareAndSetStatus performs a guarded UPDATE, the same exclusivity
// pattern as db/state_store.go's phase transitions: the row is only updated
// if its current value for statusField equals fromStatus. The job queue
// does not call it; queue.Storage has its own CompareAndSetStatus.
func (s *Store) CompareAndSetStatus(ctx context.Context, keyValues []interface{}, statusField string, fromStatus, toStatus interface{}, extra schema.Row) (bool, error) {
	row, found, err := s.Get(ctx, keyValues)
	if err != nil || !found {
		return false, err
	}
	if row[statusField] != fromStatus {
		return false, nil
	}
	row[statusField] = toStatus
	for k, v := range extra {
		row[k] = v
	}
	if err := s.Put(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

var _ tabular.Repository = (*Store)(nil)
