// Package tabular defines the row-store contract that the output cache,
// the job queue storage, and the KV repository all build on.
package tabular

import (
	"context"

	"eve.evalgo.org/schema"
	"eve.evalgo.org/taskerr"
)

// Op is a search/delete predicate operator.
type Op string

const (
	Eq Op = "="
	Ne Op = "!="
	Lt Op = "<"
	Le Op = "<="
	Gt Op = ">"
	Ge Op = ">="
)

// ChangeKind distinguishes the three row mutation kinds a subscription may
// observe.
type ChangeKind string

const (
	Insert ChangeKind = "INSERT"
	Update ChangeKind = "UPDATE"
	Delete ChangeKind = "DELETE"
)

// Change is one notification delivered to a change subscription.
type Change struct {
	Kind ChangeKind
	Old  schema.Row // nil on INSERT
	New  schema.Row // nil on DELETE
}

// SubscribeOptions configures a change subscription.
type SubscribeOptions struct {
	// PollingIntervalMs applies to backends without a native change feed.
	PollingIntervalMs int
	// PrefixFilter restricts notifications to rows matching these field
	// values; an empty filter adds no restriction of its own. A Prefixed
	// repository uses its binding when the filter is empty and the filter
	// in place of its binding when it is not.
	PrefixFilter schema.Row
}

// Unsubscribe cancels a change subscription.
type Unsubscribe func()

// Repository is a tabular row store parameterized by a schema and an
// ordered primary-key field list.
type Repository interface {
	// Schema returns the schema rows are validated against.
	Schema() *schema.Schema
	// PrimaryKey returns the ordered primary-key field list.
	PrimaryKey() schema.PrimaryKey

	// SetupDatabase idempotently creates whatever schema/table/index
	// structures the backend needs.
	SetupDatabase(ctx context.Context) error

	// Put upserts row by primary key, validating it against Schema first.
	Put(ctx context.Context, row schema.Row) error
	// PutBulk upserts rows; atomic within a backend's unit of work where
	// the backend supports transactions, best-effort otherwise.
	PutBulk(ctx context.Context, rows []schema.Row) error

	// Get returns the row whose primary-key tuple equals keyValues, or
	// found=false if none exists.
	Get(ctx context.Context, keyValues []interface{}) (row schema.Row, found bool, err error)

	// Search returns rows matching field op value. Backends that cannot
	// satisfy op on field return UnsupportedOperationError.
	Search(ctx context.Context, field string, value interface{}, op Op) ([]schema.Row, error)

	DeleteByKey(ctx context.Context, keyValues []interface{}) error
	DeleteSearch(ctx context.Context, field string, value interface{}, op Op) error
	DeleteAll(ctx context.Context) error

	GetAll(ctx context.Context, limit int) ([]schema.Row, error)
	Size(ctx context.Context) (int, error)

	// SubscribeToChanges emits Insert/Update/Delete payloads as rows
	// change. Native-feed backends push immediately; polling backends
	// honor opts.PollingIntervalMs.
	SubscribeToChanges(ctx context.Context, cb func(Change), opts SubscribeOptions) (Unsubscribe, error)
}

// Capabilities lets a backend declare which Ops it supports per field type,
// so callers can fail fast with UnsupportedOperationError instead of
// discovering it mid-query. Backends that support every Op on every field
// (e.g. the in-memory reference backend) need not implement this.
type Capabilities interface {
	SupportsOp(op Op) bool
}

// RequireOp returns UnsupportedOperationError if repo declares Capabilities
// and does not support op.
func RequireOp(repo Repository, backend string, op Op) error {
	if caps, ok := repo.(Capabilities); ok && !caps.SupportsOp(op) {
		return taskerr.NewUnsupportedOperation(backend, string(op))
	}
	return nil
}

func matches(v, target interface{}, op Op) bool {
	switch op {
	case Eq:
		return compareEqual(v, target)
	case Ne:
		return !compareEqual(v, target)
	}
	cmp, ok := compareOrdered(v, target)
	if !ok {
		return false
	}
	switch op {
	case Lt:
		return cmp < 0
	case Le:
		return cmp <= 0
	case Gt:
		return cmp > 0
	case Ge:
		return cmp >= 0
	}
	return false
}

func compareEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func compareOrdered(a, b interface{}) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// FilterRows applies an Op predicate over field in-process; used by
// backends without native query support for an operator.
func FilterRows(rows []schema.Row, field string, value interface{}, op Op) []schema.Row {
	out := make([]schema.Row, 0, len(rows))
	for _, r := range rows {
		if v, ok := r[field]; ok && matches(v, value, op) {
			out = append(out, r)
		}
	}
	return out
}
