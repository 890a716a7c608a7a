package tabular

import (
	"context"

	"eve.evalgo.org/schema"
)

// Prefixed wraps a Repository with a declared set of prefix columns and
// their bound values: e.g. user_id, project_id. Every
// operation implicitly filters by, and every written row is stamped with,
// those values, so two Prefixed wrappers over the same backend with
// different bindings see disjoint rows.
type Prefixed struct {
	inner   Repository
	binding schema.Row
}

// NewPrefixed returns repo scoped to the given prefix-column binding.
func NewPrefixed(repo Repository, binding schema.Row) *Prefixed {
	b := make(schema.Row, len(binding))
	for k, v := range binding {
		b[k] = v
	}
	return &Prefixed{inner: repo, binding: b}
}

func (p *Prefixed) Schema() *schema.Schema     { return p.inner.Schema() }
func (p *Prefixed) PrimaryKey() schema.PrimaryKey { return p.inner.PrimaryKey() }

func (p *Prefixed) SetupDatabase(ctx context.Context) error { return p.inner.SetupDatabase(ctx) }

func (p *Prefixed) stamp(row schema.Row) schema.Row {
	out := row.Clone()
	for k, v := range p.binding {
		out[k] = v
	}
	return out
}

func (p *Prefixed) matchesBinding(row schema.Row) bool {
	for k, v := range p.binding {
		if rv, ok := row[k]; !ok || !compareEqual(rv, v) {
			return false
		}
	}
	return true
}

func (p *Prefixed) Put(ctx context.Context, row schema.Row) error {
	return p.inner.Put(ctx, p.stamp(row))
}

func (p *Prefixed) PutBulk(ctx context.Context, rows []schema.Row) error {
	stamped := make([]schema.Row, len(rows))
	for i, r := range rows {
		stamped[i] = p.stamp(r)
	}
	return p.inner.PutBulk(ctx, stamped)
}

func (p *Prefixed) Get(ctx context.Context, keyValues []interface{}) (schema.Row, bool, error) {
	row, found, err := p.inner.Get(ctx, keyValues)
	if err != nil || !found {
		return row, found, err
	}
	if !p.matchesBinding(row) {
		return nil, false, nil
	}
	return row, true, nil
}

func (p *Prefixed) Search(ctx context.Context, field string, value interface{}, op Op) ([]schema.Row, error) {
	rows, err := p.inner.Search(ctx, field, value, op)
	if err != nil {
		return nil, err
	}
	return p.filterByBinding(rows), nil
}

func (p *Prefixed) filterByBinding(rows []schema.Row) []schema.Row {
	out := make([]schema.Row, 0, len(rows))
	for _, r := range rows {
		if p.matchesBinding(r) {
			out = append(out, r)
		}
	}
	return out
}

func (p *Prefixed) DeleteByKey(ctx context.Context, keyValues []interface{}) error {
	row, found, err := p.Get(ctx, keyValues)
	if err != nil || !found {
		return err
	}
	_ = row
	return p.inner.DeleteByKey(ctx, keyValues)
}

func (p *Prefixed) DeleteSearch(ctx context.Context, field string, value interface{}, op Op) error {
	rows, err := p.Search(ctx, field, value, op)
	if err != nil {
		return err
	}
	pk := p.PrimaryKey()
	for _, r := range rows {
		kv, err := pk.Extract(r)
		if err != nil {
			return err
		}
		if err := p.inner.DeleteByKey(ctx, kv); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll deletes only rows within the current prefix binding, leaving
// rows outside the binding untouched.
func (p *Prefixed) DeleteAll(ctx context.Context) error {
	rows, err := p.GetAll(ctx, 0)
	if err != nil {
		return err
	}
	pk := p.PrimaryKey()
	for _, r := range rows {
		kv, err := pk.Extract(r)
		if err != nil {
			return err
		}
		if err := p.inner.DeleteByKey(ctx, kv); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prefixed) GetAll(ctx context.Context, limit int) ([]schema.Row, error) {
	rows, err := p.inner.GetAll(ctx, 0)
	if err != nil {
		return nil, err
	}
	filtered := p.filterByBinding(rows)
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func (p *Prefixed) Size(ctx context.Context) (int, error) {
	rows, err := p.GetAll(ctx, 0)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// SubscribeToChanges overrides the binding via opts.PrefixFilter when
// non-empty (widening visibility), otherwise restricts to this wrapper's
// binding.
func (p *Prefixed) SubscribeToChanges(ctx context.Context, cb func(Change), opts SubscribeOptions) (Unsubscribe, error) {
	filter := p.binding
	if len(opts.PrefixFilter) > 0 {
		filter = opts.PrefixFilter
	}
	wrapped := func(c Change) {
		row := c.New
		if row == nil {
			row = c.Old
		}
		for k, v := range filter {
			if rv, ok := row[k]; !ok || !compareEqual(rv, v) {
				return
			}
		}
		cb(c)
	}
	return p.inner.SubscribeToChanges(ctx, wrapped, opts)
}

var _ Repository = (*Prefixed)(nil)
