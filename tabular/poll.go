package tabular

import (
	"context"
	"fmt"
	"time"

	"eve.evalgo.org/schema"
)

// PollForChanges is the shared polling fallback for backends with no native
// change feed: it snapshots GetAll at opts.PollingIntervalMs
// (default 1s) and diffs consecutive snapshots to synthesize
// Insert/Update/Delete notifications, honoring opts.PrefixFilter.
func PollForChanges(ctx context.Context, repo Repository, pk schema.PrimaryKey, cb func(Change), opts SubscribeOptions) (Unsubscribe, error) {
	interval := time.Duration(opts.PollingIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	prev, err := snapshot(ctx, repo, pk)
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
				cur, err := snapshot(pollCtx, repo, pk)
				if err != nil {
					continue
				}
				diffSnapshots(prev, cur, opts.PrefixFilter, cb)
				prev = cur
			}
		}
	}()

	return func() { cancel() }, nil
}

func snapshot(ctx context.Context, repo Repository, pk schema.PrimaryKey) (map[string]schema.Row, error) {
	rows, err := repo.GetAll(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]schema.Row, len(rows))
	for _, r := range rows {
		kv, err := pk.Extract(r)
		if err != nil {
			continue
		}
		out[schema.KeyString(kv)] = r
	}
	return out, nil
}

func diffSnapshots(prev, cur map[string]schema.Row, filter schema.Row, cb func(Change)) {
	for key, newRow := range cur {
		if !passesPrefixFilter(newRow, filter) {
			continue
		}
		if oldRow, existed := prev[key]; !existed {
			cb(Change{Kind: Insert, New: newRow})
		} else if fmt.Sprint(oldRow) != fmt.Sprint(newRow) {
			cb(Change{Kind: Update, Old: oldRow, New: newRow})
		}
	}
	for key, oldRow := range prev {
		if _, stillThere := cur[key]; !stillThere && passesPrefixFilter(oldRow, filter) {
			cb(Change{Kind: Delete, Old: oldRow})
		}
	}
}

func passesPrefixFilter(row schema.Row, filter schema.Row) bool {
	for k, v := range filter {
		if rv, ok := row[k]; !ok || rv != v {
			return false
		}
	}
	return true
}
