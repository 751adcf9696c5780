package engine

import (
	"context"
	"log/slog"

	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"

	"github.com/gezibash/arc-nosql/internal/observability"
	"github.com/gezibash/arc-nosql/internal/table"
)

// PageRequest describes one caller page.
type PageRequest struct {
	// Query is the native query. Its Limit and StartKey are managed by the
	// paginator; set StartKey to resume from a decoded cursor.
	Query table.QueryInput

	// Match is the residual matcher. Nil keeps every item.
	Match func(table.Item) bool

	// Groups is the number of filter groups, used to size fetches.
	Groups int

	// Limit is the number of items to return. Zero returns everything.
	Limit int

	// CursorAttrs names the attributes projected into Next.
	CursorAttrs []string
}

// PageResult is one caller page.
type PageResult struct {
	Items []table.Item

	// Next is the key of the last returned item when more matches exist.
	Next table.Key
}

// Paginator runs filtered, limited queries against a backend.
type Paginator struct {
	Backend table.Backend
	Metrics *observability.Metrics
}

// FetchSize is the native limit used for a page of limit items over groups
// filter groups. Zero means unbounded.
func FetchSize(limit, groups int) int {
	if limit <= 0 {
		return 0
	}
	return limit*max(1, groups) + 1
}

// Run fetches native pages until one more match than req.Limit has been
// confirmed or the range is exhausted, so a short native page never ends
// the caller's page early.
func (p *Paginator) Run(ctx context.Context, req *PageRequest) (*PageResult, error) {
	in := req.Query
	in.Limit = FetchSize(req.Limit, req.Groups)

	var kept []table.Item
	fetches := 0
	for {
		if err := nosqlerrors.Checkpoint(ctx); err != nil {
			return nil, err
		}
		page, err := p.Backend.Query(ctx, &in)
		if err != nil {
			return nil, nosqlerrors.Provider("query", err)
		}
		fetches++

		n := 0
		for _, item := range page.Items {
			if req.Match == nil || req.Match(item) {
				kept = append(kept, item)
				n++
			}
		}
		p.Metrics.ObserveScan(in.Table, page.Scanned, n)

		if req.Limit > 0 && len(kept) > req.Limit {
			break
		}
		if len(page.LastKey) == 0 {
			break
		}
		in.StartKey = page.LastKey
	}
	if err := nosqlerrors.Checkpoint(ctx); err != nil {
		return nil, err
	}

	res := &PageResult{Items: kept}
	if req.Limit > 0 && len(kept) > req.Limit {
		res.Items = kept[:req.Limit]
		res.Next = res.Items[req.Limit-1].Project(req.CursorAttrs...)
	}
	slog.DebugContext(ctx, "query completed",
		"table", in.Table,
		"index", in.Index,
		"fetches", fetches,
		"results", len(res.Items),
		"more", res.Next != nil,
	)
	return res, nil
}
