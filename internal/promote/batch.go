package promote

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds Batch when the caller passes zero.
const DefaultConcurrency = 4

// BatchItem is the outcome of one origin in a batch.
type BatchItem struct {
	OriginID string  `json:"origin_id"`
	Result   *Result `json:"result,omitempty"`
	Err      error   `json:"-"`
	Message  string  `json:"error,omitempty"` // Err's text, for JSON output
}

// Batch promotes each origin in its own transaction, at most concurrency at
// a time. A failed origin does not stop the others; items come back in
// input order. Only context cancellation is returned as an error.
func (p *Promoter) Batch(ctx context.Context, originIDs []string, opts Options, concurrency int) ([]BatchItem, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	items := make([]BatchItem, len(originIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, origin := range originIDs {
		items[i].OriginID = origin
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := p.Promote(gctx, origin, opts)
			items[i].Result, items[i].Err = res, err
			if err != nil {
				items[i].Message = err.Error()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return items, eris.Wrap(err, "promote: batch")
	}

	failed := 0
	for _, it := range items {
		if it.Err != nil {
			failed++
		}
	}
	p.log.Info("batch promotion complete",
		zap.Int("origins", len(items)),
		zap.Int("failed", failed),
	)
	return items, nil
}
