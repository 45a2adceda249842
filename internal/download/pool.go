package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Pool runs segment fetches on a bounded set of goroutines.
type Pool struct {
	workers int
	logger  *slog.Logger
}

// NewPool creates a pool with the given number of workers.
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers: workers,
		logger:  logger,
	}
}

// Run calls fn for every segment and waits for all of them to return.
// The first error cancels the context passed to the remaining calls and is
// returned once every worker has stopped.
func (p *Pool) Run(ctx context.Context, segments []Segment, fn func(context.Context, Segment) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, seg := range segments {
		seg := seg
		g.Go(func() error {
			if err := fn(gctx, seg); err != nil {
				p.logger.Error("segment failed", "segment", seg.Index, "start", seg.Start, "end", seg.End, "error", err)
				return err
			}
			p.logger.Debug("segment completed", "segment", seg.Index, "bytes", seg.Len())
			return nil
		})
	}

	return g.Wait()
}
