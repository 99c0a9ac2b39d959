package proc

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// fanOutLimit bounds concurrent per-instance work within a single Change.
// Changes themselves always run strictly serially.
const fanOutLimit = 8

// fanOut runs fn over every item with bounded concurrency. Every item is
// attempted regardless of earlier failures; errors aggregate into a single
// multierror rather than short-circuiting, so one bad instance never hides
// the state of the rest.
func fanOut[T any](ctx context.Context, items []T, fn func(context.Context, T) error) error {
	var g errgroup.Group
	g.SetLimit(fanOutLimit)

	var mu sync.Mutex
	var merr *multierror.Error

	for _, item := range items {
		item := item
		g.Go(func() error {
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return merr.ErrorOrNil()
}
