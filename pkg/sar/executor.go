package sar

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/veritas-labs/scrutiny/pkg/gateway"
)

// Fetcher is the gateway surface the executor needs. Satisfied by
// *gateway.Gateway.
type Fetcher interface {
	Fetch(ctx context.Context, d gateway.Demand) (*gateway.Response, error)
}

// QueryResult pairs a planned query with its outcome. Exactly one of
// Response and Err is set.
type QueryResult struct {
	Query    PlannedQuery
	Response *gateway.Response
	Err      error
}

// Executor fans a plan's queries to the gateway with bounded
// parallelism. Individual query failures are recorded per result, not
// returned; only context cancellation aborts the batch.
type Executor struct {
	gw          Fetcher
	concurrency int
}

// DefaultConcurrency bounds parallel gateway calls per batch.
const DefaultConcurrency = 4

// NewExecutor builds an executor. Non-positive concurrency falls back
// to DefaultConcurrency.
func NewExecutor(gw Fetcher, concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Executor{gw: gw, concurrency: concurrency}
}

// Execute runs every query in the plan and returns results in plan
// order.
func (e *Executor) Execute(ctx context.Context, plan Plan) ([]QueryResult, error) {
	results := make([]QueryResult, len(plan.Queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, q := range plan.Queries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = QueryResult{Query: q, Err: err}
				return err
			}
			resp, err := e.gw.Fetch(gctx, q.Demand)
			results[i] = QueryResult{Query: q, Response: resp, Err: err}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
