package bridge

import (
	"context"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/observability"
	"github.com/sqlbridge/sqlbridge/internal/query"
	"github.com/sqlbridge/sqlbridge/internal/toolerr"
	"github.com/sqlbridge/sqlbridge/internal/warehouse"
)

// Coordinator admits tool calls against a fixed concurrency budget of
// pool size plus queue depth. A call past the budget is rejected
// immediately instead of queueing without bound.
type Coordinator struct {
	pool           *warehouse.Pool
	acquireTimeout time.Duration
	slots          chan struct{}
}

func NewCoordinator(pool *warehouse.Pool, poolSize, queueDepth int, acquireTimeout time.Duration) *Coordinator {
	if poolSize < 1 {
		poolSize = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Coordinator{
		pool:           pool,
		acquireTimeout: acquireTimeout,
		slots:          make(chan struct{}, poolSize+queueDepth),
	}
}

// WithConn borrows a connection for the duration of fn. The connection is
// released healthy unless fn failed in a way that taints the session.
func (c *Coordinator) WithConn(ctx context.Context, fn func(ctx context.Context, sess query.Session) error) error {
	select {
	case c.slots <- struct{}{}:
	default:
		observability.IncrementAdmissionRejected()
		return toolerr.New(toolerr.KindUnavailable, "too many concurrent queries, try again later")
	}
	defer func() { <-c.slots }()

	acquireCtx := ctx
	if c.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, c.acquireTimeout)
		defer cancel()
	}
	conn, err := c.pool.Acquire(acquireCtx)
	if err != nil {
		return err
	}

	err = fn(ctx, conn.Session())
	c.pool.Release(conn, connHealthy(err))
	return err
}

// Ready reports whether the underlying pool can serve queries.
func (c *Coordinator) Ready(ctx context.Context) error {
	return c.pool.Ready(ctx)
}

// connHealthy decides whether the session survives the error that ended a
// call. Statement-level failures leave the session usable; transport and
// timeout failures do not, because the statement may still be running on
// the far side.
func connHealthy(err error) bool {
	if err == nil {
		return true
	}
	switch toolerr.KindOf(err) {
	case toolerr.KindTimeout, toolerr.KindConnectionFailed, toolerr.KindInternal:
		return false
	default:
		return true
	}
}
