package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/toolerr"
)

type fakeSession struct {
	mu      sync.Mutex
	closed  bool
	pingErr error
}

func (s *fakeSession) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeSession) PingContext(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	dialErr  error
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(context.Context) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	sess := &fakeSession{}
	d.sessions = append(d.sessions, sess)
	return sess, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestPool(t *testing.T, size int, dialer *fakeDialer) *Pool {
	t.Helper()
	pool := NewPool(Config{Size: size}, dialer, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

func TestAcquireDialsLazilyUpToSize(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, 2, dialer)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	second, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dialCount())
	}
	if first.ID() == second.ID() {
		t.Fatal("both acquires returned the same connection")
	}

	pool.Release(first, true)
	reused, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("idle connection should be reused, dials = %d", dialer.dialCount())
	}
	if reused.ID() != first.ID() {
		t.Fatalf("reused conn = %s, want %s", reused.ID(), first.ID())
	}
	pool.Release(reused, true)
	pool.Release(second, true)
}

func TestAcquireTimesOutWhenSaturated(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, 1, dialer)

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	if toolerr.KindOf(err) != toolerr.KindTimeout {
		t.Fatalf("saturated Acquire() error = %v, want TIMEOUT", err)
	}
	pool.Release(conn, true)
}

func TestReleaseHandsOffToWaiterInFIFOOrder(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, 1, dialer)

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	var order []int
	var orderMu sync.Mutex
	started := make(chan struct{}, 2)
	done := make(chan struct{}, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			// Stagger the two waiters so the queue order is deterministic.
			time.Sleep(time.Duration(i) * 20 * time.Millisecond)
			started <- struct{}{}
			got, err := pool.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				done <- struct{}{}
				return
			}
			orderMu.Lock()
			order = append(order, i)
			orderMu.Unlock()
			pool.Release(got, true)
			done <- struct{}{}
		}()
	}

	<-started
	<-started
	time.Sleep(60 * time.Millisecond)
	pool.Release(conn, true)
	<-done
	<-done

	orderMu.Lock()
	defer orderMu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("waiter order = %v, want [1 2]", order)
	}
}

func TestUnhealthyReleaseClosesAndReplaces(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, 1, dialer)

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	brokenID := conn.ID()
	sess := dialer.sessions[0]

	pool.Release(conn, false)
	if !sess.isClosed() {
		t.Fatal("unhealthy session should be closed on release")
	}

	replacement, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after discard error = %v", err)
	}
	if replacement.ID() == brokenID {
		t.Fatal("broken connection was handed out again")
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dialCount())
	}
	pool.Release(replacement, true)
}

func TestDialFailureIsClassified(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("dial tcp: connection refused")}
	pool := newTestPool(t, 1, dialer)

	_, err := pool.Acquire(context.Background())
	if toolerr.KindOf(err) != toolerr.KindConnectionFailed {
		t.Fatalf("Acquire() error = %v, want CONNECTION_FAILED", err)
	}
	if !toolerr.IsRetryable(err) {
		t.Fatal("dial failure should be retryable")
	}
}

func TestShutdownFailsNewAcquires(t *testing.T) {
	dialer := &fakeDialer{}
	pool := NewPool(Config{Size: 1}, dialer, nil)

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	pool.Release(conn, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !dialer.sessions[0].isClosed() {
		t.Fatal("idle session should be closed on shutdown")
	}

	_, err = pool.Acquire(context.Background())
	if toolerr.KindOf(err) != toolerr.KindUnavailable {
		t.Fatalf("Acquire() after shutdown error = %v, want UNAVAILABLE", err)
	}
}

func TestShutdownWaitsForBorrowedConnections(t *testing.T) {
	dialer := &fakeDialer{}
	pool := NewPool(Config{Size: 1}, dialer, nil)

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	var finished atomic.Bool
	go func() {
		time.Sleep(80 * time.Millisecond)
		pool.Release(conn, true)
		finished.Store(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !finished.Load() {
		t.Fatal("Shutdown returned before the borrowed connection came back")
	}
}

func TestSweepIdleDiscardsDeadConnections(t *testing.T) {
	dialer := &fakeDialer{}
	pool := NewPool(Config{Size: 2, IdleCeiling: 10 * time.Millisecond}, dialer, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	ctx := context.Background()
	first, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	second, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	pool.Release(first, true)
	pool.Release(second, true)

	dialer.sessions[0].pingErr = errors.New("session expired")
	time.Sleep(20 * time.Millisecond)

	probed, discarded := pool.SweepIdle(ctx)
	if probed != 2 {
		t.Fatalf("probed = %d, want 2", probed)
	}
	if discarded != 1 {
		t.Fatalf("discarded = %d, want 1", discarded)
	}
	if !dialer.sessions[0].isClosed() {
		t.Fatal("dead session should be closed by the sweep")
	}

	stats := pool.Stats()
	if stats.Open != 1 || stats.Idle != 1 {
		t.Fatalf("stats after sweep = %+v", stats)
	}
}

func TestSweeperRunOnceReportsPoolState(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, 1, dialer)

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	pool.Release(conn, true)

	sweeper := &Sweeper{Pool: pool}
	summary := sweeper.RunSweepOnce(context.Background())
	if summary.Open != 1 || summary.Idle != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Discarded != 0 {
		t.Fatalf("fresh idle connection should not be discarded, summary = %+v", summary)
	}
}
