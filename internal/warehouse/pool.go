package warehouse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlbridge/sqlbridge/internal/observability"
	"github.com/sqlbridge/sqlbridge/internal/toolerr"
)

type Config struct {
	Size         int
	IdleCeiling  time.Duration
	DialTimeout  time.Duration
	ProbeTimeout time.Duration
}

// Pool owns every warehouse session in the process. Connections are borrowed
// with Acquire and must come back through Release exactly once; a connection
// released unhealthy is closed and replaced, never reused.
type Pool struct {
	cfg    Config
	dialer Dialer
	log    *slog.Logger

	mu      sync.Mutex
	idle    []*Conn
	numOpen int
	waiters []chan *Conn
	closed  bool
}

func NewPool(cfg Config, dialer Dialer, log *slog.Logger) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pool{cfg: cfg, dialer: dialer, log: log}
}

// Acquire returns a healthy connection, dialing lazily while the pool is
// below its configured size. When the pool is saturated the caller waits in
// FIFO order until a connection is released or ctx expires.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()
	defer func() {
		observability.ObservePoolAcquireWait(time.Since(start))
	}()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, toolerr.New(toolerr.KindUnavailable, "connection pool is shut down")
		}

		if len(p.idle) > 0 {
			conn := p.idle[0]
			p.idle = p.idle[1:]
			stale := p.cfg.IdleCeiling > 0 && time.Since(conn.lastUsed) > p.cfg.IdleCeiling
			conn.state = StateInUse
			p.mu.Unlock()
			if stale && !p.probe(ctx, conn) {
				p.discard(conn, "stale")
				continue
			}
			p.publishGauges()
			return conn, nil
		}

		if p.numOpen < p.cfg.Size {
			p.numOpen++
			p.mu.Unlock()
			conn, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.numOpen--
				ch := p.popWaiterLocked()
				p.mu.Unlock()
				if ch != nil {
					ch <- nil
				}
				return nil, err
			}
			p.publishGauges()
			return conn, nil
		}

		ch := make(chan *Conn, 1)
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.mu.Lock()
			removed := p.removeWaiterLocked(ch)
			p.mu.Unlock()
			if !removed {
				// The pool already popped this waiter, so a value or a
				// close is in flight. Drain it and pass it on.
				if conn, ok := <-ch; ok {
					if conn != nil {
						p.Release(conn, true)
					} else {
						p.mu.Lock()
						next := p.popWaiterLocked()
						p.mu.Unlock()
						if next != nil {
							next <- nil
						}
					}
				}
			}
			return nil, toolerr.New(toolerr.KindTimeout, "timed out waiting for a warehouse connection")
		case conn, ok := <-ch:
			if !ok || conn == nil {
				// A slot freed up or the pool is closing; re-evaluate.
				continue
			}
			p.mu.Lock()
			conn.state = StateInUse
			p.mu.Unlock()
			return conn, nil
		}
	}
}

// Release returns a borrowed connection. An unhealthy connection is closed
// and its slot freed so a future Acquire dials a replacement.
func (p *Pool) Release(conn *Conn, healthy bool) {
	if conn == nil {
		return
	}
	if !healthy {
		p.discard(conn, "unhealthy")
		return
	}

	p.mu.Lock()
	if p.closed {
		conn.state = StateBroken
		p.numOpen--
		p.mu.Unlock()
		_ = conn.sess.Close()
		return
	}
	conn.lastUsed = time.Now()
	if ch := p.popWaiterLocked(); ch != nil {
		conn.state = StateInUse
		p.mu.Unlock()
		ch <- conn
		return
	}
	conn.state = StateIdle
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.publishGauges()
}

// Shutdown closes idle connections, fails pending waiters, and waits up to
// ctx for borrowed connections to come back.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	for _, conn := range idle {
		conn.state = StateBroken
	}
	p.numOpen -= len(idle)
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, conn := range idle {
		_ = conn.sess.Close()
	}

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		open := p.numOpen
		p.mu.Unlock()
		if open <= 0 {
			p.publishGauges()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) Ready(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("connection pool is shut down")
	}
	return nil
}

type Stats struct {
	Open    int
	Idle    int
	InUse   int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Open:    p.numOpen,
		Idle:    len(p.idle),
		InUse:   p.numOpen - len(p.idle),
		Waiting: len(p.waiters),
	}
}

// SweepIdle probes idle connections past the idle ceiling and discards the
// ones that fail the probe. Returns (probed, discarded).
func (p *Pool) SweepIdle(ctx context.Context) (int, int) {
	p.mu.Lock()
	if p.closed || p.cfg.IdleCeiling <= 0 {
		p.mu.Unlock()
		return 0, 0
	}
	now := time.Now()
	var stale []*Conn
	kept := p.idle[:0]
	for _, conn := range p.idle {
		if now.Sub(conn.lastUsed) > p.cfg.IdleCeiling {
			conn.state = StateInUse
			stale = append(stale, conn)
		} else {
			kept = append(kept, conn)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	discarded := 0
	for _, conn := range stale {
		if p.probe(ctx, conn) {
			p.Release(conn, true)
		} else {
			p.discard(conn, "stale")
			discarded++
		}
	}
	return len(stale), discarded
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	dialCtx := ctx
	if p.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()
	}
	sess, err := p.dialer.Dial(dialCtx)
	if err != nil {
		p.log.Warn("warehouse dial failed", slog.Any("error", err))
		if ctx.Err() != nil {
			return nil, toolerr.New(toolerr.KindTimeout, "timed out opening a warehouse connection")
		}
		return nil, toolerr.New(toolerr.KindConnectionFailed, "failed to open a warehouse connection")
	}
	return &Conn{id: uuid.NewString(), sess: sess, state: StateInUse, lastUsed: time.Now()}, nil
}

func (p *Pool) probe(ctx context.Context, conn *Conn) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	if err := conn.sess.PingContext(probeCtx); err != nil {
		p.log.Debug("idle probe failed",
			slog.String("conn_id", conn.id),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

func (p *Pool) discard(conn *Conn, reason string) {
	p.mu.Lock()
	conn.state = StateBroken
	p.numOpen--
	ch := p.popWaiterLocked()
	p.mu.Unlock()

	_ = conn.sess.Close()
	if ch != nil {
		ch <- nil
	}
	observability.IncrementConnectionDiscarded(reason)
	p.publishGauges()
	p.log.Debug("discarded warehouse connection",
		slog.String("conn_id", conn.id),
		slog.String("reason", reason),
	)
}

func (p *Pool) popWaiterLocked() chan *Conn {
	if len(p.waiters) == 0 {
		return nil
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	return ch
}

func (p *Pool) removeWaiterLocked(ch chan *Conn) bool {
	for i, candidate := range p.waiters {
		if candidate == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) publishGauges() {
	stats := p.Stats()
	observability.SetPoolGauges(stats.Open, stats.Idle)
}
