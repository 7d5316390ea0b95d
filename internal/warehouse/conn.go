package warehouse

import (
	"context"
	"database/sql"
	"time"
)

// Session is one live warehouse session. It runs at most one statement at a
// time; callers borrow it through the pool and must return it via Release.
type Session interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PingContext(ctx context.Context) error
	Close() error
}

// Dialer opens new warehouse sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

type State string

const (
	StateIdle   State = "idle"
	StateInUse  State = "in_use"
	StateBroken State = "broken"
)

type Conn struct {
	id       string
	sess     Session
	state    State
	lastUsed time.Time
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Session() Session {
	return c.sess
}
