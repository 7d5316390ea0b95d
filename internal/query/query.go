package query

import (
	"context"
	"database/sql"
	"time"
)

// Job is one SQL statement to run, consumed exactly once by an Executor.
type Job struct {
	SQL            string
	Timeout        time.Duration
	RowLimit       int
	MaxResultBytes int64
	RequestID      string
}

// Result is a complete or explicitly truncated snapshot of a statement's
// output. It is never mutated after creation.
type Result struct {
	Columns     []string
	ColumnTypes []string
	Rows        [][]any
	Truncated   bool
	Elapsed     time.Duration
}

// Session is the slice of a warehouse session the executor needs.
type Session interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Executor interface {
	Execute(ctx context.Context, sess Session, job Job) (Result, error)
}
