package bridge

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sqlbridge/sqlbridge/internal/query"
	"github.com/sqlbridge/sqlbridge/internal/toolerr"
	"github.com/sqlbridge/sqlbridge/internal/warehouse"
)

type stubSession struct{}

func (stubSession) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not implemented")
}
func (stubSession) PingContext(context.Context) error { return nil }
func (stubSession) Close() error                      { return nil }

type countingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *countingDialer) Dial(context.Context) (warehouse.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return stubSession{}, nil
}

func (d *countingDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// scriptedExecutor returns its errors in order, then succeeds with result.
type scriptedExecutor struct {
	mu     sync.Mutex
	errs   []error
	result query.Result
	calls  int
	jobs   []query.Job
}

func (e *scriptedExecutor) Execute(_ context.Context, _ query.Session, job query.Job) (query.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.jobs = append(e.jobs, job)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return query.Result{}, err
		}
	}
	return e.result, nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestServer(t *testing.T, exec query.Executor, dialer *countingDialer) *Server {
	t.Helper()
	if dialer == nil {
		dialer = &countingDialer{}
	}
	pool := warehouse.NewPool(warehouse.Config{Size: 1}, dialer, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	coord := NewCoordinator(pool, 1, 4, time.Second)
	server, err := New(Config{
		ServiceName: "sqlbridge-test",
		Limits: Limits{
			DefaultStatementTimeout: 5 * time.Second,
			MaxStatementTimeout:     10 * time.Second,
			DefaultRowLimit:         100,
			MaxRowLimit:             1000,
			MaxResultBytes:          1 << 20,
		},
		Redact: NewRedactor("dapi-secret"),
	}, coord, exec, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return server
}

func TestHandleQueryReturnsResult(t *testing.T) {
	exec := &scriptedExecutor{result: query.Result{
		Columns:     []string{"1"},
		ColumnTypes: []string{"integer"},
		Rows:        [][]any{{int64(1)}},
		Elapsed:     12 * time.Millisecond,
	}}
	server := newTestServer(t, exec, nil)

	result, output, err := server.handleRunSQLQuery(context.Background(), nil, QueryInput{SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if result != nil {
		t.Fatalf("unexpected tool error: %+v", result)
	}
	if output.RowCount != 1 || output.Truncated {
		t.Fatalf("output = %+v", output)
	}
	if output.Columns[0] != "1" || output.ColumnTypes[0] != "integer" {
		t.Fatalf("output columns = %v %v", output.Columns, output.ColumnTypes)
	}
}

func TestHandleQueryRejectsMalformedInputBeforeAcquire(t *testing.T) {
	dialer := &countingDialer{}
	exec := &scriptedExecutor{}
	server := newTestServer(t, exec, dialer)

	cases := []QueryInput{
		{SQL: ""},
		{SQL: "   "},
		{SQL: "SELECT 1", RowLimit: -1},
		{SQL: "SELECT 1", TimeoutMs: -5},
	}
	for _, input := range cases {
		result, _, err := server.handleRunSQLQuery(context.Background(), nil, input)
		if err != nil {
			t.Fatalf("handler error = %v", err)
		}
		if result == nil || !result.IsError {
			t.Fatalf("input %+v should produce a tool error", input)
		}
	}
	if dialer.dialCount() != 0 {
		t.Fatalf("malformed input dialed %d connections", dialer.dialCount())
	}
	if exec.callCount() != 0 {
		t.Fatalf("malformed input reached the executor %d times", exec.callCount())
	}
}

func TestBuildJobClampsOverrides(t *testing.T) {
	server := newTestServer(t, &scriptedExecutor{}, nil)

	job, err := server.buildJob(QueryInput{SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("buildJob() error = %v", err)
	}
	if job.RowLimit != 100 || job.Timeout != 5*time.Second {
		t.Fatalf("defaults = %+v", job)
	}

	job, err = server.buildJob(QueryInput{SQL: "SELECT 1", RowLimit: 50000, TimeoutMs: 600000})
	if err != nil {
		t.Fatalf("buildJob() error = %v", err)
	}
	if job.RowLimit != 1000 {
		t.Fatalf("RowLimit = %d, want clamped to 1000", job.RowLimit)
	}
	if job.Timeout != 10*time.Second {
		t.Fatalf("Timeout = %v, want clamped to 10s", job.Timeout)
	}

	job, err = server.buildJob(QueryInput{SQL: "SELECT 1", RowLimit: 7, TimeoutMs: 1500})
	if err != nil {
		t.Fatalf("buildJob() error = %v", err)
	}
	if job.RowLimit != 7 || job.Timeout != 1500*time.Millisecond {
		t.Fatalf("overrides = %+v", job)
	}
	if job.RequestID == "" {
		t.Fatal("RequestID should be set")
	}
}

func TestHandleQueryRetriesOnceOnRetryableFailure(t *testing.T) {
	exec := &scriptedExecutor{
		errs:   []error{toolerr.New(toolerr.KindConnectionFailed, "connection lost")},
		result: query.Result{Columns: []string{"1"}, Rows: [][]any{{int64(1)}}},
	}
	server := newTestServer(t, exec, nil)

	result, output, err := server.handleRunSQLQuery(context.Background(), nil, QueryInput{SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if result != nil {
		t.Fatalf("retried call should succeed, got tool error %+v", result)
	}
	if exec.callCount() != 2 {
		t.Fatalf("executor calls = %d, want 2", exec.callCount())
	}
	if output.RowCount != 1 {
		t.Fatalf("output = %+v", output)
	}
}

func TestHandleQueryStopsAfterSecondRetryableFailure(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{
		toolerr.New(toolerr.KindTimeout, "statement timed out"),
		toolerr.New(toolerr.KindTimeout, "statement timed out"),
	}}
	server := newTestServer(t, exec, nil)

	result, _, err := server.handleRunSQLQuery(context.Background(), nil, QueryInput{SQL: "SELECT slow"})
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("exhausted retries should produce a tool error")
	}
	if exec.callCount() != 2 {
		t.Fatalf("executor calls = %d, want exactly 2", exec.callCount())
	}
	text := toolErrorText(t, result)
	if !strings.Contains(text, string(toolerr.KindTimeout)) {
		t.Fatalf("error text = %q, want the TIMEOUT kind", text)
	}
	if !strings.Contains(text, "retryable=true") {
		t.Fatalf("error text = %q, want retryable flag", text)
	}
}

func TestHandleQueryDoesNotRetryStatementErrors(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{
		toolerr.New(toolerr.KindSyntax, "syntax error at or near 'FORM'"),
	}}
	server := newTestServer(t, exec, nil)

	result, _, err := server.handleRunSQLQuery(context.Background(), nil, QueryInput{SQL: "SELEC 1"})
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("syntax failure should produce a tool error")
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.callCount())
	}
}

func TestRetryableFailureDiscardsConnection(t *testing.T) {
	dialer := &countingDialer{}
	exec := &scriptedExecutor{
		errs:   []error{toolerr.New(toolerr.KindConnectionFailed, "connection lost")},
		result: query.Result{},
	}
	server := newTestServer(t, exec, dialer)

	if result, _, _ := server.handleRunSQLQuery(context.Background(), nil, QueryInput{SQL: "SELECT 1"}); result != nil {
		t.Fatalf("call should succeed after retry, got %+v", result)
	}
	// First attempt taints the connection; the retry dials a fresh one.
	if dialer.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dialCount())
	}
}

func TestStatementErrorKeepsConnection(t *testing.T) {
	dialer := &countingDialer{}
	exec := &scriptedExecutor{errs: []error{
		toolerr.New(toolerr.KindSyntax, "syntax error"),
	}}
	server := newTestServer(t, exec, dialer)

	_, _, _ = server.handleRunSQLQuery(context.Background(), nil, QueryInput{SQL: "SELEC 1"})
	_, _, _ = server.handleRunSQLQuery(context.Background(), nil, QueryInput{SQL: "SELECT 1"})
	if dialer.dialCount() != 1 {
		t.Fatalf("dials = %d, statement errors must not burn connections", dialer.dialCount())
	}
}

func TestToolErrorRedactsSecrets(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{
		toolerr.New(toolerr.KindInternal, "request failed: token dapi-secret rejected"),
	}}
	server := newTestServer(t, exec, nil)

	result, _, err := server.handleRunSQLQuery(context.Background(), nil, QueryInput{SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	text := toolErrorText(t, result)
	if strings.Contains(text, "dapi-secret") {
		t.Fatalf("error text leaked the token: %q", text)
	}
	if !strings.Contains(text, "[redacted]") {
		t.Fatalf("error text = %q, want redaction marker", text)
	}
}

func toolErrorText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || !result.IsError {
		t.Fatal("expected a tool error result")
	}
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			return text.Text
		}
	}
	t.Fatal("tool error has no text content")
	return ""
}
