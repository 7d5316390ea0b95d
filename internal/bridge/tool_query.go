package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sqlbridge/sqlbridge/internal/observability"
	"github.com/sqlbridge/sqlbridge/internal/query"
	"github.com/sqlbridge/sqlbridge/internal/toolerr"
)

const toolRunSQLQuery = "run_sql_query"

type QueryInput struct {
	SQL       string `json:"sql" jsonschema:"SQL statement to execute on the warehouse"`
	RowLimit  int    `json:"row_limit,omitempty" jsonschema:"Maximum number of rows to return, clamped to the server cap"`
	TimeoutMs int    `json:"timeout_ms,omitempty" jsonschema:"Statement timeout in milliseconds, clamped to the server cap"`
}

type QueryOutput struct {
	Columns     []string `json:"columns"`
	ColumnTypes []string `json:"column_types"`
	Rows        [][]any  `json:"rows"`
	RowCount    int      `json:"row_count"`
	Truncated   bool     `json:"truncated"`
	ElapsedMs   int64    `json:"elapsed_ms"`
}

func (s *Server) registerTools() error {
	inputSchema, err := jsonschema.For[QueryInput](nil)
	if err != nil {
		return fmt.Errorf("input schema: %w", err)
	}
	outputSchema, err := jsonschema.For[QueryOutput](nil)
	if err != nil {
		return fmt.Errorf("output schema: %w", err)
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: toolRunSQLQuery,
		Description: "Execute a single SQL statement against the configured warehouse. " +
			"Returns columns, portable column types and row values. Results past the " +
			"row or byte limit are truncated, never silently dropped.",
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
	}, s.handleRunSQLQuery)
	return nil
}

func (s *Server) handleRunSQLQuery(ctx context.Context, _ *mcp.CallToolRequest, input QueryInput) (*mcp.CallToolResult, QueryOutput, error) {
	start := time.Now()

	job, err := s.buildJob(input)
	if err != nil {
		observability.ObserveToolCall(toolRunSQLQuery, "invalid", time.Since(start))
		return s.toolError(err), QueryOutput{}, nil
	}

	result, err := s.executeWithRetry(ctx, job)
	if err != nil {
		observability.ObserveToolCall(toolRunSQLQuery, string(toolerr.KindOf(err)), time.Since(start))
		s.log.Warn("tool call failed",
			slog.String("request_id", job.RequestID),
			slog.String("kind", string(toolerr.KindOf(err))),
		)
		return s.toolError(err), QueryOutput{}, nil
	}

	observability.ObserveToolCall(toolRunSQLQuery, "ok", time.Since(start))
	output := QueryOutput{
		Columns:     result.Columns,
		ColumnTypes: result.ColumnTypes,
		Rows:        result.Rows,
		RowCount:    len(result.Rows),
		Truncated:   result.Truncated,
		ElapsedMs:   result.Elapsed.Milliseconds(),
	}
	return nil, output, nil
}

// buildJob validates the call arguments and clamps overrides to the server
// caps. Validation failures never touch the pool.
func (s *Server) buildJob(input QueryInput) (query.Job, error) {
	sqlText := strings.TrimSpace(input.SQL)
	if sqlText == "" {
		return query.Job{}, toolerr.New(toolerr.KindInvalidArgument, "sql is required")
	}
	if input.RowLimit < 0 {
		return query.Job{}, toolerr.New(toolerr.KindInvalidArgument, "row_limit must not be negative")
	}
	if input.TimeoutMs < 0 {
		return query.Job{}, toolerr.New(toolerr.KindInvalidArgument, "timeout_ms must not be negative")
	}

	rowLimit := s.cfg.Limits.DefaultRowLimit
	if input.RowLimit > 0 {
		rowLimit = input.RowLimit
		if s.cfg.Limits.MaxRowLimit > 0 && rowLimit > s.cfg.Limits.MaxRowLimit {
			rowLimit = s.cfg.Limits.MaxRowLimit
		}
	}

	timeout := s.cfg.Limits.DefaultStatementTimeout
	if input.TimeoutMs > 0 {
		timeout = time.Duration(input.TimeoutMs) * time.Millisecond
		if s.cfg.Limits.MaxStatementTimeout > 0 && timeout > s.cfg.Limits.MaxStatementTimeout {
			timeout = s.cfg.Limits.MaxStatementTimeout
		}
	}

	return query.Job{
		SQL:            sqlText,
		Timeout:        timeout,
		RowLimit:       rowLimit,
		MaxResultBytes: s.cfg.Limits.MaxResultBytes,
		RequestID:      uuid.NewString(),
	}, nil
}

// executeWithRetry runs the job, retrying exactly once when the failure is
// marked retryable. The retry runs on a fresh connection because the first
// one came back unhealthy.
func (s *Server) executeWithRetry(ctx context.Context, job query.Job) (query.Result, error) {
	attempt := 0
	op := func() (query.Result, error) {
		attempt++
		if attempt > 1 {
			observability.IncrementToolRetry()
			s.log.Warn("retrying statement on a fresh connection",
				slog.String("request_id", job.RequestID),
			)
		}
		result, err := s.executeOnce(ctx, job)
		if err != nil && !toolerr.IsRetryable(err) {
			return query.Result{}, backoff.Permanent(err)
		}
		return result, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithMaxTries(2),
		backoff.WithBackOff(backoff.NewConstantBackOff(0)),
	)
}

func (s *Server) executeOnce(ctx context.Context, job query.Job) (query.Result, error) {
	var result query.Result
	err := s.coord.WithConn(ctx, func(ctx context.Context, sess query.Session) error {
		var execErr error
		result, execErr = s.exec.Execute(ctx, sess, job)
		return execErr
	})
	if err != nil {
		return query.Result{}, err
	}
	return result, nil
}

// toolError renders a classified error as an in-band tool failure so the
// calling agent sees the kind and can decide whether to retry.
func (s *Server) toolError(err error) *mcp.CallToolResult {
	message := err.Error()
	if s.cfg.Redact != nil {
		message = s.cfg.Redact(message)
	}
	text := fmt.Sprintf("%s (retryable=%t)", message, toolerr.IsRetryable(err))
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// NewRedactor replaces every occurrence of the given secrets in error text.
func NewRedactor(secrets ...string) func(string) string {
	var nonEmpty []string
	for _, secret := range secrets {
		if secret != "" {
			nonEmpty = append(nonEmpty, secret)
		}
	}
	return func(message string) string {
		for _, secret := range nonEmpty {
			message = strings.ReplaceAll(message, secret, "[redacted]")
		}
		return message
	}
}
