package query

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/observability"
	"github.com/sqlbridge/sqlbridge/internal/toolerr"
)

// WarehouseExecutor runs a single statement on a borrowed session. It does
// not parse or rewrite SQL; limits are applied while fetching.
type WarehouseExecutor struct {
	log *slog.Logger
}

func NewExecutor(log *slog.Logger) *WarehouseExecutor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &WarehouseExecutor{log: log}
}

func (e *WarehouseExecutor) Execute(ctx context.Context, sess Session, job Job) (Result, error) {
	sqlText := stripTrailingSemicolons(job.SQL)
	if sqlText == "" {
		return Result{}, toolerr.New(toolerr.KindInvalidArgument, "sql is required")
	}

	start := time.Now()
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	rows, err := sess.QueryContext(ctx, sqlText)
	if err != nil {
		return Result{}, toolerr.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, toolerr.Classify(err)
	}

	dbTypes := make([]string, len(columns))
	if colTypes, err := rows.ColumnTypes(); err == nil && len(colTypes) == len(columns) {
		for i, colType := range colTypes {
			dbTypes[i] = colType.DatabaseTypeName()
		}
	}
	typeNames := make([]string, len(columns))
	for i, dbType := range dbTypes {
		typeNames[i] = portableTypeName(dbType)
	}

	resultRows := make([][]any, 0)
	var resultBytes int64
	truncated := false
	for rows.Next() {
		if job.RowLimit > 0 && len(resultRows) >= job.RowLimit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, toolerr.Classify(err)
		}
		mapped, size := portableRow(values, dbTypes)
		if job.MaxResultBytes > 0 && len(resultRows) > 0 && resultBytes+size > job.MaxResultBytes {
			truncated = true
			break
		}
		resultBytes += size
		resultRows = append(resultRows, mapped)
	}
	if err := rows.Err(); err != nil && !truncated {
		return Result{}, toolerr.Classify(err)
	}

	elapsed := time.Since(start)
	observability.ObserveQueryResult(len(resultRows), truncated)
	e.log.Debug("executed statement",
		slog.String("request_id", job.RequestID),
		slog.Int("rows", len(resultRows)),
		slog.Bool("truncated", truncated),
		slog.Duration("elapsed", elapsed),
	)

	return Result{
		Columns:     columns,
		ColumnTypes: typeNames,
		Rows:        resultRows,
		Truncated:   truncated,
		Elapsed:     elapsed,
	}, nil
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
