package query

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// The portable scalar set: null, boolean, integer, float, decimal-as-string,
// string, timestamp-as-RFC3339-string, binary-as-base64. Anything the driver
// produces outside this set falls back to its string rendering.

func portableRow(values []any, dbTypes []string) ([]any, int64) {
	mapped := make([]any, len(values))
	var size int64
	for i, value := range values {
		dbType := ""
		if i < len(dbTypes) {
			dbType = dbTypes[i]
		}
		converted, n := portableValue(value, dbType)
		mapped[i] = converted
		size += n
	}
	return mapped, size
}

func portableValue(value any, dbType string) (any, int64) {
	switch typed := value.(type) {
	case nil:
		return nil, 4
	case bool:
		return typed, 1
	case int:
		return int64(typed), 8
	case int8:
		return int64(typed), 8
	case int16:
		return int64(typed), 8
	case int32:
		return int64(typed), 8
	case int64:
		return typed, 8
	case uint:
		return int64(typed), 8
	case uint8:
		return int64(typed), 8
	case uint16:
		return int64(typed), 8
	case uint32:
		return int64(typed), 8
	case uint64:
		return int64(typed), 8
	case float32:
		return float64(typed), 8
	case float64:
		return typed, 8
	case string:
		return typed, int64(len(typed))
	case []byte:
		if isBinaryType(dbType) {
			encoded := base64.StdEncoding.EncodeToString(typed)
			return encoded, int64(len(encoded))
		}
		rendered := string(typed)
		return rendered, int64(len(rendered))
	case time.Time:
		rendered := typed.UTC().Format(time.RFC3339Nano)
		return rendered, int64(len(rendered))
	case sql.RawBytes:
		rendered := string(typed)
		return rendered, int64(len(rendered))
	default:
		rendered := fmt.Sprintf("%v", typed)
		return rendered, int64(len(rendered))
	}
}

func portableTypeName(dbType string) string {
	switch strings.ToUpper(dbType) {
	case "BOOLEAN", "BOOL":
		return "boolean"
	case "TINYINT", "SMALLINT", "INT", "INTEGER", "BIGINT", "LONG", "BYTE", "SHORT":
		return "integer"
	case "FLOAT", "REAL", "DOUBLE":
		return "float"
	case "DECIMAL", "NUMERIC":
		return "decimal"
	case "DATE", "TIMESTAMP", "TIMESTAMP_NTZ":
		return "timestamp"
	case "BINARY", "BLOB", "VARBINARY":
		return "binary"
	case "NULL", "VOID":
		return "null"
	default:
		return "string"
	}
}

func isBinaryType(dbType string) bool {
	return portableTypeName(dbType) == "binary"
}
