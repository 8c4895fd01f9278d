package engine

import (
	"errors"
	"strconv"
	"strings"
)

// BuildSQL renders the per-file scan. Column expressions and the predicate
// are passed through; callers validate them first.
func BuildSQL(req ScanRequest) (string, error) {
	if req.URL == "" {
		return "", errors.New("scan url is required")
	}
	if len(req.Columns) == 0 {
		return "", errors.New("at least one column is required")
	}
	if req.Limit <= 0 {
		return "", errors.New("limit must be positive")
	}
	where := strings.TrimSpace(req.Where)
	if where == "" {
		where = "true"
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(req.Columns, ", "))
	b.WriteString(" FROM read_parquet([")
	b.WriteString(QuoteLiteral(req.URL))
	b.WriteString("], hive_partitioning=false) WHERE ")
	b.WriteString(where)
	b.WriteString(" LIMIT ")
	b.WriteString(strconv.Itoa(req.Limit))
	return b.String(), nil
}

// QuoteLiteral renders s as a single-quoted SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
