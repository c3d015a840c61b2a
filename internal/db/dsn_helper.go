package db

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// WithStatementTimeout adds a statement_timeout option to a DSN unless one is
// already present. URL and key=value forms are both supported. Non-positive
// timeouts leave the DSN untouched.
func WithStatementTimeout(dsn string, timeout time.Duration) string {
	if dsn == "" || timeout <= 0 || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}
	ms := strconv.FormatInt(timeout.Milliseconds(), 10)

	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		q := u.Query()
		q.Set("statement_timeout", ms)
		u.RawQuery = q.Encode()
		return u.String()
	}

	return dsn + " statement_timeout=" + ms
}
