package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerWithRequest carries the request id and route on every API log line.
func loggerWithRequest(r *http.Request) zerolog.Logger {
	if r == nil {
		return log.Logger
	}

	route := r.Pattern
	if route == "" {
		route = r.Method + " " + r.URL.Path
	}
	return log.With().
		Str("request_id", GetRequestID(r)).
		Str("route", route).
		Str("client_ip", clientIP(r)).
		Logger()
}
