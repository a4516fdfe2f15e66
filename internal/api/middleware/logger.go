// Package middleware provides gin middleware for the vmvault control plane.
package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const redactedValue = "[REDACTED]"

// sensitiveParams are query parameter names, lower-cased, whose values never
// reach the log.
var sensitiveParams = map[string]struct{}{
	"token":    {},
	"key":      {},
	"secret":   {},
	"password": {},
}

// redactQueryString masks sensitive parameter values. Queries that fail to
// parse or hold nothing sensitive are returned unchanged.
func redactQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	var masked bool
	for name, values := range params {
		if _, ok := sensitiveParams[strings.ToLower(name)]; !ok {
			continue
		}
		for i := range values {
			values[i] = redactedValue
		}
		masked = true
	}
	if !masked {
		return rawQuery
	}
	return params.Encode()
}

// requestLevel picks the log level of a finished request. Health probes log
// at debug so they do not drown out run traffic.
func requestLevel(method, path string, status int) zerolog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zerolog.ErrorLevel
	case status >= http.StatusBadRequest:
		return zerolog.WarnLevel
	case method == http.MethodGet && strings.HasPrefix(path, "/health"):
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// RequestLogger returns a middleware that logs one line per request.
// Websocket streams are logged when they close.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		start := time.Now()
		req := c.Request
		query := redactQueryString(req.URL.RawQuery)

		c.Next()

		status := c.Writer.Status()
		event := log.WithLevel(requestLevel(req.Method, req.URL.Path, status))
		if route := c.FullPath(); route != "" {
			event = event.Str("route", route)
		}
		if id := c.Param("id"); id != "" {
			event = event.Str("run_id", id)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}

		event.
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("query", query).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("request")
	}
}
