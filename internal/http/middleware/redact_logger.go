package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-kf-bridge/internal/sysutil"
)

// RedactOptions configures RedactingLogger.
//
// MaskHeaders and MaskQuery add header and query parameter names whose values
// are replaced with "[REDACTED]"; matching is case-insensitive and merged with
// the built-in sets. PartialQuery names parameters that are logged through
// sysutil.Mask instead.
type RedactOptions struct {
	MaskHeaders  []string
	MaskQuery    []string
	PartialQuery []string
}

var (
	defaultMaskHeaders = []string{"authorization", "cookie", "set-cookie"}
	// Callback signatures and the encrypted echo string.
	defaultMaskQuery    = []string{"msg_signature", "signature", "echostr"}
	defaultPartialQuery = []string{"ext_uid"}
)

func lowerSet(base, extra []string) map[string]struct{} {
	m := make(map[string]struct{}, len(base)+len(extra))
	for _, s := range append(append([]string(nil), base...), extra...) {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			m[s] = struct{}{}
		}
	}
	return m
}

// RedactingLogger writes one structured access log per request with secrets
// scrubbed from the query string and headers, and attaches a request-scoped
// logger for handlers. Bodies are never logged. Level is info, warn for 4xx
// and error for 5xx or when handlers recorded errors.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := lowerSet(defaultMaskHeaders, opts.MaskHeaders)
	maskQuery := lowerSet(defaultMaskQuery, opts.MaskQuery)
	partialQuery := lowerSet(defaultPartialQuery, opts.PartialQuery)

	redactQuery := func(raw string) string {
		if raw == "" {
			return ""
		}
		q, err := url.ParseQuery(raw)
		if err != nil {
			return "[unparseable]"
		}
		for k, vv := range q {
			lk := strings.ToLower(k)
			for i := range vv {
				switch {
				case hasKey(maskQuery, lk):
					vv[i] = "[REDACTED]"
				case hasKey(partialQuery, lk):
					vv[i] = sysutil.Mask(vv[i])
				}
			}
		}
		return truncate(q.Encode(), maxQueryLogLength)
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if hasKey(maskHeaders, strings.ToLower(k)) {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = strings.Join(vv, ", ")
		}

		l := log.With().
			Str("request_id", RequestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		status := c.Writer.Status()
		ev := l.Info()
		switch {
		case len(c.Errors) > 0 || status >= 500:
			ev = l.Error()
			if len(c.Errors) > 0 {
				ev = ev.Str("errors", c.Errors.String())
			}
		case status >= 400:
			ev = l.Warn()
		}
		ev.
			Str("query", redactQuery(c.Request.URL.RawQuery)).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Int64("bytes_in", c.Request.ContentLength).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}
