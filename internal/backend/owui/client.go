// Package owui is the client for the Open WebUI chat backend.
//
// Conversation documents are read with gjson and patched with sjson, so
// fields the bridge does not model survive every read-modify-write.
package owui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 120 * time.Second

const maxBody = 32 << 20

// ErrNoChatID is returned when the backend accepted a create request but the
// response carried no conversation id.
var ErrNoChatID = errors.New("backend returned no chat id")

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	Op     string
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsStatus reports whether err is an HTTPError with the given status.
func IsStatus(err error, status int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == status
}

var modelNotFoundKeys = []string{
	"model not found", "no such model", "invalid model", "missing model",
	"could not find", "unknown model", "unavailable model",
	"缺少 model", "模型不可用", "模型不存在", "模型未找到",
}

// IsModelNotFound reports whether err says the requested model is unavailable.
func IsModelNotFound(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, k := range modelNotFoundKeys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Client talks to one Open WebUI instance. Every call authenticates with the
// caller's API key.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

// New returns a Client for baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

func (c *Client) nowMillis() int64 { return c.now().UnixMilli() }

// do sends one request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, op, method, path, token string, body []byte) ([]byte, error) {
	ctx, span := otel.Tracer("owui/Client").Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", routeOf(path)),
		))
	defer span.End()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		log.Error().Err(err).Str("op", op).Str("path", routeOf(path)).Msg("backend request failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	ev := log.Debug()
	if resp.StatusCode >= 300 {
		ev = log.Warn()
	}
	ev.Str("op", op).
		Str("method", method).
		Str("path", routeOf(path)).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("backend call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return nil, &HTTPError{Op: op, Status: resp.StatusCode, Detail: errorDetail(data)}
	}
	return data, nil
}

// errorDetail extracts the backend's "detail" message, falling back to the
// first 300 bytes of the body.
func errorDetail(body []byte) string {
	if gjson.ValidBytes(body) {
		if d := gjson.GetBytes(body, "detail"); d.Exists() {
			return d.String()
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

// routeOf drops the query string so span names stay low-cardinality.
func routeOf(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
