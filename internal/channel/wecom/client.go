// Package wecom is the client for the WeCom customer-service (KF) channel:
// callback crypto, message pull, text and image sends, and media download.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultBaseURL is the public API host.
const DefaultBaseURL = "https://qyapi.weixin.qq.com"

// API error codes the client reacts to.
const (
	CodeFrequencyLimited = 95001
	codeInvalidToken     = 40014
	codeTokenExpired     = 42001
)

// tokenSkew refreshes the access token this long before it expires.
const tokenSkew = 60 * time.Second

// APIError is a response with a non-zero errcode.
type APIError struct {
	Op   string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wecom %s: errcode=%d errmsg=%s", e.Op, e.Code, e.Msg)
}

// RateLimited reports whether the platform rejected the call for sending too
// often to one recipient.
func (e *APIError) RateLimited() bool { return e.Code == CodeFrequencyLimited }

// IsFrequencyLimited reports whether err carries errcode 95001.
func IsFrequencyLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.RateLimited()
}

// Client calls the KF API on behalf of one corp and customer-service account.
type Client struct {
	BaseURL  string
	CorpID   string
	Secret   string
	OpenKfID string
	HTTP     *http.Client

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// New returns a Client with a 20 s request timeout.
func New(corpID, secret, openKfID string) *Client {
	return &Client{
		BaseURL:  DefaultBaseURL,
		CorpID:   corpID,
		Secret:   secret,
		OpenKfID: openKfID,
		HTTP:     &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// AccessToken returns a cached access token, fetching a new one when the
// cached one is within a minute of expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expires.Add(-tokenSkew)) {
		return c.token, nil
	}

	q := url.Values{"corpid": {c.CorpID}, "corpsecret": {c.Secret}}
	body, err := c.raw(ctx, "gettoken", http.MethodGet, "/cgi-bin/gettoken?"+q.Encode(), "", nil)
	if err != nil {
		return "", err
	}
	if err := apiErr("gettoken", body); err != nil {
		return "", err
	}
	tok := gjson.GetBytes(body, "access_token").String()
	if tok == "" {
		return "", &APIError{Op: "gettoken", Msg: "no access_token in response"}
	}
	ttl := gjson.GetBytes(body, "expires_in").Int()
	if ttl <= 0 {
		ttl = 7200
	}
	c.token, c.expires = tok, c.now().Add(time.Duration(ttl)*time.Second)
	log.Info().Int64("expires_in", ttl).Msg("wecom access token refreshed")
	return tok, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// call runs an authenticated API call, retrying once with a fresh token when
// the cached one was rejected. build returns the path (with query, without
// access_token), content type and body.
func (c *Client) call(ctx context.Context, op, method string, build func() (string, string, []byte, error)) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		tok, err := c.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		path, ctype, body, err := build()
		if err != nil {
			return nil, err
		}
		sep := "?"
		if bytes.ContainsRune([]byte(path), '?') {
			sep = "&"
		}
		data, err := c.raw(ctx, op, method, path+sep+"access_token="+url.QueryEscape(tok), ctype, body)
		if err != nil {
			return nil, err
		}
		err = apiErr(op, data)
		var ae *APIError
		if attempt == 0 && errors.As(err, &ae) && (ae.Code == codeInvalidToken || ae.Code == codeTokenExpired) {
			c.invalidate()
			continue
		}
		if err != nil {
			return data, err
		}
		return data, nil
	}
}

func (c *Client) postJSON(ctx context.Context, op, path string, payload any) ([]byte, error) {
	return c.call(ctx, op, http.MethodPost, func() (string, string, []byte, error) {
		b, err := json.Marshal(payload)
		return path, "application/json", b, err
	})
}

// raw performs one HTTP exchange and returns the body of a 2xx response.
func (c *Client) raw(ctx context.Context, op, method, path, ctype string, body []byte) ([]byte, error) {
	ctx, span := otel.Tracer("wecom/Client").Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method)))
	defer span.End()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("wecom %s: %w", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("wecom %s: read body: %w", op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("wecom %s: unexpected status code: %d body=%q", op, resp.StatusCode, truncate(data, 300))
	}
	return data, nil
}

// apiErr returns an APIError when body is a JSON object with a non-zero
// errcode.
func apiErr(op string, body []byte) error {
	if !gjson.ValidBytes(body) {
		return nil
	}
	code := gjson.GetBytes(body, "errcode")
	if !code.Exists() || code.Int() == 0 {
		return nil
	}
	return &APIError{Op: op, Code: int(code.Int()), Msg: gjson.GetBytes(body, "errmsg").String()}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
