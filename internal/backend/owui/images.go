package owui

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

var (
	mdImageRE   = regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`)
	bareImageRE = regexp.MustCompile(`(?i)(https?://[^\s)]+?\.(?:png|jpg|jpeg|gif|webp)(?:\?[^\s)]*)?)`)
)

// ErrNotImage is returned by FetchImage when the resource is not an image.
var ErrNotImage = errors.New("resource is not an image")

// Image download retry policy.
const (
	imageAttempts = 3
	imageBackoff  = 800 * time.Millisecond
	maxImageBytes = 20 << 20
)

// ExtractImages returns image URLs referenced in text: markdown images first,
// then bare image links, without duplicates.
func ExtractImages(text string) []string {
	var urls []string
	for _, m := range mdImageRE.FindAllStringSubmatch(text, -1) {
		urls = append(urls, strings.TrimSpace(m[1]))
	}
	urls = append(urls, bareImageRE.FindAllString(text, -1)...)
	return dedupe(urls)
}

// ReplaceImages substitutes every image reference in text with repl.
func ReplaceImages(text, repl string) string {
	text = mdImageRE.ReplaceAllLiteralString(text, repl)
	return bareImageRE.ReplaceAllLiteralString(text, repl)
}

// messageImages collects images from the message's images list, its
// image_url content parts and its text.
func messageImages(r gjson.Result, text string) []string {
	var urls []string
	r.Get("images").ForEach(func(_, v gjson.Result) bool {
		switch {
		case v.Type == gjson.String:
			urls = append(urls, v.String())
		case v.IsObject():
			for _, p := range []string{"url", "image_url.url", "image_url"} {
				if u := v.Get(p); u.Type == gjson.String && u.String() != "" {
					urls = append(urls, u.String())
					break
				}
			}
		}
		return true
	})
	if c := r.Get("content"); c.IsArray() {
		for _, p := range c.Array() {
			if p.Get("type").String() == "image_url" {
				if u := p.Get("image_url.url").String(); u != "" {
					urls = append(urls, u)
				}
			}
		}
	}
	urls = append(urls, ExtractImages(text)...)
	return dedupe(urls)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, u := range in {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AbsURL resolves a backend-relative reference against BaseURL. Absolute and
// data URLs are returned unchanged.
func (c *Client) AbsURL(ref string) string {
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return ref
	}
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return c.BaseURL + ref
}

// FetchImage loads an image referenced by a reply: a data URL, a URL on the
// backend (sent with the caller's key) or any other http(s) URL. Returns the
// bytes and a filename hint.
func (c *Client) FetchImage(ctx context.Context, token, ref string) ([]byte, string, error) {
	if strings.HasPrefix(ref, "data:") {
		return decodeDataURL(ref)
	}
	abs := c.AbsURL(ref)
	sameHost := false
	if bu, err := url.Parse(c.BaseURL); err == nil {
		if u, err := url.Parse(abs); err == nil && u.Host == bu.Host {
			sameHost = true
		}
	}

	var lastErr error
	for i := 0; i < imageAttempts; i++ {
		if i > 0 {
			t := time.NewTimer(imageBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, "", ctx.Err()
			case <-t.C:
			}
		}
		data, name, err := c.getImage(ctx, abs, token, sameHost)
		if err == nil {
			return data, name, nil
		}
		if errors.Is(err, ErrNotImage) {
			return nil, "", err
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", i+1).Str("url", abs).Msg("image download failed")
	}
	return nil, "", lastErr
}

func (c *Client) getImage(ctx context.Context, abs, token string, auth bool) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abs, nil)
	if err != nil {
		return nil, "", err
	}
	if auth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &HTTPError{Op: "FetchImage", Status: resp.StatusCode}
	}
	name := path.Base(resp.Request.URL.Path)
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "image/") && !hasImageExt(name) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotImage, ct)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", err
	}
	if !hasImageExt(name) {
		name = "image" + extFor(ct)
	}
	return data, name, nil
}

func decodeDataURL(s string) ([]byte, string, error) {
	head, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return nil, "", errors.New("malformed data url")
	}
	ct := strings.SplitN(head, ";", 2)[0]
	if !strings.HasPrefix(ct, "image/") {
		return nil, "", fmt.Errorf("%w: %s", ErrNotImage, ct)
	}
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(head, ";base64") {
		data, err = base64.StdEncoding.DecodeString(payload)
	} else {
		var un string
		un, err = url.PathUnescape(payload)
		data = []byte(un)
	}
	if err != nil {
		return nil, "", err
	}
	return data, "image" + extFor(ct), nil
}

func hasImageExt(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return true
	}
	return false
}

func extFor(ct string) string {
	ct = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	switch ct {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	}
	if exts, _ := mime.ExtensionsByType(ct); len(exts) > 0 {
		return exts[0]
	}
	return ".jpg"
}
