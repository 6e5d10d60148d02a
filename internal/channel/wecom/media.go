package wecom

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrMedia is returned when no endpoint yielded image content.
var ErrMedia = errors.New("wecom: media unavailable")

// DownloadMedia fetches an inbound image by media id and returns it as a
// data URL. The KF endpoint is tried first, then the generic one; responses
// that are not image content (usually JSON errors) are skipped.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) (string, error) {
	tok, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	q := url.Values{"access_token": {tok}, "media_id": {mediaID}}.Encode()
	for _, path := range []string{"/cgi-bin/kf/media/get", "/cgi-bin/media/get"} {
		data, ctype, err := c.fetchMedia(ctx, path+"?"+q)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("media get failed")
			continue
		}
		return "data:" + ctype + ";base64," + base64.StdEncoding.EncodeToString(data), nil
	}
	return "", ErrMedia
}

func (c *Client) fetchMedia(ctx context.Context, path string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK || len(data) == 0 {
		return nil, "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	ctype := "image/jpeg"
	if h := resp.Header.Get("Content-Type"); h != "" {
		if mt, _, err := mime.ParseMediaType(h); err == nil {
			ctype = mt
		}
	}
	if !strings.HasPrefix(ctype, "image/") {
		return nil, "", fmt.Errorf("non-image content %s: %s", ctype, truncate(data, 200))
	}
	return data, ctype, nil
}
