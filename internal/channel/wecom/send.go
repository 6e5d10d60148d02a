package wecom

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// MaxTextRunes caps one text message.
const MaxTextRunes = 2000

// ErrUpload is returned when neither upload endpoint produced a media id.
var ErrUpload = errors.New("wecom: image upload failed")

type textBody struct {
	Content string `json:"content"`
}

type imageBody struct {
	MediaID string `json:"media_id"`
}

type sendRequest struct {
	ToUser   string     `json:"touser"`
	OpenKfID string     `json:"open_kfid,omitempty"`
	MsgType  string     `json:"msgtype"`
	Text     *textBody  `json:"text,omitempty"`
	Image    *imageBody `json:"image,omitempty"`
}

// SendText sends one text message, markdown stripped and cut to
// MaxTextRunes. A frequency-limited send returns an *APIError whose
// RateLimited reports true.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	content := StripMarkdown(text)
	if r := []rune(content); len(r) > MaxTextRunes {
		content = string(r[:MaxTextRunes])
	}
	body, err := c.postJSON(ctx, "kf/send_msg", "/cgi-bin/kf/send_msg", sendRequest{
		ToUser:   to,
		OpenKfID: c.OpenKfID,
		MsgType:  MsgTypeText,
		Text:     &textBody{Content: content},
	})
	if err != nil {
		return err
	}
	log.Info().Str("to", to).Str("msgid", gjson.GetBytes(body, "msgid").String()).Msg("kf text sent")
	return nil
}

// SendImage uploads data as temporary media and sends it. Images over the
// platform limit are downscaled first.
func (c *Client) SendImage(ctx context.Context, to string, data []byte, filename string) error {
	if filename == "" {
		filename = "image.jpg"
	}
	data, filename = Downscale(data, filename)
	mediaID, err := c.UploadImage(ctx, data, filename)
	if err != nil {
		return err
	}
	_, err = c.postJSON(ctx, "kf/send_msg", "/cgi-bin/kf/send_msg", sendRequest{
		ToUser:   to,
		OpenKfID: c.OpenKfID,
		MsgType:  MsgTypeImage,
		Image:    &imageBody{MediaID: mediaID},
	})
	if err != nil {
		return err
	}
	log.Info().Str("to", to).Int("bytes", len(data)).Msg("kf image sent")
	return nil
}

// UploadImage uploads temporary image media and returns its media id. The KF
// endpoint is tried first, then the generic media endpoint.
func (c *Client) UploadImage(ctx context.Context, data []byte, filename string) (string, error) {
	endpoints := []struct{ op, path string }{
		{"kf/media/upload", "/cgi-bin/kf/media/upload?media_type=image"},
		{"media/upload", "/cgi-bin/media/upload?type=image"},
	}
	for _, ep := range endpoints {
		body, err := c.call(ctx, ep.op, http.MethodPost, func() (string, string, []byte, error) {
			b, ctype, err := multipartImage(data, filename)
			return ep.path, ctype, b, err
		})
		if err != nil {
			log.Warn().Err(err).Str("endpoint", ep.op).Msg("image upload failed")
			continue
		}
		if id := gjson.GetBytes(body, "media_id").String(); id != "" {
			return id, nil
		}
		log.Warn().Str("endpoint", ep.op).Str("resp", truncate(body, 300)).Msg("image upload returned no media id")
	}
	return "", ErrUpload
}

func multipartImage(data []byte, filename string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	ctype := mime.TypeByExtension(filepath.Ext(filename))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "media", "filename": filename}))
	h.Set("Content-Type", ctype)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
