package wecom

import (
	"bytes"
	"image"
	"image/jpeg"
	"path/filepath"
	"strings"

	// Registered decoders for the formats backends return.
	_ "image/gif"
	_ "image/png"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Image size limits of the platform.
const (
	MaxImageBytes = 2 << 20
	MaxImageSide  = 1280
)

const (
	startQuality = 85
	minQuality   = 60
	qualityStep  = 5
)

// Downscale shrinks images over MaxImageBytes: the longer side is cut to
// MaxImageSide and the result re-encoded as JPEG, lowering quality from 85
// to 60 until it fits. The input is returned unchanged when it is small
// enough, cannot be decoded, or does not fit at the lowest quality.
func Downscale(data []byte, filename string) ([]byte, string) {
	if len(data) <= MaxImageBytes {
		return data, filename
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Warn().Err(err).Msg("downscale: decode failed")
		return data, filename
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if long := max(w, h); long > MaxImageSide {
		w, h = w*MaxImageSide/long, h*MaxImageSide/long
	}
	dst := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	for q := startQuality; q >= minQuality; q -= qualityStep {
		buf.Reset()
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: q}); err != nil {
			log.Warn().Err(err).Msg("downscale: encode failed")
			return data, filename
		}
		if buf.Len() <= MaxImageBytes {
			log.Debug().Int("from", len(data)).Int("to", buf.Len()).Int("quality", q).Msg("image downscaled")
			return buf.Bytes(), jpegName(filename)
		}
	}
	return data, filename
}

func jpegName(filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	if base == "" {
		base = "image"
	}
	return base + ".jpg"
}
