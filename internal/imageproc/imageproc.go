// Package imageproc turns encoded images into the normalized CHW tensors the
// vision pipeline consumes. PNG, JPEG, GIF, BMP and WebP inputs are accepted
// as raw bytes, base64 strings (optionally data URIs) or file paths.
package imageproc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"inferd/internal/common/fsutil"
	"inferd/internal/pipeline"
)

// Defaults applied by New.
const (
	defaultChannels = 3
	defaultMaxBytes = 16 << 20
)

// CLIP normalization constants, the usual choice for vision towers.
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Config controls decoding and resizing.
type Config struct {
	// Channels is 3 (RGB) or 1 (luma).
	Channels int
	// Fit, when positive, rescales every image to exactly Fit x Fit.
	Fit int
	// MaxSide, when positive, downscales images whose longer side exceeds it,
	// keeping the aspect ratio. Ignored when Fit is set.
	MaxSide int
	// MaxBytes bounds the encoded size.
	MaxBytes int
	// Raw skips mean/std normalization and leaves values in [0, 1].
	Raw bool
}

// Processor decodes images. It is safe for concurrent use.
type Processor struct {
	cfg Config
}

// New returns a processor, applying defaults.
func New(cfg Config) *Processor {
	if cfg.Channels != 1 {
		cfg.Channels = defaultChannels
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &Processor{cfg: cfg}
}

// ForVision configures a processor for a model's vision geometry:
// single-resolution models get every image fitted to the tile size.
func ForVision(caps pipeline.Capabilities, channels int) *Processor {
	cfg := Config{Channels: channels}
	if !caps.MultiResolution {
		cfg.Fit = caps.TileSize
	}
	return New(cfg)
}

// decodeError reports input that is not a decodable image.
type decodeError struct{ err error }

func (e decodeError) Error() string { return "image: " + e.err.Error() }
func (e decodeError) Unwrap() error { return e.err }

// IsDecodeError reports whether err came from image decoding.
func IsDecodeError(err error) bool {
	var e decodeError
	return errors.As(err, &e)
}

// FromBytes decodes encoded image bytes.
func (p *Processor) FromBytes(data []byte) (pipeline.Image, error) {
	if len(data) > p.cfg.MaxBytes {
		return pipeline.Image{}, decodeError{fmt.Errorf("%d bytes exceeds limit of %d", len(data), p.cfg.MaxBytes)}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return pipeline.Image{}, decodeError{err}
	}
	return p.Tensor(img), nil
}

// FromBase64 decodes a base64 string or a data URI.
func (p *Processor) FromBase64(s string) (pipeline.Image, error) {
	if strings.HasPrefix(s, "data:") {
		i := strings.IndexByte(s, ',')
		if i < 0 {
			return pipeline.Image{}, decodeError{errors.New("malformed data URI")}
		}
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			if data, err = base64.URLEncoding.DecodeString(s); err != nil {
				return pipeline.Image{}, decodeError{fmt.Errorf("base64: %w", err)}
			}
		}
	}
	return p.FromBytes(data)
}

// FromFile reads and decodes the image at path; a leading ~ is expanded.
func (p *Processor) FromFile(path string) (pipeline.Image, error) {
	data, err := fsutil.ReadFileLimit(path, int64(p.cfg.MaxBytes))
	if err != nil {
		return pipeline.Image{}, err
	}
	return p.FromBytes(data)
}

// Tensor resizes img per the configuration and converts it to a normalized
// CHW tensor.
func (p *Processor) Tensor(img image.Image) pipeline.Image {
	img = p.resize(img)
	b := img.Bounds()
	w, h, c := b.Dx(), b.Dy(), p.cfg.Channels
	out := pipeline.Image{Channels: c, Height: h, Width: w, Data: make([]float32, c*h*w)}
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			px := [3]float32{float32(r) / 0xffff, float32(g) / 0xffff, float32(bl) / 0xffff}
			i := y*w + x
			if c == 1 {
				v := 0.299*px[0] + 0.587*px[1] + 0.114*px[2]
				if !p.cfg.Raw {
					v = (v - 0.5) / 0.5
				}
				out.Data[i] = v
				continue
			}
			for ch := 0; ch < 3; ch++ {
				v := px[ch]
				if !p.cfg.Raw {
					v = (v - clipMean[ch]) / clipStd[ch]
				}
				out.Data[ch*plane+i] = v
			}
		}
	}
	return out
}

func (p *Processor) resize(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	nw, nh := w, h
	switch {
	case p.cfg.Fit > 0:
		nw, nh = p.cfg.Fit, p.cfg.Fit
	case p.cfg.MaxSide > 0 && max(w, h) > p.cfg.MaxSide:
		if w >= h {
			nw, nh = p.cfg.MaxSide, max(1, h*p.cfg.MaxSide/w)
		} else {
			nw, nh = max(1, w*p.cfg.MaxSide/h), p.cfg.MaxSide
		}
	}
	if nw == w && nh == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
