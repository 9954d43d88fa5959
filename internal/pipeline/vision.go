package pipeline

import (
	"fmt"
	"math"
)

// Image is a decoded, normalized tensor in channel-major (CHW) layout.
type Image struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// Validate checks that the tensor shape matches its data.
func (im Image) Validate() error {
	if im.Channels <= 0 || im.Height <= 0 || im.Width <= 0 {
		return fmt.Errorf("image shape %dx%dx%d is empty", im.Channels, im.Height, im.Width)
	}
	if len(im.Data) != im.Channels*im.Height*im.Width {
		return fmt.Errorf("image data has %d values, shape needs %d", len(im.Data), im.Channels*im.Height*im.Width)
	}
	return nil
}

func (im Image) at(c, y, x int) float32 {
	if y < 0 || y >= im.Height || x < 0 || x >= im.Width {
		return 0
	}
	return im.Data[(c*im.Height+y)*im.Width+x]
}

// crop is a TxT view of an image: local (u, v) samples source pixel
// (oy + u*sy, ox + v*sx).
type crop struct {
	oy, ox float64
	sy, sx float64
}

type visionEncoder struct {
	cfg  VisionConfig
	proj matrix // hidden x (channels + 2)
}

func newVisionEncoder(cfg VisionConfig, hidden int, seed uint64) *visionEncoder {
	if cfg.Channels <= 0 {
		cfg.Channels = 3
	}
	f := newFiller(seed, 0x715)
	return &visionEncoder{cfg: cfg, proj: f.dense(hidden, cfg.Channels+2, 1)}
}

func (e *visionEncoder) tokensPerCrop() int { return e.cfg.Patches * e.cfg.Patches }

// crops cuts img according to the resolution mode. The single-resolution
// mode needs an exact tile; the multi-resolution mode tiles the image on a
// grid and appends a downscaled global view when there is more than one
// tile.
func (e *visionEncoder) crops(img Image) ([]crop, error) {
	if err := img.Validate(); err != nil {
		return nil, preprocessErrorf(KindImage, "%v", err)
	}
	if img.Channels != e.cfg.Channels {
		return nil, preprocessErrorf(KindImage, "image has %d channels, model expects %d", img.Channels, e.cfg.Channels)
	}
	t := e.cfg.TileSize
	if img.Height == t && img.Width == t {
		return []crop{{sy: 1, sx: 1}}, nil
	}
	if !e.cfg.MultiResolution {
		return nil, preprocessErrorf(KindImage, "image is %dx%d, model needs %dx%d", img.Height, img.Width, t, t)
	}
	rows := (img.Height + t - 1) / t
	cols := (img.Width + t - 1) / t
	if e.cfg.MaxTiles > 0 && rows*cols > e.cfg.MaxTiles {
		return nil, preprocessErrorf(KindTooManyTiles, "image needs %d tiles, limit is %d", rows*cols, e.cfg.MaxTiles)
	}
	out := make([]crop, 0, rows*cols+1)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out = append(out, crop{oy: float64(r * t), ox: float64(c * t), sy: 1, sx: 1})
		}
	}
	if len(out) > 1 {
		out = append(out, crop{sy: float64(img.Height) / float64(t), sx: float64(img.Width) / float64(t)})
	}
	return out, nil
}

// encode returns one embedding per patch across all crops of img.
func (e *visionEncoder) encode(img Image) ([][]float32, error) {
	crops, err := e.crops(img)
	if err != nil {
		return nil, err
	}
	p := e.cfg.Patches
	side := e.cfg.TileSize / p
	feat := make([]float32, e.cfg.Channels+2)
	out := make([][]float32, 0, len(crops)*p*p)
	for _, cr := range crops {
		for py := 0; py < p; py++ {
			for px := 0; px < p; px++ {
				for ch := 0; ch < e.cfg.Channels; ch++ {
					var sum float32
					for u := py * side; u < (py+1)*side; u++ {
						y := int(math.Floor(cr.oy + float64(u)*cr.sy))
						for v := px * side; v < (px+1)*side; v++ {
							x := int(math.Floor(cr.ox + float64(v)*cr.sx))
							sum += img.at(ch, y, x)
						}
					}
					feat[ch] = sum / float32(side*side)
				}
				feat[e.cfg.Channels] = float32(py) / float32(p)
				feat[e.cfg.Channels+1] = float32(px) / float32(p)
				emb := make([]float32, e.proj.Rows())
				e.proj.MulVec(emb, feat)
				rmsNorm(emb)
				out = append(out, emb)
			}
		}
	}
	return out, nil
}

// TokensFor reports how many prompt positions img will occupy, or an error
// when the image cannot be accepted.
func (e *visionEncoder) TokensFor(img Image) (int, error) {
	crops, err := e.crops(img)
	if err != nil {
		return 0, err
	}
	return len(crops) * e.tokensPerCrop(), nil
}
