package preprocess

import (
	"fmt"
	"image"

	"github.com/Brownie44l1/hcr-api/internal/model"
)

// Normalizer converts an RGBA image into a single-channel float tensor.
//
// luminance = mean(R, G, B) / 255
// DarkOnLight: value = 1 - luminance (black ink on white -> 1)
// LightOnDark: value = luminance
//
// Alpha is ignored; surfaces are opaque.
type Normalizer struct {
	Size     int
	Polarity model.Polarity
}

// Normalize returns a row-major tensor of Size*Size values in [0, 1].
func (n Normalizer) Normalize(img *image.RGBA) ([]float32, error) {
	b := img.Bounds()
	if b.Dx() != n.Size || b.Dy() != n.Size {
		return nil, &model.ShapeMismatchError{
			What: "resampled image",
			Want: fmt.Sprintf("%dx%d", n.Size, n.Size),
			Got:  fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		}
	}

	out := make([]float32, 0, n.Size*n.Size)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < n.Size; x++ {
			p := row[x*4 : x*4+3]
			lum := (float32(p[0]) + float32(p[1]) + float32(p[2])) / (3 * 255)
			v := lum
			if n.Polarity != model.LightOnDark {
				v = 1 - lum
			}
			out = append(out, clamp01(v))
		}
	}
	return out, nil
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
