// Package preprocess turns a drawing-surface snapshot into the fixed-size
// tensor a classifier consumes.
package preprocess

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/nfnt/resize"
	xdraw "golang.org/x/image/draw"
)

// Filter names a resampling kernel.
type Filter string

const (
	Bilinear   Filter = "bilinear"
	Lanczos3   Filter = "lanczos3"
	CatmullRom Filter = "catmullrom"
)

// ParseFilter validates a filter name. Empty selects Bilinear; there is no
// nearest-neighbour filter.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(s); f {
	case Bilinear, Lanczos3, CatmullRom:
		return f, nil
	case "":
		return Bilinear, nil
	default:
		return "", fmt.Errorf("unknown resampling filter %q", s)
	}
}

// Resampler scales images to a square target size.
type Resampler struct {
	Filter Filter
	// Background fills the padding added to non-square input.
	Background color.Color
}

// NewResampler returns a resampler using f with a white background.
func NewResampler(f Filter) *Resampler {
	return &Resampler{Filter: f, Background: color.White}
}

// Resample returns exactly size×size pixels regardless of the source
// resolution. Non-square sources are centre-padded to a square first, so any
// padding is split evenly between opposite sides.
func (r *Resampler) Resample(img image.Image, size int) *image.RGBA {
	if size <= 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	src := r.square(img)

	var out image.Image
	switch r.Filter {
	case Lanczos3:
		out = resize.Resize(uint(size), uint(size), src, resize.Lanczos3)
	case CatmullRom:
		dst := image.NewRGBA(image.Rect(0, 0, size, size))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
		out = dst
	default:
		out = resize.Resize(uint(size), uint(size), src, resize.Bilinear)
	}
	return toRGBA(out, size)
}

func (r *Resampler) square(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == h {
		return img
	}
	side := max(w, h)
	bg := r.Background
	if bg == nil {
		bg = color.White
	}
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	off := image.Pt((side-w)/2, (side-h)/2)
	draw.Draw(dst, image.Rectangle{Min: off, Max: off.Add(image.Pt(w, h))}, img, b.Min, draw.Src)
	return dst
}

// toRGBA returns img as an *image.RGBA anchored at the origin.
func toRGBA(img image.Image, size int) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds() == image.Rect(0, 0, size, size) {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst
}
