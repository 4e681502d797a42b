package annotate

import (
	"bytes"
	"image"
	"image/color"
	stddraw "image/draw"
	"image/jpeg"

	"cvcounter/internal/geometry"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Indicator colors for track centroids.
var (
	Counted   = color.RGBA{0, 255, 0, 255}
	Uncounted = color.RGBA{255, 0, 255, 255}
)

const areaAlpha = 0.4

// ToRGBA copies img into a mutable RGBA canvas.
func ToRGBA(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	stddraw.Draw(rgba, bounds, img, bounds.Min, stddraw.Src)
	return rgba
}

// FillPolygon alpha-blends the counting area onto the canvas.
func FillPolygon(img *image.RGBA, poly geometry.Polygon, c color.RGBA) {
	area := poly.Bounds().Intersect(img.Bounds())
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			if poly.Contains(image.Point{x, y}) {
				blend(img, x, y, c, areaAlpha)
			}
		}
	}
}

// FillCircle draws a filled circle of the given radius at center.
func FillCircle(img *image.RGBA, center image.Point, radius int, c color.RGBA) {
	bounds := img.Bounds()
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			x, y := center.X+dx, center.Y+dy
			if x >= bounds.Min.X && x < bounds.Max.X && y >= bounds.Min.Y && y < bounds.Max.Y {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

// DrawText renders a line of text at (x, y) with a dark backing box.
func DrawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	if y < 13 {
		y = 13
	}
	if x < 0 {
		x = 0
	}

	bg := color.RGBA{0, 0, 0, 180}
	width := len(text) * 7
	for dy := -11; dy < 3; dy++ {
		for dx := -2; dx < width+2; dx++ {
			px, py := x+dx, y+dy
			if px >= 0 && px < img.Bounds().Max.X && py >= 0 && py < img.Bounds().Max.Y {
				img.Set(px, py, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// Scale resizes img to percent of its original size. 100 or less than 1
// returns the input unchanged.
func Scale(img image.Image, percent int) image.Image {
	if percent == 100 || percent < 1 {
		return img
	}
	b := img.Bounds()
	w := b.Dx() * percent / 100
	h := b.Dy() * percent / 100
	if w < 1 || h < 1 {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// EncodeJPEG encodes img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = 75
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func blend(img *image.RGBA, x, y int, c color.RGBA, alpha float64) {
	old := img.RGBAAt(x, y)
	img.SetRGBA(x, y, color.RGBA{
		R: mix(old.R, c.R, alpha),
		G: mix(old.G, c.G, alpha),
		B: mix(old.B, c.B, alpha),
		A: 255,
	})
}

func mix(a, b uint8, alpha float64) uint8 {
	return uint8(float64(a)*(1-alpha) + float64(b)*alpha)
}
