// Package overlay draws detection boxes and label chips onto frames.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/temmie0232/detectcam/internal/detect"
)

var (
	boxColor  = color.RGBA{R: 16, G: 220, B: 96, A: 255}
	chipColor = color.RGBA{R: 16, G: 220, B: 96, A: 255}
	textColor = color.RGBA{R: 10, G: 10, B: 10, A: 255}
)

const (
	lineWidth  = 3.0
	fontSize   = 14.0
	chipHeight = 20.0
	textInset  = 4.0
)

var fontFace font.Face

func init() {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
	fontFace = truetype.NewFace(f, &truetype.Options{Size: fontSize})
}

// Compose returns a new image holding frame with the detection overlay
// baked on top. The output always starts from a fresh copy of the
// frame, so repeated calls with the same inputs produce identical
// pixels and nothing accumulates across calls. Detections draw in set
// order; later entries paint over earlier ones where boxes overlap.
func Compose(frame image.Image, dets detect.Set) *image.RGBA {
	bounds := frame.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), frame, bounds.Min, draw.Src)
	Render(dst, dets)
	return dst
}

// Render draws the detection overlay onto dst in place. Callers own
// clearing: Compose repaints the frame first, which is what gives the
// no-accumulation guarantee.
func Render(dst *image.RGBA, dets detect.Set) {
	if len(dets) == 0 {
		return
	}
	dc := gg.NewContextForRGBA(dst)
	dc.SetFontFace(fontFace)

	for _, d := range dets {
		drawBox(dc, d)
		drawLabel(dc, d)
	}
}

func drawBox(dc *gg.Context, d detect.Detection) {
	dc.SetColor(boxColor)
	dc.SetLineWidth(lineWidth)
	dc.DrawRectangle(float64(d.BBox.X), float64(d.BBox.Y), float64(d.BBox.W), float64(d.BBox.H))
	dc.Stroke()
}

func drawLabel(dc *gg.Context, d detect.Detection) {
	text := fmt.Sprintf("%s %d%%", d.Class, int(math.Round(d.Score*100)))
	textW, _ := dc.MeasureString(text)

	chipW := textW + 2*textInset
	chipX := float64(d.BBox.X)
	chipY := float64(d.BBox.Y) - chipHeight
	if chipY < 0 {
		// Box touches the top edge; drop the chip inside the box.
		chipY = float64(d.BBox.Y)
	}

	dc.SetColor(chipColor)
	dc.DrawRectangle(chipX, chipY, chipW, chipHeight)
	dc.Fill()

	dc.SetColor(textColor)
	dc.DrawString(text, chipX+textInset, chipY+chipHeight-(chipHeight-fontSize)/2-1)
}
