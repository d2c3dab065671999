package detect

import (
	"context"
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// lightweightWidth is the inference width of the lightweight profile.
// Frames wider than this are downscaled before the component scan and
// the resulting boxes are scaled back to frame coordinates.
const lightweightWidth = 320

// luminanceModel finds dark connected components against a lighter
// background. It is the built-in backbone; both profiles share the
// scan and differ in input resolution and postprocessing.
type luminanceModel struct {
	cfg     Config
	scaleTo int // 0 = native resolution
}

func (m *luminanceModel) Name() string {
	if m.scaleTo > 0 {
		return "luminance-lightweight"
	}
	return "luminance-accurate"
}

func (m *luminanceModel) Detect(ctx context.Context, frame image.Image) (Set, error) {
	if frame == nil {
		return nil, errors.New("nil frame")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "inference canceled")
	}

	src := frame
	scale := 1.0
	if w := frame.Bounds().Dx(); m.scaleTo > 0 && w > m.scaleTo {
		scale = float64(w) / float64(m.scaleTo)
		src = resize.Resize(uint(m.scaleTo), 0, frame, resize.Bilinear)
	}

	dets := m.scan(src)

	if scale != 1.0 {
		for i := range dets {
			dets[i].BBox.X = int(float64(dets[i].BBox.X) * scale)
			dets[i].BBox.Y = int(float64(dets[i].BBox.Y) * scale)
			dets[i].BBox.W = int(float64(dets[i].BBox.W) * scale)
			dets[i].BBox.H = int(float64(dets[i].BBox.H) * scale)
		}
	}
	if m.scaleTo == 0 {
		dets = filterArea(dets, m.cfg.MinArea)
	}
	return dets, nil
}

// scan flood-fills connected components of pixels darker than the
// threshold and returns one detection per component. Score is the
// component's mean darkness margin relative to the threshold.
func (m *luminanceModel) scan(img image.Image) Set {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return Set{}
	}

	lum := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// Rec. 601 luma on 8-bit ranges.
			lum[y*w+x] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
	}

	seen := make([]bool, w*h)
	dets := Set{}
	queue := make([]image.Point, 0, 64)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if seen[idx] {
				continue
			}
			seen[idx] = true
			if lum[idx] >= m.cfg.Threshold {
				continue
			}

			// Grow the component, tracking its bounding box.
			x0, y0, x1, y1 := x, y, x, y
			sum, count := 0.0, 0
			queue = append(queue[:0], image.Point{X: x, Y: y})
			for len(queue) > 0 {
				pt := queue[len(queue)-1]
				queue = queue[:len(queue)-1]

				sum += lum[pt.Y*w+pt.X]
				count++
				if pt.X < x0 {
					x0 = pt.X
				}
				if pt.X > x1 {
					x1 = pt.X
				}
				if pt.Y < y0 {
					y0 = pt.Y
				}
				if pt.Y > y1 {
					y1 = pt.Y
				}

				for _, n := range [4]image.Point{
					{X: pt.X, Y: pt.Y - 1},
					{X: pt.X, Y: pt.Y + 1},
					{X: pt.X - 1, Y: pt.Y},
					{X: pt.X + 1, Y: pt.Y},
				} {
					if n.X < 0 || n.Y < 0 || n.X >= w || n.Y >= h {
						continue
					}
					nIdx := n.Y*w + n.X
					if seen[nIdx] {
						continue
					}
					seen[nIdx] = true
					if lum[nIdx] < m.cfg.Threshold {
						queue = append(queue, n)
					}
				}
			}

			score := 1.0 - (sum/float64(count))/m.cfg.Threshold
			if score < 0 {
				score = 0
			}
			if score > 1 {
				score = 1
			}
			dets = append(dets, Detection{
				Class: "object",
				Score: score,
				BBox:  BoundingBox{X: x0, Y: y0, W: x1 - x0 + 1, H: y1 - y0 + 1},
			})
		}
	}
	return dets
}

func filterArea(dets Set, minArea int) Set {
	if minArea <= 0 {
		return dets
	}
	kept := dets[:0]
	for _, d := range dets {
		if d.BBox.W*d.BBox.H >= minArea {
			kept = append(kept, d)
		}
	}
	return kept
}
