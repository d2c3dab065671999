package camera

import (
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"
)

// OpenFake returns an OpenFunc producing synthetic frames: a dark
// square drifting across a light background, so the built-in detector
// has something to find. Used by -fake-camera mode and tests.
func OpenFake(width, height int) OpenFunc {
	return func(facing Facing) (Stream, error) {
		if width <= 0 || height <= 0 {
			return nil, errors.Errorf("invalid fake resolution %dx%d", width, height)
		}
		return &fakeStream{facing: facing, width: width, height: height}, nil
	}
}

type fakeStream struct {
	mu      sync.Mutex
	facing  Facing
	width   int
	height  int
	frameNo int
	closed  bool
}

func (s *fakeStream) Read() (image.Image, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, errors.New("fake stream closed")
	}
	s.frameNo++

	// Front and rear use different background shades so a facing
	// switch is visible in the stream.
	bg := uint8(230)
	if s.facing == FacingFront {
		bg = 200
	}

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = bg
		img.Pix[i+1] = bg
		img.Pix[i+2] = bg
		img.Pix[i+3] = 255
	}

	side := s.height / 4
	if side < 8 {
		side = 8
	}
	x := (s.frameNo * 7) % (s.width - side)
	y := (s.width/4 + s.frameNo*3) % (s.height - side)
	dark := color.RGBA{R: 20, G: 20, B: 20, A: 255}
	for dy := 0; dy < side; dy++ {
		for dx := 0; dx < side; dx++ {
			img.SetRGBA(x+dx, y+dy, dark)
		}
	}
	return img, func() {}, nil
}

func (s *fakeStream) Facing() Facing { return s.facing }

func (s *fakeStream) Resolution() (int, int) { return s.width, s.height }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
