// Package camera acquires live video streams from physical capture
// devices, selectable between front- and rear-facing cameras.
package camera

import (
	"image"
	"sync"

	"github.com/pkg/errors"

	"github.com/temmie0232/detectcam/internal/logger"
)

// Facing selects which physical camera supplies the stream.
type Facing string

const (
	// FacingFront is the user-facing camera. Front streams are
	// mirrored horizontally, matching how self-view previews behave.
	FacingFront Facing = "front"
	// FacingRear is the environment-facing camera, the default.
	FacingRear Facing = "rear"
)

// ParseFacing parses a facing mode string.
func ParseFacing(s string) (Facing, error) {
	switch s {
	case "front", "user":
		return FacingFront, nil
	case "rear", "back", "environment":
		return FacingRear, nil
	default:
		return "", errors.Errorf("invalid facing mode: %q", s)
	}
}

// Opposite returns the other facing mode.
func (f Facing) Opposite() Facing {
	if f == FacingFront {
		return FacingRear
	}
	return FacingFront
}

// ErrNoDevice is returned when no capture device can satisfy an
// acquisition, after the facing fallback has been exhausted.
var ErrNoDevice = errors.New("no camera device available")

// Stream is one open camera stream. Read blocks until the next frame;
// the release func, when non-nil, must be called once the caller is
// done with the image.
type Stream interface {
	Read() (image.Image, func(), error)
	Facing() Facing
	Resolution() (width, height int)
	Close() error
}

// OpenFunc opens a stream for the requested facing mode.
type OpenFunc func(facing Facing) (Stream, error)

// Manager owns the single active camera stream. Acquire releases any
// previously held stream before opening a new one, so device locks
// never leak across switches.
type Manager struct {
	mu      sync.Mutex
	open    OpenFunc
	current Stream
}

// NewManager returns a manager that opens streams with open.
func NewManager(open OpenFunc) *Manager {
	return &Manager{open: open}
}

// Acquire opens a stream for facing, tearing down the current stream
// first. If the requested facing fails it falls back once to the
// opposite facing before surfacing a terminal error. On failure no
// stream is left active.
func (m *Manager) Acquire(facing Facing) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCurrentLocked()

	stream, err := m.open(facing)
	if err != nil {
		logger.Warn("Camera", "Acquire %s failed (%v), falling back to %s", facing, err, facing.Opposite())
		stream, err = m.open(facing.Opposite())
		if err != nil {
			return nil, errors.Wrapf(ErrNoDevice, "both facing modes failed: %v", err)
		}
	}

	m.current = stream
	w, h := stream.Resolution()
	logger.Info("Camera", "Stream active: facing=%s resolution=%dx%d", stream.Facing(), w, h)
	return stream, nil
}

// Current returns the active stream, or nil when none is open.
func (m *Manager) Current() Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close releases the active stream unconditionally.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCurrentLocked()
}

func (m *Manager) closeCurrentLocked() {
	if m.current == nil {
		return
	}
	if err := m.current.Close(); err != nil {
		logger.Warn("Camera", "Failed to close stream: %v", err)
	}
	m.current = nil
}
