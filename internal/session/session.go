// Package session owns the viewer's mutable state: the current frame,
// the last published detection set, the live/frozen mode, and the
// capture produced by a freeze. It is the only writer of that state;
// other components read through accessors.
package session

import (
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/temmie0232/detectcam/internal/detect"
	"github.com/temmie0232/detectcam/internal/overlay"
)

// Mode is the session's presentation mode.
type Mode string

const (
	// ModeLive means the detection loop runs and the live feed shows.
	ModeLive Mode = "live"
	// ModeFrozen means the loop is suspended and the capture shows.
	ModeFrozen Mode = "frozen"
)

// ErrNotReady is returned by Freeze when no frame has been sampled
// yet; the attempt aborts with no state change.
var ErrNotReady = errors.New("no playable frame available")

// Capture is one frozen frame with its overlay baked in, plus the
// detection set that produced the overlay. At most one Capture exists
// at a time; Resume discards it.
type Capture struct {
	Composite  *image.RGBA
	Detections detect.Set
	Timestamp  time.Time
}

// Session holds the viewer state for one camera session.
type Session struct {
	mu         sync.Mutex
	mode       Mode
	frame      *image.RGBA
	detections detect.Set
	capture    *Capture
	lastError  string
	frames     int
	inferences int
	started    time.Time
}

// New returns a live session with no frame sampled yet.
func New() *Session {
	return &Session{mode: ModeLive, started: time.Now()}
}

// Mode returns the current session mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// PublishFrame stores a copy of the sampled frame. The copy outlives
// the camera buffer, which is recycled once the caller releases it.
func (s *Session) PublishFrame(img image.Image) {
	bounds := img.Bounds()
	copied := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(copied, copied.Bounds(), img, bounds.Min, draw.Src)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = copied
	s.frames++
}

// PublishDetections replaces the current detection set wholesale.
func (s *Session) PublishDetections(set detect.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = set
	s.inferences++
}

// LatestFrame returns the last sampled frame, or nil before the first
// sample. The returned image is never written to again.
func (s *Session) LatestFrame() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// LatestDetections returns the last published detection set.
func (s *Session) LatestDetections() detect.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detections
}

// Freeze composites the current frame with the last published
// detection set and flips the session to frozen. While already frozen
// the call is ignored and the existing capture is returned unchanged.
// The embedded detection set is exactly the one published before the
// freeze instant; it is never re-queried afterward.
func (s *Session) Freeze(now time.Time) (*Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModeFrozen {
		return s.capture, nil
	}
	if s.frame == nil {
		return nil, ErrNotReady
	}

	frozen := make(detect.Set, len(s.detections))
	copy(frozen, s.detections)

	var composite *image.RGBA
	if len(frozen) > 0 {
		composite = overlay.Compose(s.frame, frozen)
	} else {
		composite = overlay.Compose(s.frame, nil)
	}

	s.capture = &Capture{
		Composite:  composite,
		Detections: frozen,
		Timestamp:  now,
	}
	s.mode = ModeFrozen
	return s.capture, nil
}

// Resume discards the capture and restores the live presentation. The
// detection loop picks the session back up on its next tick.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capture = nil
	s.mode = ModeLive
}

// Capture returns the live capture, or nil when the session is live.
func (s *Session) Capture() *Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture
}

// SetError records a user-visible error message. The slot is shared:
// terminal device and load failures stay until cleared, transient
// inference failures are overwritten by the next successful cycle.
func (s *Session) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

// ClearError clears the user-visible error slot.
func (s *Session) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = ""
}

// LastError returns the user-visible error slot, empty when healthy.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Stats is the status payload snapshot.
type Stats struct {
	Mode           Mode    `json:"mode"`
	FramesSampled  int     `json:"frames_sampled"`
	InferencesRun  int     `json:"inferences_run"`
	DetectionCount int     `json:"detection_count"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// Snapshot returns current stats and the latest detection set.
func (s *Session) Snapshot() (Stats, detect.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{
		Mode:           s.mode,
		FramesSampled:  s.frames,
		InferencesRun:  s.inferences,
		DetectionCount: len(s.detections),
		UptimeSeconds:  time.Since(s.started).Seconds(),
	}
	return stats, s.detections
}
