// Package detect defines the object-detection model interface and the
// built-in connected-component detector backing it.
package detect

import (
	"context"
	"image"

	"github.com/pkg/errors"
)

// BoundingBox is an axis-aligned rectangle in frame pixel coordinates.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Detection is one object instance reported by a model. BBox is always
// present; an object with no localization carries the zero box.
type Detection struct {
	Class string      `json:"class"`
	Score float64     `json:"score"`
	BBox  BoundingBox `json:"bbox"`
}

// Set is an ordered detection list in model output order. A Set is
// replaced wholesale on every detection cycle, never mutated in place.
type Set []Detection

// Model runs inference on single frames. Implementations must be safe
// for sequential use from one goroutine; callers guarantee at most one
// Detect call is in flight at a time.
type Model interface {
	// Detect returns the detections found in frame, in model order.
	Detect(ctx context.Context, frame image.Image) (Set, error)
	// Name identifies the loaded backbone for logs and status payloads.
	Name() string
}

// Profile selects the speed/accuracy tradeoff of the loaded backbone.
type Profile string

const (
	// ProfileLightweight runs on a downscaled frame and rescales boxes.
	ProfileLightweight Profile = "lightweight"
	// ProfileAccurate runs at native resolution with area filtering.
	ProfileAccurate Profile = "accurate"
)

// Config configures Load.
type Config struct {
	Profile Profile
	// Threshold is the luminance cutoff in [0, 256); pixels darker than
	// this are considered foreground. Zero means DefaultThreshold.
	Threshold float64
	// MinArea drops boxes smaller than this many pixels. Only applied
	// by the accurate profile. Zero means DefaultMinArea.
	MinArea int
}

// Defaults used when Config fields are left zero.
const (
	DefaultThreshold = 80.0
	DefaultMinArea   = 64
)

// ErrUnknownProfile is returned by Load for an unrecognized profile.
var ErrUnknownProfile = errors.New("unknown inference profile")

// Load initializes a model for the given config. A failed Load is
// terminal for the session; callers must not retry automatically.
func Load(cfg Config) (Model, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Threshold < 0 || cfg.Threshold >= 256 {
		return nil, errors.Errorf("luminance threshold %.1f out of range [0, 256)", cfg.Threshold)
	}
	if cfg.MinArea == 0 {
		cfg.MinArea = DefaultMinArea
	}

	switch cfg.Profile {
	case ProfileLightweight, "":
		return &luminanceModel{cfg: cfg, scaleTo: lightweightWidth}, nil
	case ProfileAccurate:
		return &luminanceModel{cfg: cfg}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownProfile, "%q", cfg.Profile)
	}
}
