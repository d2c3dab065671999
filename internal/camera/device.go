package camera

import (
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"

	"github.com/temmie0232/detectcam/internal/logger"
)

// DeviceConfig tunes physical device selection.
type DeviceConfig struct {
	// IdealWidth/IdealHeight bias media property selection. Zero
	// values fall back to 640x480.
	IdealWidth  int
	IdealHeight int
}

// OpenDevice returns an OpenFunc backed by the host's video capture
// drivers.
func OpenDevice(cfg DeviceConfig) OpenFunc {
	if cfg.IdealWidth <= 0 {
		cfg.IdealWidth = 640
	}
	if cfg.IdealHeight <= 0 {
		cfg.IdealHeight = 480
	}
	return func(facing Facing) (Stream, error) {
		return openDeviceStream(facing, cfg)
	}
}

// deviceStream wraps a mediadevices video reader. Front-facing streams
// mirror every frame horizontally.
type deviceStream struct {
	drv    driver.Driver
	reader video.Reader
	facing Facing
	width  int
	height int
}

func openDeviceStream(facing Facing, cfg DeviceConfig) (Stream, error) {
	mediadevicescamera.Initialize()

	drivers := driver.GetManager().Query(driver.FilterVideoRecorder())
	if len(drivers) == 0 {
		return nil, errors.Wrap(ErrNoDevice, "no video capture drivers found")
	}

	var lastErr error
	for _, d := range orderByFacing(drivers, facing) {
		stream, err := openDriver(d, facing, cfg)
		if err != nil {
			logger.Debug("Camera", "Driver %q unusable: %v", d.Info().Label, err)
			lastErr = err
			continue
		}
		return stream, nil
	}
	return nil, errors.Wrapf(ErrNoDevice, "no driver usable for facing %s: %v", facing, lastErr)
}

func openDriver(d driver.Driver, facing Facing, cfg DeviceConfig) (Stream, error) {
	if d.Status() == driver.StateClosed {
		if err := d.Open(); err != nil {
			return nil, errors.Wrap(err, "open driver")
		}
	}

	media, ok := pickMedia(d.Properties(), cfg)
	if !ok {
		closeQuietly(d)
		return nil, errors.New("driver reports no video properties")
	}

	recorder, ok := d.(driver.VideoRecorder)
	if !ok {
		closeQuietly(d)
		return nil, errors.New("driver is not a video recorder")
	}

	reader, err := recorder.VideoRecord(media)
	if err != nil {
		closeQuietly(d)
		return nil, errors.Wrap(err, "start video capture")
	}

	// The stream's native resolution is taken from the first decoded
	// frame, not the advertised property; drivers may deliver the
	// closest mode they support.
	first, release, err := reader.Read()
	if err != nil {
		closeQuietly(d)
		return nil, errors.Wrap(err, "read probe frame")
	}
	width, height := first.Bounds().Dx(), first.Bounds().Dy()
	if release != nil {
		release()
	}

	return &deviceStream{
		drv:    d,
		reader: reader,
		facing: facing,
		width:  width,
		height: height,
	}, nil
}

func (s *deviceStream) Read() (image.Image, func(), error) {
	img, release, err := s.reader.Read()
	if err != nil {
		return nil, nil, errors.Wrap(err, "read frame")
	}
	if s.facing == FacingFront {
		mirrored := imaging.FlipH(img)
		if release != nil {
			release()
		}
		return mirrored, func() {}, nil
	}
	return img, release, nil
}

func (s *deviceStream) Facing() Facing { return s.facing }

func (s *deviceStream) Resolution() (int, int) { return s.width, s.height }

// Close stops the underlying driver, releasing all of its tracks.
func (s *deviceStream) Close() error {
	return s.drv.Close()
}

// orderByFacing sorts drivers so ones whose labels match the requested
// facing come first. Hosts that expose no facing hints fall back to
// device order: the first device acts as the rear camera, the second
// as the front camera.
func orderByFacing(drivers []driver.Driver, facing Facing) []driver.Driver {
	matched := make([]driver.Driver, 0, len(drivers))
	rest := make([]driver.Driver, 0, len(drivers))
	for _, d := range drivers {
		if labelMatchesFacing(d.Info().Label, facing) {
			matched = append(matched, d)
		} else {
			rest = append(rest, d)
		}
	}
	if len(matched) == 0 && facing == FacingFront && len(rest) > 1 {
		rest[0], rest[1] = rest[1], rest[0]
	}
	return append(matched, rest...)
}

func labelMatchesFacing(label string, facing Facing) bool {
	label = strings.ToLower(label)
	switch facing {
	case FacingFront:
		return strings.Contains(label, "front") || strings.Contains(label, "user")
	case FacingRear:
		return strings.Contains(label, "back") ||
			strings.Contains(label, "rear") ||
			strings.Contains(label, "environment")
	}
	return false
}

// pickMedia chooses the advertised property closest to the ideal size.
func pickMedia(props []prop.Media, cfg DeviceConfig) (prop.Media, bool) {
	if len(props) == 0 {
		return prop.Media{}, false
	}
	best := props[0]
	bestDist := sizeDistance(best, cfg)
	for _, p := range props[1:] {
		if d := sizeDistance(p, cfg); d < bestDist {
			best, bestDist = p, d
		}
	}
	return best, true
}

func sizeDistance(p prop.Media, cfg DeviceConfig) int {
	dw := p.Video.Width - cfg.IdealWidth
	dh := p.Video.Height - cfg.IdealHeight
	return dw*dw + dh*dh
}

func closeQuietly(d driver.Driver) {
	if err := d.Close(); err != nil {
		logger.Debug("Camera", "Driver close: %v", err)
	}
}
