// Package viewport computes on-screen geometry for the video element
// and its detection overlay.
package viewport

import "github.com/pkg/errors"

// Size is a width/height pair in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Geometry is the result of fitting a native video size into a
// container. DisplaySize applies to both the video element and the
// overlay so they stay pixel-aligned; IntrinsicSize is the overlay's
// drawing resolution and always equals the stream's native size, so
// detector coordinates map onto the surface one-to-one.
type Geometry struct {
	DisplaySize   Size    `json:"display_size"`
	IntrinsicSize Size    `json:"intrinsic_size"`
	Scale         float64 `json:"scale"`
}

// Fit scales native uniformly to fill container without exceeding it
// on either axis, preserving aspect ratio.
func Fit(native, container Size) (Geometry, error) {
	if native.Width <= 0 || native.Height <= 0 {
		return Geometry{}, errors.Errorf("invalid native size %dx%d", native.Width, native.Height)
	}
	if container.Width <= 0 || container.Height <= 0 {
		return Geometry{}, errors.Errorf("invalid container size %dx%d", container.Width, container.Height)
	}

	scale := float64(container.Width) / float64(native.Width)
	if s := float64(container.Height) / float64(native.Height); s < scale {
		scale = s
	}

	return Geometry{
		DisplaySize: Size{
			Width:  int(float64(native.Width)*scale + 0.5),
			Height: int(float64(native.Height)*scale + 0.5),
		},
		IntrinsicSize: native,
		Scale:         scale,
	}, nil
}
