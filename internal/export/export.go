// Package export serializes captures into downloadable files: the
// annotated still image and a structured detection record.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/temmie0232/detectcam/internal/session"
)

// Record is the structured detection export.
type Record struct {
	Timestamp  string            `json:"timestamp"`
	Detections []RecordDetection `json:"detections"`
}

// RecordDetection is one detection in the exported record. The box is
// flattened to [x, y, w, h] per the export contract.
type RecordDetection struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
	BBox  [4]int  `json:"bbox"`
}

// Result reports both export attempts. The two files are independent:
// one failing must not prevent the other from being attempted, and
// neither is retried.
type Result struct {
	ImagePath  string
	ImageErr   error
	RecordPath string
	RecordErr  error
}

// Save writes the capture's image and detection record into dir,
// named object-detection-<unix-millis>.png / .json after the capture
// timestamp.
func Save(dir string, capt *session.Capture) Result {
	base := fmt.Sprintf("object-detection-%d", capt.Timestamp.UnixMilli())
	res := Result{
		ImagePath:  filepath.Join(dir, base+".png"),
		RecordPath: filepath.Join(dir, base+".json"),
	}

	if data, err := EncodeImage(capt); err != nil {
		res.ImageErr = err
	} else if err := os.WriteFile(res.ImagePath, data, 0o644); err != nil {
		res.ImageErr = errors.Wrap(err, "write image")
	}

	if data, err := EncodeRecord(capt); err != nil {
		res.RecordErr = err
	} else if err := os.WriteFile(res.RecordPath, data, 0o644); err != nil {
		res.RecordErr = errors.Wrap(err, "write record")
	}

	return res
}

// EncodeImage encodes the capture's composite as PNG.
func EncodeImage(capt *session.Capture) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, capt.Composite); err != nil {
		return nil, errors.Wrap(err, "encode png")
	}
	return buf.Bytes(), nil
}

// EncodeRecord encodes the capture's detection record as JSON.
func EncodeRecord(capt *session.Capture) ([]byte, error) {
	rec := Record{
		Timestamp:  capt.Timestamp.UTC().Format(time.RFC3339Nano),
		Detections: make([]RecordDetection, 0, len(capt.Detections)),
	}
	for _, d := range capt.Detections {
		rec.Detections = append(rec.Detections, RecordDetection{
			Class: d.Class,
			Score: d.Score,
			BBox:  [4]int{d.BBox.X, d.BBox.Y, d.BBox.W, d.BBox.H},
		})
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	return data, nil
}

// Filenames returns the export basenames for a capture timestamp.
func Filenames(ts time.Time) (imageName, recordName string) {
	base := fmt.Sprintf("object-detection-%d", ts.UnixMilli())
	return base + ".png", base + ".json"
}
