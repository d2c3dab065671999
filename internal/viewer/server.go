// Package viewer serves the browser-facing HTTP surface: the live
// MJPEG view with detection overlays, SSE detection events, and the
// freeze/resume/save/switch controls.
package viewer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/temmie0232/detectcam/internal/camera"
	"github.com/temmie0232/detectcam/internal/export"
	"github.com/temmie0232/detectcam/internal/logger"
	"github.com/temmie0232/detectcam/internal/metrics"
	"github.com/temmie0232/detectcam/internal/session"
	"github.com/temmie0232/detectcam/internal/viewport"
)

// Deps are the pipeline components the server exposes. Loop is nil
// when the model failed to load; the server then serves the error
// state and the detection endpoints stay quiet.
type Deps struct {
	Session   *session.Session
	Cameras   *camera.Manager
	Loop      *session.Loop
	Metrics   *metrics.Metrics
	ModelName string
}

// Server serves the viewer endpoints.
type Server struct {
	cfg        Config
	deps       Deps
	frames     *FrameBroadcaster
	detections *DetectionBroadcaster
}

// NewServer returns a configured viewer server with its broadcasters
// started.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = DefaultConfig().TargetFPS
	}
	if cfg.MJPEGInterval == 0 {
		cfg.MJPEGInterval = DefaultConfig().MJPEGInterval
	}
	if cfg.SSEInterval == 0 {
		cfg.SSEInterval = DefaultConfig().SSEInterval
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultConfig().OutputDir
	}

	frames := NewFrameBroadcaster(deps.Session, cfg.MJPEGInterval)
	frames.Start()

	detections := NewDetectionBroadcaster(deps.Session, cfg.SSEInterval)
	detections.Start()

	return &Server{
		cfg:        cfg,
		deps:       deps,
		frames:     frames,
		detections: detections,
	}
}

// Stop halts the broadcasters.
func (s *Server) Stop() {
	s.frames.Stop()
	s.detections.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/viewport", s.handleViewport)
	mux.HandleFunc("/api/freeze", s.handleFreeze)
	mux.HandleFunc("/api/resume", s.handleResume)
	mux.HandleFunc("/api/save", s.handleSave)
	mux.HandleFunc("/api/camera/switch", s.handleCameraSwitch)
	mux.HandleFunc("/capture/image", s.handleCaptureImage)
	mux.HandleFunc("/capture/record", s.handleCaptureRecord)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)

	if s.deps.Metrics != nil {
		s.deps.Metrics.StreamClients.Add(1)
		defer s.deps.Metrics.StreamClients.Add(^uint64(0))
	}
	streamMJPEGFromChannel(w, frameCh)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, dets := s.deps.Session.Snapshot()

	loopState := string(session.StateIdle)
	if s.deps.Loop != nil {
		loopState = string(s.deps.Loop.State())
	}

	var cameraPayload map[string]any
	if stream := s.deps.Cameras.Current(); stream != nil {
		w2, h2 := stream.Resolution()
		cameraPayload = map[string]any{
			"facing": string(stream.Facing()),
			"width":  w2,
			"height": h2,
		}
	}

	payload := map[string]any{
		"mode":       string(stats.Mode),
		"stats":      stats,
		"loop_state": loopState,
		"model":      s.deps.ModelName,
		"camera":     cameraPayload,
		"detections": dets,
		"error":      s.deps.Session.LastError(),
		"timestamp":  float64(time.Now().Unix()),
	}
	writeJSON(w, payload)
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.detections.Subscribe()
	defer s.detections.Unsubscribe(id)

	if s.deps.Metrics != nil {
		s.deps.Metrics.SSEClients.Add(1)
		defer s.deps.Metrics.SSEClients.Add(^uint64(0))
	}

	// Content negotiation: protobuf when the client asks for it.
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamDetectionEventsFromChannel(w, eventCh, useProtobuf)
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	stream := s.deps.Cameras.Current()
	if stream == nil {
		writeJSONWithStatus(w, map[string]any{"error": "no active camera stream"}, http.StatusServiceUnavailable)
		return
	}

	containerW, errW := strconv.Atoi(r.URL.Query().Get("container_width"))
	containerH, errH := strconv.Atoi(r.URL.Query().Get("container_height"))
	if errW != nil || errH != nil {
		writeJSONWithStatus(w, map[string]any{"error": "container_width and container_height are required"}, http.StatusBadRequest)
		return
	}

	nativeW, nativeH := stream.Resolution()
	geom, err := viewport.Fit(
		viewport.Size{Width: nativeW, Height: nativeH},
		viewport.Size{Width: containerW, Height: containerH},
	)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, geom)
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	capt, err := s.deps.Session.Freeze(time.Now())
	if err != nil {
		if errors.Is(err, session.ErrNotReady) {
			writeJSONWithStatus(w, map[string]any{"error": "no playable frame available"}, http.StatusConflict)
			return
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.CapturesTaken.Add(1)
	}

	imageName, recordName := export.Filenames(capt.Timestamp)
	writeJSON(w, map[string]any{
		"mode":        string(session.ModeFrozen),
		"timestamp":   capt.Timestamp.UTC().Format(time.RFC3339Nano),
		"detections":  len(capt.Detections),
		"image_file":  imageName,
		"record_file": recordName,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.deps.Session.Resume()
	writeJSON(w, map[string]any{"mode": string(session.ModeLive)})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	capt := s.deps.Session.Capture()
	if capt == nil {
		writeJSONWithStatus(w, map[string]any{"error": "nothing captured"}, http.StatusBadRequest)
		return
	}

	res := export.Save(s.cfg.OutputDir, capt)

	filePayload := func(path string, err error) map[string]any {
		p := map[string]any{"file": path}
		if err != nil {
			p["error"] = err.Error()
			logger.Warn("Export", "Write failed: %v", err)
			if s.deps.Metrics != nil {
				s.deps.Metrics.ExportErrors.Add(1)
			}
		} else if s.deps.Metrics != nil {
			s.deps.Metrics.ExportsWritten.Add(1)
		}
		return p
	}

	payload := map[string]any{
		"image":  filePayload(res.ImagePath, res.ImageErr),
		"record": filePayload(res.RecordPath, res.RecordErr),
	}

	status := http.StatusOK
	if res.ImageErr != nil && res.RecordErr != nil {
		status = http.StatusInternalServerError
	}
	writeJSONWithStatus(w, payload, status)
}

func (s *Server) handleCameraSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Facing string `json:"facing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid switch request"}, http.StatusBadRequest)
		return
	}

	facing, err := camera.ParseFacing(req.Facing)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	stream, err := s.deps.Cameras.Acquire(facing)
	if err != nil {
		// Terminal after the fallback; surfaced in the shared slot.
		s.deps.Session.SetError("camera: " + err.Error())
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadGateway)
		return
	}

	s.deps.Session.ClearError()
	width, height := stream.Resolution()
	writeJSON(w, map[string]any{
		"ok":     true,
		"facing": string(stream.Facing()),
		"width":  width,
		"height": height,
	})
}

func (s *Server) handleCaptureImage(w http.ResponseWriter, r *http.Request) {
	capt := s.deps.Session.Capture()
	if capt == nil {
		writeJSONWithStatus(w, map[string]any{"error": "nothing captured"}, http.StatusNotFound)
		return
	}

	data, err := export.EncodeImage(capt)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	imageName, _ := export.Filenames(capt.Timestamp)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", imageName))
	_, _ = w.Write(data)
}

func (s *Server) handleCaptureRecord(w http.ResponseWriter, r *http.Request) {
	capt := s.deps.Session.Capture()
	if capt == nil {
		writeJSONWithStatus(w, map[string]any{"error": "nothing captured"}, http.StatusNotFound)
		return
	}

	data, err := export.EncodeRecord(capt)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	_, recordName := export.Filenames(capt.Timestamp)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", recordName))
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
