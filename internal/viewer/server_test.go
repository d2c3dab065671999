package viewer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/temmie0232/detectcam/internal/camera"
	"github.com/temmie0232/detectcam/internal/detect"
	"github.com/temmie0232/detectcam/internal/session"
)

func newTestServer(t *testing.T) (*Server, *session.Session, *camera.Manager) {
	t.Helper()

	sess := session.New()
	cameras := camera.NewManager(camera.OpenFake(160, 120))
	if _, err := cameras.Acquire(camera.FacingRear); err != nil {
		t.Fatalf("acquire fake camera: %v", err)
	}
	t.Cleanup(cameras.Close)

	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	srv := NewServer(cfg, Deps{
		Session:   sess,
		Cameras:   cameras,
		ModelName: "luminance-lightweight",
	})
	t.Cleanup(srv.Stop)
	return srv, sess, cameras
}

func publishTestState(t *testing.T, sess *session.Session) {
	t.Helper()

	frame := image.NewRGBA(image.Rect(0, 0, 160, 120))
	c := color.RGBA{R: 200, G: 200, B: 200, A: 255}
	for y := 0; y < 120; y++ {
		for x := 0; x < 160; x++ {
			frame.SetRGBA(x, y, c)
		}
	}
	sess.PublishFrame(frame)
	sess.PublishDetections(detect.Set{{Class: "object", Score: 0.77,
		BBox: detect.BoundingBox{X: 12, Y: 14, W: 40, H: 30}}})
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("decode JSON body: %v\nbody: %s", err, body)
	}
	return m
}

func requireNumber(t *testing.T, m map[string]any, key string) float64 {
	t.Helper()
	v, ok := m[key].(float64)
	if !ok {
		t.Fatalf("key %q is not a number: %v", key, m[key])
	}
	return v
}

func requireString(t *testing.T, m map[string]any, key string) string {
	t.Helper()
	v, ok := m[key].(string)
	if !ok {
		t.Fatalf("key %q is not a string: %v", key, m[key])
	}
	return v
}

func requireMap(t *testing.T, m map[string]any, key string) map[string]any {
	t.Helper()
	v, ok := m[key].(map[string]any)
	if !ok {
		t.Fatalf("key %q is not an object: %v", key, m[key])
	}
	return v
}

func doRequest(t *testing.T, srv *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestIndexServesViewerPage(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"/stream", "/api/detections/stream", "/api/freeze", "/api/viewport"} {
		if !strings.Contains(body, want) {
			t.Fatalf("index page missing %q", want)
		}
	}
}

func TestStatusPayload(t *testing.T) {
	srv, sess, _ := newTestServer(t)
	publishTestState(t, sess)

	rec := doRequest(t, srv, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	m := decodeJSONMap(t, rec.Body.Bytes())
	if requireString(t, m, "mode") != "live" {
		t.Fatalf("mode = %v", m["mode"])
	}
	if requireString(t, m, "model") != "luminance-lightweight" {
		t.Fatalf("model = %v", m["model"])
	}
	if requireString(t, m, "loop_state") != "idle" {
		t.Fatalf("loop_state = %v", m["loop_state"])
	}

	stats := requireMap(t, m, "stats")
	if requireNumber(t, stats, "frames_sampled") != 1 {
		t.Fatalf("frames_sampled = %v", stats["frames_sampled"])
	}
	if requireNumber(t, stats, "detection_count") != 1 {
		t.Fatalf("detection_count = %v", stats["detection_count"])
	}

	cam := requireMap(t, m, "camera")
	if requireString(t, cam, "facing") != "rear" {
		t.Fatalf("facing = %v", cam["facing"])
	}
	if requireNumber(t, cam, "width") != 160 || requireNumber(t, cam, "height") != 120 {
		t.Fatalf("camera resolution = %vx%v", cam["width"], cam["height"])
	}
}

func TestViewportFit(t *testing.T) {
	srv, _, cameras := newTestServer(t)

	// Swap in a 1920x1080 source so the fit numbers are meaningful.
	cameras.Close()
	fullHD := camera.NewManager(camera.OpenFake(1920, 1080))
	if _, err := fullHD.Acquire(camera.FacingRear); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(fullHD.Close)
	srv.deps.Cameras = fullHD

	rec := doRequest(t, srv, http.MethodGet, "/api/viewport?container_width=800&container_height=600", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	m := decodeJSONMap(t, rec.Body.Bytes())
	display := requireMap(t, m, "display_size")
	if requireNumber(t, display, "width") != 800 || requireNumber(t, display, "height") != 450 {
		t.Fatalf("display = %vx%v, want 800x450", display["width"], display["height"])
	}
	intrinsic := requireMap(t, m, "intrinsic_size")
	if requireNumber(t, intrinsic, "width") != 1920 || requireNumber(t, intrinsic, "height") != 1080 {
		t.Fatalf("intrinsic = %vx%v", intrinsic["width"], intrinsic["height"])
	}
	scale := requireNumber(t, m, "scale")
	if scale < 0.41 || scale > 0.42 {
		t.Fatalf("scale = %v, want 800/1920", scale)
	}
}

func TestViewportRejectsBadParams(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/viewport", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/viewport?container_width=0&container_height=600", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for zero width", rec.Code)
	}
}

func TestViewportWithoutCamera(t *testing.T) {
	srv, _, cameras := newTestServer(t)
	cameras.Close()

	rec := doRequest(t, srv, http.MethodGet, "/api/viewport?container_width=800&container_height=600", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestFreezeBeforeFirstFrame(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/freeze", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	m := decodeJSONMap(t, rec.Body.Bytes())
	if requireString(t, m, "error") == "" {
		t.Fatal("conflict response should carry an error message")
	}
}

func TestFreezeAndResume(t *testing.T) {
	srv, sess, _ := newTestServer(t)
	publishTestState(t, sess)

	rec := doRequest(t, srv, http.MethodPost, "/api/freeze", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("freeze status = %d, body = %s", rec.Code, rec.Body.String())
	}
	m := decodeJSONMap(t, rec.Body.Bytes())
	if requireString(t, m, "mode") != "frozen" {
		t.Fatalf("mode = %v", m["mode"])
	}
	if requireNumber(t, m, "detections") != 1 {
		t.Fatalf("detections = %v", m["detections"])
	}
	imageFile := requireString(t, m, "image_file")
	recordFile := requireString(t, m, "record_file")
	if !strings.HasPrefix(imageFile, "object-detection-") || !strings.HasSuffix(imageFile, ".png") {
		t.Fatalf("image_file = %q", imageFile)
	}
	if !strings.HasSuffix(recordFile, ".json") {
		t.Fatalf("record_file = %q", recordFile)
	}

	// A second freeze is an ignored no-op reporting the same capture.
	first := sess.Capture()
	rec = doRequest(t, srv, http.MethodPost, "/api/freeze", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("second freeze status = %d", rec.Code)
	}
	if sess.Capture() != first {
		t.Fatal("second freeze replaced the capture")
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/resume", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if sess.Mode() != session.ModeLive {
		t.Fatalf("mode after resume = %v", sess.Mode())
	}
	if sess.Capture() != nil {
		t.Fatal("capture should be gone after resume")
	}
}

func TestFreezeRequiresPost(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/freeze", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestSaveWritesExportFiles(t *testing.T) {
	srv, sess, _ := newTestServer(t)
	publishTestState(t, sess)

	if rec := doRequest(t, srv, http.MethodPost, "/api/freeze", ""); rec.Code != http.StatusOK {
		t.Fatalf("freeze status = %d", rec.Code)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/save", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d, body = %s", rec.Code, rec.Body.String())
	}

	m := decodeJSONMap(t, rec.Body.Bytes())
	imagePath := requireString(t, requireMap(t, m, "image"), "file")
	recordPath := requireString(t, requireMap(t, m, "record"), "file")

	if _, err := os.Stat(imagePath); err != nil {
		t.Fatalf("exported image missing: %v", err)
	}
	if _, err := os.Stat(recordPath); err != nil {
		t.Fatalf("exported record missing: %v", err)
	}
	if filepath.Dir(imagePath) != srv.cfg.OutputDir {
		t.Fatalf("image written outside output dir: %q", imagePath)
	}

	data, err := os.ReadFile(recordPath)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	record := decodeJSONMap(t, data)
	if requireString(t, record, "timestamp") == "" {
		t.Fatal("record missing timestamp")
	}
}

func TestSaveWithoutCapture(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/save", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCameraSwitch(t *testing.T) {
	srv, sess, cameras := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/camera/switch", `{"facing":"front"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	m := decodeJSONMap(t, rec.Body.Bytes())
	if requireString(t, m, "facing") != "front" {
		t.Fatalf("facing = %v", m["facing"])
	}
	if cameras.Current().Facing() != camera.FacingFront {
		t.Fatal("manager did not switch streams")
	}
	if sess.LastError() != "" {
		t.Fatalf("error slot = %q after successful switch", sess.LastError())
	}
}

func TestCameraSwitchRejectsBadFacing(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/camera/switch", `{"facing":"sideways"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/camera/switch", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad body", rec.Code)
	}
}

func TestCaptureDownloads(t *testing.T) {
	srv, sess, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/capture/image", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 with no capture", rec.Code)
	}

	publishTestState(t, sess)
	if rec := doRequest(t, srv, http.MethodPost, "/api/freeze", ""); rec.Code != http.StatusOK {
		t.Fatalf("freeze status = %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/capture/image", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("image status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("image content type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "object-detection-") {
		t.Fatalf("content disposition = %q", cd)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Fatal("image body is not PNG")
	}

	rec = doRequest(t, srv, http.MethodGet, "/capture/record", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("record status = %d", rec.Code)
	}
	m := decodeJSONMap(t, rec.Body.Bytes())
	if requireString(t, m, "timestamp") == "" {
		t.Fatal("record missing timestamp")
	}
	dets, ok := m["detections"].([]any)
	if !ok || len(dets) != 1 {
		t.Fatalf("record detections = %v", m["detections"])
	}
}

func TestDetectionStreamDeliversEvents(t *testing.T) {
	sess := session.New()
	cameras := camera.NewManager(camera.OpenFake(160, 120))
	if _, err := cameras.Acquire(camera.FacingRear); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer cameras.Close()

	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.SSEInterval = 5 * time.Millisecond
	srv := NewServer(cfg, Deps{Session: sess, Cameras: cameras, ModelName: "stub"})
	defer srv.Stop()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Publish before connecting: response headers only go out with the
	// first flushed event.
	publishTestState(t, sess)

	resp, err := http.Get(ts.URL + "/api/detections/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Content-Format"); got != "application/json" {
		t.Fatalf("X-Content-Format = %q", got)
	}

	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
	}()

	select {
	case data := <-lines:
		m := decodeJSONMap(t, []byte(data))
		if requireString(t, m, "mode") != "live" {
			t.Fatalf("event mode = %v", m["mode"])
		}
		dets, ok := m["detections"].([]any)
		if !ok || len(dets) != 1 {
			t.Fatalf("event detections = %v", m["detections"])
		}
		det, ok := dets[0].(map[string]any)
		if !ok {
			t.Fatalf("detection entry = %v", dets[0])
		}
		bbox := requireMap(t, det, "bbox")
		if requireNumber(t, bbox, "x") != 12 || requireNumber(t, bbox, "w") != 40 {
			t.Fatalf("bbox = %v", bbox)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no detection event within 3s")
	}
}

func TestMJPEGStreamDeliversFrames(t *testing.T) {
	srv, sess, _ := newTestServer(t)
	publishTestState(t, sess)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("content type = %q", ct)
	}

	// Accumulate reads until one full part header has arrived.
	reader := bufio.NewReader(resp.Body)
	var got bytes.Buffer
	buf := make([]byte, 4096)
	for got.Len() < 64*1024 {
		n, err := reader.Read(buf)
		if n > 0 {
			got.Write(buf[:n])
		}
		if bytes.Contains(got.Bytes(), []byte("--frame")) &&
			bytes.Contains(got.Bytes(), []byte("Content-Type: image/jpeg")) {
			return
		}
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
	}
	t.Fatal("no MJPEG part within the first 64KB")
}

func TestFrameBroadcasterSubscribeUnsubscribe(t *testing.T) {
	sess := session.New()
	fb := NewFrameBroadcaster(sess, time.Millisecond)
	defer fb.Stop()

	id1, ch1 := fb.Subscribe()
	id2, _ := fb.Subscribe()
	if fb.ClientCount() != 2 {
		t.Fatalf("clients = %d, want 2", fb.ClientCount())
	}

	fb.Unsubscribe(id2)
	if fb.ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", fb.ClientCount())
	}

	// Unsubscribe closes the channel so readers drain out.
	fb.Unsubscribe(id1)
	select {
	case _, open := <-ch1:
		if open {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestDetectionStreamProtobufNegotiation(t *testing.T) {
	srv, sess, _ := newTestServer(t)
	publishTestState(t, sess)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/detections/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "application/protobuf")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Content-Format"); got != "application/protobuf" {
		t.Fatalf("X-Content-Format = %q", got)
	}
}
