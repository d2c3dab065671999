package viewer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image/jpeg"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/temmie0232/detectcam/internal/detect"
	"github.com/temmie0232/detectcam/internal/logger"
	"github.com/temmie0232/detectcam/internal/overlay"
	"github.com/temmie0232/detectcam/internal/session"
)

// FrameBroadcaster fans annotated JPEG frames out to MJPEG clients.
// While the session is frozen it streams the capture instead of the
// live feed, so the browser shows the frozen image.
type FrameBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	session *session.Session
	stop    chan struct{}
	stopped bool

	interval  time.Duration
	skipCount int // cycles spent idle with no clients
}

// NewFrameBroadcaster creates a broadcaster over the session's frames.
func NewFrameBroadcaster(sess *session.Session, interval time.Duration) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients:  make(map[int]chan []byte),
		session:  sess,
		stop:     make(chan struct{}),
		interval: interval,
	}
}

// Subscribe adds a client and returns its frame channel.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // buffer 2 frames to avoid blocking
	fb.clients[id] = ch

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
	}
}

// ClientCount returns the number of subscribed clients.
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Start begins the frame generation and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	if !fb.stopped {
		close(fb.stop)
		fb.stopped = true
	}
	fb.mu.Unlock()
}

func (fb *FrameBroadcaster) run() {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		// Skip frame generation entirely when nobody is watching.
		if fb.ClientCount() == 0 {
			fb.skipCount++
			continue
		}
		fb.skipCount = 0

		data := fb.renderFrame()
		if data == nil {
			continue
		}
		fb.broadcast(data)
	}
}

// renderFrame produces the next JPEG: the frozen composite while
// frozen, otherwise the live frame with the current overlay baked in.
func (fb *FrameBroadcaster) renderFrame() []byte {
	var buf bytes.Buffer

	if capt := fb.session.Capture(); capt != nil {
		if err := jpeg.Encode(&buf, capt.Composite, &jpeg.Options{Quality: 80}); err != nil {
			return nil
		}
		return buf.Bytes()
	}

	frame := fb.session.LatestFrame()
	if frame == nil {
		return nil
	}
	composite := overlay.Compose(frame, fb.session.LatestDetections())
	if err := jpeg.Encode(&buf, composite, &jpeg.Options{Quality: 80}); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for this client.
		}
	}
}

// SerializedEvent holds one detection event pre-serialized in both
// transport formats, so fanout never serializes per client.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 encoded for SSE transport
}

// DetectionBroadcaster fans detection events out to SSE clients.
type DetectionBroadcaster struct {
	mu          sync.Mutex
	clients     map[int]chan *SerializedEvent
	nextID      int
	session     *session.Session
	stop        chan struct{}
	stopped     bool
	interval    time.Duration
	lastVersion int
}

// NewDetectionBroadcaster creates a broadcaster for detection events.
func NewDetectionBroadcaster(sess *session.Session, interval time.Duration) *DetectionBroadcaster {
	return &DetectionBroadcaster{
		clients:  make(map[int]chan *SerializedEvent),
		session:  sess,
		stop:     make(chan struct{}),
		interval: interval,
	}
}

// Subscribe adds a client and returns its event channel.
func (db *DetectionBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id := db.nextID
	db.nextID++
	ch := make(chan *SerializedEvent, 2)
	db.clients[id] = ch

	logger.Debug("DetectionBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(db.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (db *DetectionBroadcaster) Unsubscribe(id int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if ch, ok := db.clients[id]; ok {
		close(ch)
		delete(db.clients, id)
		logger.Debug("DetectionBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(db.clients))
	}
}

// ClientCount returns the number of subscribed clients.
func (db *DetectionBroadcaster) ClientCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.clients)
}

// Start begins the detection event loop.
func (db *DetectionBroadcaster) Start() {
	go db.run()
}

// Stop halts the broadcaster.
func (db *DetectionBroadcaster) Stop() {
	db.mu.Lock()
	if !db.stopped {
		close(db.stop)
		db.stopped = true
	}
	db.mu.Unlock()
}

func (db *DetectionBroadcaster) run() {
	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-db.stop:
			return
		case <-ticker.C:
		}

		if db.ClientCount() == 0 {
			continue
		}

		stats, dets := db.session.Snapshot()
		// InferencesRun counts published sets, so it doubles as the
		// set version: unchanged means nothing new to send.
		if stats.InferencesRun == db.lastVersion {
			continue
		}
		db.lastVersion = stats.InferencesRun

		event := serializeEvent(dets, stats.Mode)
		if event == nil {
			continue
		}
		db.broadcast(event)
	}
}

// serializeEvent builds both wire formats for one detection event.
func serializeEvent(dets detect.Set, mode session.Mode) *SerializedEvent {
	payload := map[string]interface{}{
		"timestamp":  float64(time.Now().UnixMilli()) / 1000.0,
		"mode":       string(mode),
		"detections": detectionsToJSON(dets),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		logger.Error("DetectionBroadcaster", "JSON marshal error: %v", err)
		return nil
	}

	st, err := structpb.NewStruct(payload)
	if err != nil {
		logger.Error("DetectionBroadcaster", "Struct build error: %v", err)
		return nil
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		logger.Error("DetectionBroadcaster", "Protobuf marshal error: %v", err)
		return nil
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}
}

func detectionsToJSON(dets detect.Set) []interface{} {
	result := make([]interface{}, len(dets))
	for i, d := range dets {
		result[i] = map[string]interface{}{
			"class": d.Class,
			"score": d.Score,
			"bbox": map[string]interface{}{
				"x": float64(d.BBox.X),
				"y": float64(d.BBox.Y),
				"w": float64(d.BBox.W),
				"h": float64(d.BBox.H),
			},
		}
	}
	return result
}

func (db *DetectionBroadcaster) broadcast(event *SerializedEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, ch := range db.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client.
		}
	}
}
