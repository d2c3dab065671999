package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/temmie0232/detectcam/internal/camera"
	"github.com/temmie0232/detectcam/internal/detect"
	"github.com/temmie0232/detectcam/internal/logger"
	"github.com/temmie0232/detectcam/internal/metrics"
)

// State is the detection loop lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSuspended State = "suspended"
	StateStopped   State = "stopped"
)

// LoopConfig wires a detection loop.
type LoopConfig struct {
	Session *Session
	Model   detect.Model
	// Stream returns the active camera stream, or nil when none is
	// open. Queried every tick so camera switches take effect without
	// restarting the loop.
	Stream func() camera.Stream
	// Interval is the tick period; the loop samples one frame and
	// runs one inference per tick. Zero means DefaultInterval.
	Interval time.Duration
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// DefaultInterval approximates a 30 fps display refresh.
const DefaultInterval = 33 * time.Millisecond

// Loop samples frames and runs inference once per tick while the
// session is live. Ticks are strictly sequential: a tick does not
// start until the previous inference has resolved and its results are
// published, so at most one model invocation is ever in flight.
type Loop struct {
	cfg    LoopConfig
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
}

// NewLoop returns an idle loop. The caller is expected to have a
// loaded model already; a session whose model failed to load never
// constructs a loop.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// Start begins ticking in a background goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop cancels the pending tick and waits for the loop to exit. The
// loop is terminal afterwards.
func (l *Loop) Stop() {
	l.cancel()
	<-l.done
	l.setState(StateStopped)
}

// State returns the loop's lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) run() {
	defer close(l.done)

	ticker := l.cfg.Clock.Ticker(l.cfg.Interval)
	defer ticker.Stop()

	logger.Info("Loop", "Detection loop started (interval=%v, model=%s)", l.cfg.Interval, l.cfg.Model.Name())

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	if l.cfg.Session.Mode() == ModeFrozen {
		l.setState(StateSuspended)
		return
	}

	stream := l.cfg.Stream()
	if stream == nil {
		l.setState(StateIdle)
		return
	}

	img, release, err := stream.Read()
	if err != nil {
		logger.Warn("Loop", "Frame read failed: %v", err)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.ReadErrors.Add(1)
		}
		return
	}

	l.cfg.Session.PublishFrame(img)
	if release != nil {
		release()
	}
	l.setState(StateRunning)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.FramesSampled.Add(1)
	}

	// Detect on the published copy; the camera buffer is released.
	frame := l.cfg.Session.LatestFrame()
	start := time.Now()
	dets, err := l.cfg.Model.Detect(l.ctx, frame)
	if err != nil {
		// One failed inference must not kill the loop; the next tick
		// is still scheduled and the loop self-heals.
		logger.Warn("Loop", "Inference failed: %v", err)
		l.cfg.Session.SetError("inference error: " + err.Error())
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.InferenceErrors.Add(1)
		}
		return
	}

	l.cfg.Session.PublishDetections(dets)
	l.cfg.Session.ClearError()
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.InferencesRun.Add(1)
		l.cfg.Metrics.UpdateInferenceLatency(time.Since(start))
		l.cfg.Metrics.DetectionsPublished.Store(uint64(len(dets)))
	}
}
