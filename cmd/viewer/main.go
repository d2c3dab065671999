package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/temmie0232/detectcam/internal/camera"
	"github.com/temmie0232/detectcam/internal/detect"
	"github.com/temmie0232/detectcam/internal/logger"
	"github.com/temmie0232/detectcam/internal/metrics"
	"github.com/temmie0232/detectcam/internal/session"
	"github.com/temmie0232/detectcam/internal/viewer"
)

var (
	httpAddr    = flag.String("http", ":8080", "HTTP server address")
	metricsAddr = flag.String("metrics", ":9090", "Metrics server address")
	outputDir   = flag.String("output", "./exports", "Export output directory")
	facingMode  = flag.String("facing", "rear", "Initial camera facing mode (front, rear)")
	profile     = flag.String("profile", "lightweight", "Inference profile (lightweight, accurate)")
	targetFPS   = flag.Int("fps", 30, "Detection loop target FPS")
	fakeCamera  = flag.Bool("fake-camera", false, "Use a synthetic camera instead of a physical device")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Object detection viewer starting...")

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		log.Fatalf("Failed to create export directory: %v", err)
	}

	facing, err := camera.ParseFacing(*facingMode)
	if err != nil {
		log.Fatalf("Invalid facing mode: %v", err)
	}

	m := metrics.New()
	sess := session.New()

	open := camera.OpenDevice(camera.DeviceConfig{})
	if *fakeCamera {
		open = camera.OpenFake(640, 480)
	}
	cameras := camera.NewManager(open)
	defer cameras.Close()

	// Device and load failures are terminal for the session: they are
	// surfaced through the shared error slot and the loop never starts.
	if _, err := cameras.Acquire(facing); err != nil {
		logger.Error("Main", "Camera acquisition failed: %v", err)
		sess.SetError("camera: " + err.Error())
	}

	var loop *session.Loop
	modelName := ""
	model, err := detect.Load(detect.Config{Profile: detect.Profile(*profile)})
	if err != nil {
		logger.Error("Main", "Model load failed: %v", err)
		sess.SetError("model load failed: " + err.Error())
	} else {
		modelName = model.Name()
		if cameras.Current() != nil {
			var interval time.Duration
			if *targetFPS > 0 {
				interval = time.Second / time.Duration(*targetFPS)
			}
			loop = session.NewLoop(session.LoopConfig{
				Session:  sess,
				Model:    model,
				Stream:   cameras.Current,
				Interval: interval,
				Metrics:  m,
			})
			loop.Start()
		}
	}

	cfg := viewer.DefaultConfig()
	cfg.Addr = *httpAddr
	cfg.OutputDir = *outputDir
	cfg.TargetFPS = *targetFPS

	srv := viewer.NewServer(cfg, viewer.Deps{
		Session:   sess,
		Cameras:   cameras,
		Loop:      loop,
		Metrics:   m,
		ModelName: modelName,
	})

	go func() {
		logger.Info("Main", "Metrics server on %s", *metricsAddr)
		if err := m.StartServer(*metricsAddr); err != nil {
			logger.Warn("Main", "Metrics server error: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("Main", "Viewer listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	// Disposal: cancel the pending loop iteration, then release the
	// camera tracks. Both run on every exit path.
	if loop != nil {
		loop.Stop()
	}
	srv.Stop()
	cameras.Close()

	logger.Info("Main", "Viewer stopped")
}
