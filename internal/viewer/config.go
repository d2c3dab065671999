package viewer

import "time"

// Config defines the runtime configuration for the viewer server.
type Config struct {
	Addr          string
	OutputDir     string
	TargetFPS     int
	MJPEGInterval time.Duration
	SSEInterval   time.Duration
}

// DefaultConfig returns the viewer defaults.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8080",
		OutputDir:     "./exports",
		TargetFPS:     30,
		MJPEGInterval: 33 * time.Millisecond,
		SSEInterval:   100 * time.Millisecond,
	}
}
