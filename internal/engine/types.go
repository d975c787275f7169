package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
)

var (
	// ErrSynthesis wraps every failure to turn one unit into audio.
	ErrSynthesis       = errors.New("synthesis failed")
	ErrNotInitialized  = errors.New("engine not initialized")
	ErrLicenseRequired = errors.New("engine license not accepted")
)

// Engine is a loaded speech model that clones a reference voice. Implementations
// serialize SynthesizeUnit calls; callers may share one instance across jobs.
type Engine interface {
	Initialize(ctx context.Context) error
	// SynthesizeUnit renders text in the voice at voicePath and returns the path of a
	// new segment file owned by the caller.
	SynthesizeUnit(ctx context.Context, text, voicePath, language string) (string, error)
	Shutdown(ctx context.Context) error
	// Device is the backend resolved when the engine was built.
	Device() Device
	// Healthy reports whether the engine can still take units.
	Healthy() bool
}

// Settings are resolved once when an engine is built.
type Settings struct {
	Model          string
	Device         Device
	AcceptLicense  bool
	SegmentDir     string
	SampleRate     int
	Channels       int
	StartupTimeout time.Duration
}

func SettingsFromConfig(cfg config.EngineConfig, segmentDir string) Settings {
	return Settings{
		Model:          cfg.Model,
		Device:         ResolveDevice(cfg.Device, nil),
		AcceptLicense:  cfg.AcceptLicense,
		SegmentDir:     segmentDir,
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
		StartupTimeout: time.Duration(cfg.StartupTimeoutMS) * time.Millisecond,
	}
}

// New builds the engine selected by cfg.Mode. The returned engine still needs
// Initialize before use.
func New(cfg config.EngineConfig, segmentDir string, logger *slog.Logger) (Engine, error) {
	settings := SettingsFromConfig(cfg, segmentDir)
	logger = logger.With(slog.String("component", "tts-engine"))
	switch cfg.Mode {
	case "mock":
		return NewMockEngine(settings), nil
	case "exec":
		return NewExecEngine(cfg.Command, settings, logger)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}

func (s Settings) segmentPath() string {
	return filepath.Join(s.SegmentDir, "segment_"+uuid.NewString()+".wav")
}
