package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

const (
	mockWordDuration = 80 * time.Millisecond
	mockToneHz       = 220.0
	mockAmplitude    = 8000.0
)

type mockEngine struct {
	settings Settings
}

// NewMockEngine returns an engine that renders a short tone per word instead of
// speech. It needs no model and is safe for concurrent use.
func NewMockEngine(settings Settings) Engine {
	return &mockEngine{settings: settings}
}

func (m *mockEngine) Initialize(ctx context.Context) error {
	return os.MkdirAll(m.settings.SegmentDir, 0o755)
}

func (m *mockEngine) SynthesizeUnit(ctx context.Context, text, voicePath, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if _, err := os.Stat(voicePath); err != nil {
		return "", fmt.Errorf("%w: voice reference: %v", ErrSynthesis, err)
	}
	if strings.TrimSpace(language) == "" {
		return "", fmt.Errorf("%w: language required", ErrSynthesis)
	}

	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	rate := m.settings.SampleRate
	channels := m.settings.Channels
	frames := int(float64(rate) * mockWordDuration.Seconds() * float64(words))
	samples := make([]int, frames*channels)
	for i := 0; i < frames; i++ {
		v := int(mockAmplitude * math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(rate)))
		for c := 0; c < channels; c++ {
			samples[i*channels+c] = v
		}
	}

	path := m.settings.segmentPath()
	clip := audio.Clip{
		Format:  audio.Format{SampleRate: rate, Channels: channels, BitDepth: 16},
		Samples: samples,
	}
	if err := audio.WriteWAV(path, clip); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	return path, nil
}

func (m *mockEngine) Shutdown(ctx context.Context) error { return nil }

func (m *mockEngine) Device() Device { return m.settings.Device }

func (m *mockEngine) Healthy() bool { return true }
