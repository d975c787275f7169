package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

const helperEnv = "LOQA_ENGINE_HELPER"

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSettings(t *testing.T) Settings {
	t.Helper()
	return Settings{
		Model:          "test-model",
		Device:         DeviceCPU,
		AcceptLicense:  true,
		SegmentDir:     filepath.Join(t.TempDir(), "segments"),
		SampleRate:     8000,
		Channels:       1,
		StartupTimeout: 10 * time.Second,
	}
}

func writeVoice(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.wav")
	clip := audio.Clip{Format: audio.Format{SampleRate: 8000, Channels: 1, BitDepth: 16}, Samples: []int{0, 1, 2, 3}}
	if err := audio.WriteWAV(path, clip); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestHelperEngine is not a real test: it is the worker process launched by the
// exec engine tests.
func TestHelperEngine(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	defer os.Exit(0)

	out := json.NewEncoder(os.Stdout)
	if os.Getenv("COQUI_TOS_AGREED") != "1" {
		_ = out.Encode(execResponse{Error: "terms not accepted"})
		return
	}
	if os.Getenv(helperEnv+"_MODE") == "refuse" {
		_ = out.Encode(execResponse{Error: "model not found"})
		return
	}
	device := ""
	for i, arg := range os.Args {
		if arg == "--device" && i+1 < len(os.Args) {
			device = os.Args[i+1]
		}
	}
	_ = out.Encode(execResponse{Ready: true, Device: device})

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req execRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch {
		case strings.Contains(req.Text, "boom"):
			_ = out.Encode(execResponse{ID: req.ID, Error: "model exploded"})
			continue
		case strings.Contains(req.Text, "crash"):
			os.Exit(3)
		case strings.Contains(req.Text, "slow"):
			time.Sleep(300 * time.Millisecond)
		}
		clip := audio.Clip{Format: audio.Format{SampleRate: 8000, Channels: 1, BitDepth: 16}, Samples: make([]int, len(req.Text))}
		if err := audio.WriteWAV(req.Output, clip); err != nil {
			_ = out.Encode(execResponse{ID: req.ID, Error: err.Error()})
			continue
		}
		_ = out.Encode(execResponse{ID: req.ID, OK: true})
	}
}

func startHelper(t *testing.T, settings Settings) *execEngine {
	t.Helper()
	t.Setenv(helperEnv, "1")
	eng, err := newExecEngine([]string{os.Args[0], "-test.run=^TestHelperEngine$", "--"}, settings, newLogger())
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	if eng.Healthy() {
		t.Fatal("engine must not be healthy before Initialize")
	}
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !eng.Healthy() {
		t.Fatal("expected healthy engine after Initialize")
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return eng
}

func TestExecEngineSynthesizesDistinctSegments(t *testing.T) {
	settings := testSettings(t)
	eng := startHelper(t, settings)
	voice := writeVoice(t)

	seen := map[string]bool{}
	for _, unit := range []string{"Hello there", "Nice day"} {
		path, err := eng.SynthesizeUnit(context.Background(), unit, voice, "en")
		if err != nil {
			t.Fatalf("synthesize %q: %v", unit, err)
		}
		if seen[path] {
			t.Fatalf("segment path reused: %s", path)
		}
		seen[path] = true
		if filepath.Dir(path) != settings.SegmentDir {
			t.Fatalf("segment written outside segment dir: %s", path)
		}
		clip, err := audio.ReadWAV(path)
		if err != nil {
			t.Fatalf("read segment: %v", err)
		}
		if len(clip.Samples) != len(unit) {
			t.Fatalf("expected %d samples, got %d", len(unit), len(clip.Samples))
		}
	}
}

func TestExecEngineReportsWorkerFailure(t *testing.T) {
	eng := startHelper(t, testSettings(t))
	voice := writeVoice(t)

	_, err := eng.SynthesizeUnit(context.Background(), "boom", voice, "en")
	if !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis, got %v", err)
	}
	if !strings.Contains(err.Error(), "model exploded") {
		t.Fatalf("expected worker message in error, got %v", err)
	}

	if _, err := eng.SynthesizeUnit(context.Background(), "still alive", voice, "en"); err != nil {
		t.Fatalf("engine unusable after unit failure: %v", err)
	}
}

func TestExecEngineMissingVoice(t *testing.T) {
	eng := startHelper(t, testSettings(t))
	_, err := eng.SynthesizeUnit(context.Background(), "hi", filepath.Join(t.TempDir(), "gone.wav"), "en")
	if !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis, got %v", err)
	}
}

func TestExecEngineWorkerExit(t *testing.T) {
	eng := startHelper(t, testSettings(t))
	voice := writeVoice(t)
	_, err := eng.SynthesizeUnit(context.Background(), "crash", voice, "en")
	if !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis after worker exit, got %v", err)
	}
	if _, err := eng.SynthesizeUnit(context.Background(), "again", voice, "en"); !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis from dead worker, got %v", err)
	}
	if eng.Healthy() {
		t.Fatal("engine with an exited worker must report unhealthy")
	}
}

func TestExecEngineUnhealthyAfterShutdown(t *testing.T) {
	eng := startHelper(t, testSettings(t))
	if err := eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if eng.Healthy() {
		t.Fatal("engine must report unhealthy after Shutdown")
	}
}

func TestExecEngineAbandonedRequestCleanup(t *testing.T) {
	settings := testSettings(t)
	eng := startHelper(t, settings)
	voice := writeVoice(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := eng.SynthesizeUnit(ctx, "slow unit", voice, "en"); !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis on timeout, got %v", err)
	}

	path, err := eng.SynthesizeUnit(context.Background(), "next", voice, "en")
	if err != nil {
		t.Fatalf("synthesize after timeout: %v", err)
	}
	entries, err := os.ReadDir(settings.SegmentDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || filepath.Join(settings.SegmentDir, entries[0].Name()) != path {
		t.Fatalf("expected only %s in segment dir, found %d entries", path, len(entries))
	}
}

func TestExecEngineStartupFailure(t *testing.T) {
	t.Setenv(helperEnv, "1")
	t.Setenv(helperEnv+"_MODE", "refuse")
	eng, err := newExecEngine([]string{os.Args[0], "-test.run=^TestHelperEngine$", "--"}, testSettings(t), newLogger())
	if err != nil {
		t.Fatal(err)
	}
	err = eng.Initialize(context.Background())
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected startup error, got %v", err)
	}
	if eng.Healthy() {
		t.Fatal("engine that failed to start must report unhealthy")
	}
	if _, err := eng.SynthesizeUnit(context.Background(), "hi", "x", "en"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestExecEngineRequiresLicense(t *testing.T) {
	settings := testSettings(t)
	settings.AcceptLicense = false
	eng, err := NewExecEngine("python3 worker.py", settings, newLogger())
	if !errors.Is(err, ErrLicenseRequired) {
		t.Fatalf("expected ErrLicenseRequired, got %v", err)
	}
	if eng != nil {
		t.Fatalf("expected a nil engine on error, got %T", eng)
	}
	if _, err := NewExecEngine("", testSettings(t), newLogger()); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestMockEngine(t *testing.T) {
	settings := testSettings(t)
	eng := NewMockEngine(settings)
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	voice := writeVoice(t)

	path, err := eng.SynthesizeUnit(context.Background(), "three short words", voice, "en")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	clip, err := audio.ReadWAV(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	wantFrames := int(float64(settings.SampleRate) * mockWordDuration.Seconds() * 3)
	if len(clip.Samples) != wantFrames {
		t.Fatalf("expected %d samples, got %d", wantFrames, len(clip.Samples))
	}
	if _, err := eng.SynthesizeUnit(context.Background(), "hi", voice, ""); !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis for empty language, got %v", err)
	}
}

func TestNewSelectsMode(t *testing.T) {
	cfg := config.Default().Engine
	eng, err := New(cfg, t.TempDir(), newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := eng.(*mockEngine); !ok {
		t.Fatalf("expected mock engine, got %T", eng)
	}
	if got, want := eng.Device(), ResolveDevice(cfg.Device, nil); got != want {
		t.Fatalf("expected resolved device %s, got %s", want, got)
	}
	cfg.Device = "cuda"
	if eng, err = New(cfg, t.TempDir(), newLogger()); err != nil || eng.Device() != DeviceCUDA {
		t.Fatalf("expected configured cuda device, got %v (%v)", eng, err)
	}
	cfg.Mode = "exec"
	cfg.Command = "worker"
	cfg.AcceptLicense = true
	eng, err = New(cfg, t.TempDir(), newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := eng.(*execEngine); !ok {
		t.Fatalf("expected exec engine, got %T", eng)
	}
}

func TestResolveDevice(t *testing.T) {
	found := func(string) (string, error) { return "/usr/bin/nvidia-smi", nil }
	missing := func(string) (string, error) { return "", fmt.Errorf("not found") }
	cases := []struct {
		pref   string
		lookup func(string) (string, error)
		want   Device
	}{
		{"cpu", found, DeviceCPU},
		{"cuda", missing, DeviceCUDA},
		{"auto", found, DeviceCUDA},
		{"auto", missing, DeviceCPU},
	}
	for _, tc := range cases {
		if got := ResolveDevice(tc.pref, tc.lookup); got != tc.want {
			t.Fatalf("ResolveDevice(%q) = %s, want %s", tc.pref, got, tc.want)
		}
	}
}
