package audio

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testFormat = Format{SampleRate: 8000, Channels: 1, BitDepth: 16}

// writeMarker writes a clip whose samples all carry value, so its position in the
// assembled output can be recovered.
func writeMarker(t *testing.T, dir, name string, value, n int) string {
	t.Helper()
	samples := make([]int, n)
	for i := range samples {
		samples[i] = value
	}
	path := filepath.Join(dir, name)
	if err := WriteWAV(path, Clip{Format: testFormat, Samples: samples}); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestAssemblePreservesOrderAndPurgesSegments(t *testing.T) {
	dir := t.TempDir()
	segments := []string{
		writeMarker(t, dir, "z.wav", 300, 4),
		writeMarker(t, dir, "a.wav", 100, 2),
		writeMarker(t, dir, "m.wav", 200, 3),
	}
	out := filepath.Join(dir, "out", "final.wav")

	got, err := NewAssembler(newLogger()).Assemble(segments, out)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got != out {
		t.Fatalf("expected %s, got %s", out, got)
	}

	clip, err := ReadWAV(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if clip.Format != testFormat {
		t.Fatalf("unexpected format %+v", clip.Format)
	}
	want := []int{300, 300, 300, 300, 100, 100, 200, 200, 200}
	if len(clip.Samples) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(clip.Samples))
	}
	for i := range want {
		if clip.Samples[i] != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, clip.Samples[i], want[i])
		}
	}
	for _, seg := range segments {
		if _, err := os.Stat(seg); !os.IsNotExist(err) {
			t.Fatalf("segment %s still exists", seg)
		}
	}
}

func TestAssembleFailureLeavesNoOutput(t *testing.T) {
	for _, failAt := range []int{0, 2} {
		dir := t.TempDir()
		segments := []string{
			writeMarker(t, dir, "one.wav", 1, 2),
			writeMarker(t, dir, "two.wav", 2, 2),
			writeMarker(t, dir, "three.wav", 3, 2),
		}
		if err := os.WriteFile(segments[failAt], []byte("not audio"), 0o644); err != nil {
			t.Fatal(err)
		}
		out := filepath.Join(dir, "final.wav")

		if _, err := NewAssembler(newLogger()).Assemble(segments, out); err == nil {
			t.Fatalf("expected error when segment %d is corrupt", failAt+1)
		}
		if _, err := os.Stat(out); !os.IsNotExist(err) {
			t.Fatalf("partial output left behind (fail at %d)", failAt+1)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != len(segments) {
			t.Fatalf("expected only the %d segments in %s, found %d entries", len(segments), dir, len(entries))
		}
	}
}

func TestAssembleRejectsFormatMismatch(t *testing.T) {
	dir := t.TempDir()
	first := writeMarker(t, dir, "one.wav", 1, 2)
	second := filepath.Join(dir, "two.wav")
	if err := WriteWAV(second, Clip{Format: Format{SampleRate: 16000, Channels: 1, BitDepth: 16}, Samples: []int{1, 2}}); err != nil {
		t.Fatal(err)
	}
	_, err := NewAssembler(newLogger()).Assemble([]string{first, second}, filepath.Join(dir, "final.wav"))
	if !errors.Is(err, ErrFormatMismatch) {
		t.Fatalf("expected format mismatch, got %v", err)
	}
}

func TestAssembleNoSegments(t *testing.T) {
	_, err := NewAssembler(newLogger()).Assemble(nil, filepath.Join(t.TempDir(), "final.wav"))
	if !errors.Is(err, ErrNoSegments) {
		t.Fatalf("expected ErrNoSegments, got %v", err)
	}
}

func TestAssembleMissingSegment(t *testing.T) {
	dir := t.TempDir()
	_, err := NewAssembler(newLogger()).Assemble([]string{filepath.Join(dir, "missing.wav")}, filepath.Join(dir, "final.wav"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
