package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	ErrNoSegments     = errors.New("no segments to assemble")
	ErrFormatMismatch = errors.New("segment format mismatch")
)

// Assembler concatenates segment clips into one file.
type Assembler struct {
	logger *slog.Logger
}

func NewAssembler(logger *slog.Logger) *Assembler {
	return &Assembler{logger: logger.With(slog.String("component", "audio-assembler"))}
}

// Assemble appends segments in the given order and writes the result to outputPath.
// The output is encoded next to outputPath and renamed into place, so a failed run
// never leaves a partial file there. Segment files are deleted only after a
// successful export; on failure they are left for the caller to purge.
func (a *Assembler) Assemble(segments []string, outputPath string) (string, error) {
	if len(segments) == 0 {
		return "", ErrNoSegments
	}

	var combined Clip
	for i, path := range segments {
		clip, err := ReadWAV(path)
		if err != nil {
			return "", fmt.Errorf("load segment %d: %w", i+1, err)
		}
		if i == 0 {
			combined.Format = clip.Format
		} else if clip.Format != combined.Format {
			return "", fmt.Errorf("segment %d has %+v, want %+v: %w", i+1, clip.Format, combined.Format, ErrFormatMismatch)
		}
		combined.Samples = append(combined.Samples, clip.Samples...)
	}

	if err := a.export(combined, outputPath); err != nil {
		return "", err
	}

	for _, path := range segments {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("failed to remove segment", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return outputPath, nil
}

func (a *Assembler) export(clip Clip, outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".assemble-*.wav")
	if err != nil {
		return fmt.Errorf("temp output: %w", err)
	}
	tmpPath := tmp.Name()

	if err := encode(tmp, clip); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}
