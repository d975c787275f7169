package audio

import (
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Container is the deployment-wide output format: RIFF/WAVE with linear PCM.
const (
	Container   = "wav"
	formatPCM   = 1
	defaultBits = 16
)

var ErrInvalidWAV = errors.New("not a valid wav file")

// Format describes the PCM layout of a clip.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Clip is a fully decoded PCM clip.
type Clip struct {
	Format  Format
	Samples []int
}

// ReadWAV decodes the whole file at path.
func ReadWAV(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("%s: %w", path, ErrInvalidWAV)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return Clip{
		Format: Format{
			SampleRate: int(dec.SampleRate),
			Channels:   int(dec.NumChans),
			BitDepth:   int(dec.BitDepth),
		},
		Samples: buf.Data,
	}, nil
}

// WriteWAV encodes clip into a new file at path.
func WriteWAV(path string, clip Clip) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(f, clip); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encode(f *os.File, clip Clip) error {
	bits := clip.Format.BitDepth
	if bits == 0 {
		bits = defaultBits
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: clip.Format.Channels, SampleRate: clip.Format.SampleRate},
		Data:           clip.Samples,
		SourceBitDepth: bits,
	}
	enc := wav.NewEncoder(f, clip.Format.SampleRate, bits, clip.Format.Channels, formatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
