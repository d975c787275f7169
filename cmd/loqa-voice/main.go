package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/text"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

var version = "0.1.0-dev"

type synthesizeOptions struct {
	configPath string
	text       string
	voice      string
	language   string
	out        string
	verbose    bool
}

func main() {
	var synth synthesizeOptions
	synthCmd := flag.NewFlagSet("synthesize", flag.ExitOnError)
	synthCmd.StringVar(&synth.configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	synthCmd.StringVar(&synth.text, "text", "", "Text to speak")
	synthCmd.StringVar(&synth.voice, "voice", "", "Reference voice (path, file:// or http(s) URL)")
	synthCmd.StringVar(&synth.language, "language", "en", "Language code")
	synthCmd.StringVar(&synth.out, "out", "output.wav", "Where to write the WAV file")
	synthCmd.BoolVar(&synth.verbose, "v", false, "Log progress to stderr")

	var segmentText string
	segmentCmd := flag.NewFlagSet("segment", flag.ExitOnError)
	segmentCmd.StringVar(&segmentText, "text", "", "Text to split into units")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'synthesize', 'segment' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "synthesize":
		synthCmd.Parse(os.Args[2:])
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runSynthesize(ctx, synth); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(synth.out)
	case "segment":
		segmentCmd.Parse(os.Args[2:])
		for _, unit := range text.Segment(text.Normalize(segmentText), true) {
			fmt.Println(unit)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runSynthesize(ctx context.Context, opts synthesizeOptions) error {
	if opts.text == "" || opts.voice == "" {
		return errors.New("-text and -voice are required")
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	work, err := os.MkdirTemp(cfg.Storage.WorkDir, "loqa-voice-cli-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	eng, err := engine.New(cfg.Engine, filepath.Join(work, "segments"), logger)
	if err != nil {
		return err
	}
	if err := eng.Initialize(ctx); err != nil {
		return err
	}
	defer eng.Shutdown(context.Background())

	orchestrator := pipeline.New(pipeline.Options{
		Fetcher:   voice.NewFetcher(cfg.Voice, filepath.Join(work, "voices"), logger, voice.AllowLocal()),
		Engine:    eng,
		Assembler: audio.NewAssembler(logger),
		OutputDir: work,
		Logger:    logger,
	})

	res, err := orchestrator.Run(ctx, pipeline.Request{
		JobID:    uuid.NewString(),
		Text:     opts.text,
		VoiceURI: opts.voice,
		Language: opts.language,
		Observer: func(p pipeline.Progress) {
			if p.State == pipeline.StateSynthesizing && p.Total > 0 {
				logger.Info("synthesizing", slog.Int("done", p.Done), slog.Int("total", p.Total))
			}
		},
	})
	if err != nil {
		return err
	}
	return moveFile(res.AudioPath, opts.out)
}

// moveFile renames src to dest, copying when they sit on different filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
