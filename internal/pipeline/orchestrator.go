package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/text"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-voice/pipeline"

// VoiceFetcher makes a reference voice available as a local file owned by the caller.
type VoiceFetcher interface {
	Fetch(ctx context.Context, uri string) (string, error)
}

// Synthesizer renders one unit into a new segment file.
type Synthesizer interface {
	SynthesizeUnit(ctx context.Context, text, voicePath, language string) (string, error)
}

// Assembler joins segments, in order, into outputPath.
type Assembler interface {
	Assemble(segments []string, outputPath string) (string, error)
}

// Request is a job as handed over by the submission boundary.
type Request struct {
	JobID    string
	Text     string
	VoiceURI string
	Language string
	// Observer, when set, receives this job's transitions instead of the
	// orchestrator-wide observer.
	Observer Observer
}

// SynthesisRequest is a job whose voice is already local. The pipeline takes
// ownership of VoicePath and deletes it when the job ends.
type SynthesisRequest struct {
	JobID     string
	Text      string
	VoicePath string
	Language  string
	Observer  Observer
}

// Result describes a completed job. AudioPath belongs to the caller.
type Result struct {
	JobID     string
	AudioPath string
	Units     int
	Duration  time.Duration
}

type Options struct {
	Fetcher   VoiceFetcher
	Engine    Synthesizer
	Assembler Assembler
	OutputDir string
	Observer  Observer
	Logger    *slog.Logger
}

// Orchestrator runs jobs through normalize, segment, synthesize and assemble. A
// single Orchestrator may run many jobs concurrently; each run is sequential.
type Orchestrator struct {
	fetcher   VoiceFetcher
	engine    Synthesizer
	assembler Assembler
	outputDir string
	observer  Observer
	logger    *slog.Logger
	clock     func() time.Time

	tracer   trace.Tracer
	jobs     metric.Int64Counter
	units    metric.Int64Counter
	duration metric.Float64Histogram
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		fetcher:   opts.Fetcher,
		engine:    opts.Engine,
		assembler: opts.Assembler,
		outputDir: opts.OutputDir,
		observer:  opts.Observer,
		logger:    opts.Logger.With(slog.String("component", "pipeline")),
		clock:     time.Now,
		tracer:    otel.Tracer(instrumentationName),
	}
	if err := o.initMetrics(); err != nil {
		o.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return o
}

func (o *Orchestrator) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if o.jobs, err = meter.Int64Counter("loqa.voice.jobs", metric.WithDescription("Synthesis jobs by outcome")); err != nil {
		return err
	}
	if o.units, err = meter.Int64Counter("loqa.voice.units", metric.WithDescription("Units synthesized")); err != nil {
		return err
	}
	o.duration, err = meter.Float64Histogram("loqa.voice.job.duration", metric.WithUnit("s"), metric.WithDescription("Job wall time"))
	return err
}

// Run acquires the reference voice and synthesizes the job.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("job.language", req.Language),
	))
	defer span.End()

	job := newJob(req.JobID, o.observerFor(req.Observer))
	voicePath, err := o.fetcher.Fetch(ctx, req.VoiceURI)
	if err != nil {
		return o.fail(ctx, job, &VoiceAcquisitionError{URI: req.VoiceURI, Err: err})
	}
	job.advance(StateVoiceAcquired)

	return o.synthesize(ctx, job, SynthesisRequest{
		JobID:     req.JobID,
		Text:      req.Text,
		VoicePath: voicePath,
		Language:  req.Language,
	})
}

// Synthesize runs a job whose voice is already on local storage.
func (o *Orchestrator) Synthesize(ctx context.Context, req SynthesisRequest) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.synthesize", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("job.language", req.Language),
	))
	defer span.End()

	job := newJob(req.JobID, o.observerFor(req.Observer))
	job.advance(StateVoiceAcquired)
	return o.synthesize(ctx, job, req)
}

func (o *Orchestrator) observerFor(observer Observer) Observer {
	if observer != nil {
		return observer
	}
	return o.observer
}

func (o *Orchestrator) synthesize(ctx context.Context, job *Job, req SynthesisRequest) (Result, error) {
	start := o.clock()
	logger := o.logger.With(slog.String("job_id", req.JobID))
	defer o.remove(logger, req.VoicePath, "voice")

	if _, err := os.Stat(req.VoicePath); err != nil {
		return o.fail(ctx, job, fmt.Errorf("%w: %v", ErrVoiceMissing, err))
	}

	units := segment(req.Text)
	if len(units) == 0 {
		return o.fail(ctx, job, ErrEmptyText)
	}
	job.advance(StateSegmented)

	segments := make([]string, 0, len(units))
	assembled := false
	defer func() {
		if assembled {
			return
		}
		for _, path := range segments {
			o.remove(logger, path, "segment")
		}
	}()

	for i, unit := range units {
		job.synthesizing(i, len(units))
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, job, err)
		}
		path, err := o.synthesizeUnit(ctx, unit, req, i)
		if err != nil {
			return o.fail(ctx, job, &SynthesisEngineError{Unit: i + 1, Total: len(units), Err: err})
		}
		segments = append(segments, path)
	}
	job.synthesizing(len(units), len(units))

	job.advance(StateAssembling)
	output := filepath.Join(o.outputDir, fmt.Sprintf("tts_output_%s_%d.wav", req.JobID, start.Unix()))
	final, err := o.assembler.Assemble(segments, output)
	if err != nil {
		return o.fail(ctx, job, &AssemblyError{Err: err})
	}
	assembled = true
	job.advance(StateCompleted)

	elapsed := o.clock().Sub(start)
	o.record(ctx, StateCompleted, elapsed)
	logger.Info("synthesis complete",
		slog.Int("units", len(units)),
		slog.String("output", final),
		slog.Duration("latency", elapsed))

	return Result{JobID: req.JobID, AudioPath: final, Units: len(units), Duration: elapsed}, nil
}

func (o *Orchestrator) synthesizeUnit(ctx context.Context, unit string, req SynthesisRequest, index int) (string, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.unit", trace.WithAttributes(attribute.Int("unit.index", index)))
	defer span.End()

	path, err := o.engine.SynthesizeUnit(ctx, unit, req.VoicePath, req.Language)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if o.units != nil {
		o.units.Add(ctx, 1)
	}
	return path, nil
}

func (o *Orchestrator) fail(ctx context.Context, job *Job, err error) (Result, error) {
	perr := &PipelineError{JobID: job.id, Stage: job.State(), Err: err}
	job.fail(perr)

	span := trace.SpanFromContext(ctx)
	span.RecordError(perr)
	span.SetStatus(codes.Error, perr.Error())
	o.record(ctx, StateFailed, 0)
	o.logger.Warn("synthesis failed",
		slog.String("job_id", job.id),
		slog.String("stage", string(perr.Stage)),
		slog.String("error", err.Error()))
	return Result{}, perr
}

func (o *Orchestrator) record(ctx context.Context, outcome State, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	if o.jobs != nil {
		o.jobs.Add(ctx, 1, attrs)
	}
	if o.duration != nil && outcome == StateCompleted {
		o.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// remove deletes a job-owned file; failures are logged and never escalated.
func (o *Orchestrator) remove(logger *slog.Logger, path, kind string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("cleanup failed", slog.String("kind", kind), slog.String("path", path), slog.String("error", err.Error()))
	}
}

// segment normalizes and splits text, dropping units with nothing to speak.
func segment(s string) []string {
	var units []string
	for _, unit := range text.Segment(text.Normalize(s), true) {
		if strings.TrimSpace(unit) != "" {
			units = append(units, unit)
		}
	}
	return units
}
