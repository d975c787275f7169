package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

var (
	ErrInvalidRequest = errors.New("invalid job request")
	ErrClosed         = errors.New("job service is shutting down")
	ErrDisabled       = errors.New("job intake is disabled")
)

// Runner executes one job end to end.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// Publisher turns a finished output into a client-facing URL.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// Notifier delivers a job outcome to the submitter's webhook.
type Notifier interface {
	Notify(ctx context.Context, webhookURL string, status protocol.JobStatus) error
}

// Store records job state and timelines.
type Store interface {
	PutJob(ctx context.Context, job eventstore.Job) error
	GetJob(ctx context.Context, jobID string) (eventstore.Job, error)
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]eventstore.Event, error)
}

// Service accepts jobs over HTTP and NATS, runs at most max_concurrency of them at a
// time and reports every outcome.
type Service struct {
	cfg       config.JobsConfig
	bus       *bus.Client
	store     Store
	runner    Runner
	publisher Publisher
	notifier  Notifier
	sem       chan struct{}
	sub       *nats.Subscription
	closed    atomic.Bool
	active    atomic.Int32
	clock     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewService builds the job intake. busClient may be nil, in which case jobs are only
// accepted over HTTP and outcomes are not broadcast.
func NewService(parent context.Context, cfg config.JobsConfig, busClient *bus.Client, store Store, runner Runner, publisher Publisher, notifier Notifier, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		store:     store,
		runner:    runner,
		publisher: publisher,
		notifier:  notifier,
		sem:       make(chan struct{}, limit),
		clock:     time.Now,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "jobs")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectJobSubmit, s.cfg.QueueGroup, s.handleSubmit)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("accepting jobs on bus", slog.String("subject", protocol.SubjectJobSubmit), slog.String("queue", s.cfg.QueueGroup))
	return nil
}

// Close stops intake and waits for running jobs to finish or observe cancellation.
func (s *Service) Close() {
	s.closed.Store(true)
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

// Active is the number of jobs currently holding a slot.
func (s *Service) Active() int { return int(s.active.Load()) }

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.bus == nil || s.sub != nil
}

// Submit validates req, records it and schedules it. It returns the new job id.
func (s *Service) Submit(ctx context.Context, req protocol.JobRequest) (string, error) {
	if !s.cfg.Enabled {
		return "", ErrDisabled
	}
	if s.closed.Load() {
		return "", ErrClosed
	}
	if err := validate(req); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	if err := s.store.PutJob(ctx, eventstore.Job{
		ID:       jobID,
		ClientID: req.ID,
		Status:   protocol.StatusAccepted,
		Language: req.Language,
	}); err != nil {
		return "", fmt.Errorf("record job: %w", err)
	}
	s.event(jobID, protocol.StatusAccepted, "")
	s.logger.Info("job accepted",
		slog.String("job_id", jobID),
		slog.String("id", req.ID),
		slog.Int("text_chars", len(req.Text)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(jobID, req)
	}()
	return jobID, nil
}

// Lookup returns the recorded state and timeline of a job.
func (s *Service) Lookup(ctx context.Context, jobID string) (protocol.JobView, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return protocol.JobView{}, err
	}
	events, err := s.store.ListJobEvents(ctx, jobID, 0)
	if err != nil {
		return protocol.JobView{}, err
	}
	view := protocol.JobView{
		JobID:    job.ID,
		ID:       job.ClientID,
		Status:   job.Status,
		Language: job.Language,
		URL:      job.URL,
		Error:    job.Error,
		Events:   make([]protocol.JobEvent, 0, len(events)),
	}
	for _, e := range events {
		view.Events = append(view.Events, protocol.JobEvent{Type: e.Type, Detail: string(e.Payload), Timestamp: e.CreatedAt})
	}
	return view, nil
}

func (s *Service) process(jobID string, req protocol.JobRequest) {
	select {
	case s.sem <- struct{}{}:
		s.active.Add(1)
		defer func() {
			s.active.Add(-1)
			<-s.sem
		}()
	case <-s.ctx.Done():
		s.finish(jobID, req, "", s.ctx.Err())
		return
	}

	ctx := s.ctx
	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	if err := s.store.PutJob(ctx, eventstore.Job{ID: jobID, Status: protocol.StatusRunning}); err != nil {
		s.logger.Warn("failed to record job start", slog.String("job_id", jobID), slogError(err))
	}

	res, err := s.runner.Run(ctx, pipeline.Request{
		JobID:    jobID,
		Text:     req.Text,
		VoiceURI: req.VoiceURL,
		Language: req.Language,
		Observer: s.observe,
	})
	if err != nil {
		s.finish(jobID, req, "", err)
		return
	}

	location, err := s.publisher.Publish(ctx, res.AudioPath)
	if err != nil {
		if rmErr := os.Remove(res.AudioPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove unpublished output", slog.String("path", res.AudioPath), slogError(rmErr))
		}
		s.finish(jobID, req, "", fmt.Errorf("publish output: %w", err))
		return
	}
	s.finish(jobID, req, location, nil)
}

// finish records, broadcasts and delivers the outcome of a job.
func (s *Service) finish(jobID string, req protocol.JobRequest, location string, runErr error) {
	status := protocol.JobStatus{
		JobID:     jobID,
		ID:        req.ID,
		Status:    protocol.StatusCompleted,
		Code:      200,
		URL:       location,
		Endpoint:  protocol.Endpoint,
		Timestamp: s.clock().UTC(),
	}
	if runErr != nil {
		status.Status = protocol.StatusFailed
		status.Code = 500
		status.Error = runErr.Error()
		status.URL = ""
		s.logger.Error("job failed", slog.String("job_id", jobID), slogError(runErr))
	} else {
		s.logger.Info("job completed", slog.String("job_id", jobID), slog.String("url", location))
	}

	ctx := context.WithoutCancel(s.ctx)
	if err := s.store.PutJob(ctx, eventstore.Job{ID: jobID, Status: status.Status, URL: status.URL, Error: status.Error}); err != nil {
		s.logger.Warn("failed to record job outcome", slog.String("job_id", jobID), slogError(err))
	}
	s.event(jobID, "job_"+status.Status, status.Error)
	s.broadcast(status)

	if req.WebhookURL == "" || s.notifier == nil {
		return
	}
	timeout := time.Duration(s.cfg.WebhookTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	notifyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.notifier.Notify(notifyCtx, req.WebhookURL, status); err != nil {
		s.logger.Warn("webhook delivery failed", slog.String("job_id", jobID), slogError(err))
		s.event(jobID, "webhook_failed", err.Error())
		return
	}
	s.event(jobID, "webhook_delivered", "")
}

func (s *Service) broadcast(status protocol.JobStatus) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(protocol.SubjectJobStatus, status); err != nil {
		s.logger.Warn("failed to publish job status", slogError(err))
	}
}

// observe records pipeline transitions on the job timeline.
func (s *Service) observe(p pipeline.Progress) {
	var detail string
	switch {
	case p.Err != nil:
		detail = p.Err.Error()
	case p.State == pipeline.StateSynthesizing:
		detail = fmt.Sprintf("%d/%d", p.Done, p.Total)
	}
	s.event(p.JobID, string(p.State), detail)
}

func (s *Service) event(jobID, typ, detail string) {
	evt := eventstore.Event{JobID: jobID, Type: typ, Payload: []byte(detail)}
	if err := s.store.AppendEvent(context.WithoutCancel(s.ctx), evt); err != nil {
		s.logger.Warn("failed to append job event", slog.String("job_id", jobID), slog.String("type", typ), slogError(err))
	}
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var reply protocol.JobAccepted
	req, err := decodeRequest(bytes.NewReader(msg.Data))
	if err == nil {
		reply.JobID, err = s.Submit(s.ctx, req)
	}
	if err != nil {
		s.logger.Warn("rejected job from bus", slogError(err))
		reply.Error = err.Error()
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal job reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to job submit", slogError(err))
	}
}

func validate(req protocol.JobRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Language) == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidRequest)
	}
	if req.VoiceURL == "" {
		return fmt.Errorf("%w: voice_url is required", ErrInvalidRequest)
	}
	if u, err := url.Parse(req.VoiceURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: voice_url must be an http(s) url", ErrInvalidRequest)
	}
	if req.WebhookURL != "" {
		u, err := url.Parse(req.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook_url must be an http(s) url", ErrInvalidRequest)
		}
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
