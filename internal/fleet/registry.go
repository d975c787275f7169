package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectHeartbeatPrefix = "tts.worker.heartbeat"
	subjectLeavePrefix     = "tts.worker.leave"
)

// Descriptor is what a worker advertises about itself.
type Descriptor struct {
	ID             string `json:"worker_id"`
	Engine         string `json:"engine"`
	Model          string `json:"model,omitempty"`
	Device         string `json:"device,omitempty"`
	MaxConcurrency int    `json:"max_concurrency"`
}

// Worker is a peer as last seen on the bus.
type Worker struct {
	Descriptor
	Active   int       `json:"active_jobs"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type heartbeatMessage struct {
	Descriptor
	Active    int       `json:"active_jobs"`
	Timestamp time.Time `json:"timestamp"`
}

// LoadFunc reports how many jobs this worker is running right now.
type LoadFunc func() int

// Registry advertises this worker and tracks every peer sharing the job queue.
type Registry struct {
	cfg    config.FleetConfig
	self   Descriptor
	load   LoadFunc
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu      sync.RWMutex
	workers map[string]*Worker
	clock   func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.FleetConfig, self Descriptor, busClient *bus.Client, load LoadFunc, log *slog.Logger) (*Registry, error) {
	if self.ID == "" {
		return nil, fmt.Errorf("worker id required")
	}
	if strings.ContainsAny(self.ID, ".*> ") {
		return nil, fmt.Errorf("worker id %q is not a valid subject token", self.ID)
	}
	if load == nil {
		load = func() int { return 0 }
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		self:    self,
		load:    load,
		log:     log.With(slog.String("component", "fleet")),
		bus:     busClient,
		cancel:  cancel,
		workers: make(map[string]*Worker),
		clock:   time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	if err := r.publishHeartbeat(); err != nil {
		r.log.Warn("failed to announce worker", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
	return r, nil
}

// Close announces departure and stops heartbeats.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	if err := r.bus.Conn().Publish(subjectLeavePrefix+"."+r.self.ID, nil); err != nil {
		r.log.Warn("failed to announce departure", slog.String("error", err.Error()))
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	hb, err := conn.Subscribe(subjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, hb)

	leave, err := conn.Subscribe(subjectLeavePrefix+".*", r.handleLeave)
	if err != nil {
		return fmt.Errorf("subscribe leave: %w", err)
	}
	r.subs = append(r.subs, leave)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		Descriptor: r.self,
		Active:     r.load(),
		Timestamp:  r.clock().UTC(),
	}
	if err := r.bus.PublishJSON(subjectHeartbeatPrefix+"."+r.self.ID, msg); err != nil {
		return err
	}
	r.update(msg)
	return nil
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.ID == "" {
		hb.ID = strings.TrimPrefix(msg.Subject, subjectHeartbeatPrefix+".")
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.update(hb)
}

func (r *Registry) handleLeave(msg *nats.Msg) {
	id := strings.TrimPrefix(msg.Subject, subjectLeavePrefix+".")
	if id == r.self.ID {
		return
	}
	r.mu.Lock()
	delete(r.workers, id)
	r.mu.Unlock()
	r.log.Info("worker left", slog.String("worker_id", id))
}

func (r *Registry) update(hb heartbeatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[hb.ID]
	if !ok {
		w = &Worker{}
		r.workers[hb.ID] = w
		if hb.ID != r.self.ID {
			r.log.Info("worker joined", slog.String("worker_id", hb.ID), slog.String("engine", hb.Engine))
		}
	}
	w.Descriptor = hb.Descriptor
	w.Active = hb.Active
	w.LastSeen = hb.Timestamp
	w.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.clock()
	for _, w := range r.workers {
		if now.Sub(w.LastSeen) > timeout {
			w.Healthy = false
		}
	}
}

// Healthy reports whether this worker's own heartbeat is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[r.self.ID]
	return ok && w.Healthy
}

// Workers returns every known worker ordered by id.
func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ServeHTTP lists the known workers as JSON.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Workers []Worker `json:"workers"`
	}{Workers: r.Workers()})
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/fleet")
	workers, err := meter.Int64ObservableGauge("loqa.voice.workers", metric.WithDescription("Healthy workers sharing the job queue"))
	if err != nil {
		return err
	}
	capacity, err := meter.Int64ObservableGauge("loqa.voice.capacity", metric.WithDescription("Job slots across healthy workers"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy, slots int64
		for _, w := range r.Workers() {
			if w.Healthy {
				healthy++
				slots += int64(w.MaxConcurrency)
			}
		}
		obs.ObserveInt64(workers, healthy)
		obs.ObserveInt64(capacity, slots)
		return nil
	}, workers, capacity)
	return err
}
