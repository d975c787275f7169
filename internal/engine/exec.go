package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
)

// licenseEnv is read by the worker in place of an interactive terms prompt.
const licenseEnv = "COQUI_TOS_AGREED=1"

// execEngine drives a long-lived model worker over line-delimited JSON. The worker
// loads the model once at start, answers {"ready":true}, then handles one request
// per line and answers each with a line carrying the same id.
type execEngine struct {
	args     []string
	settings Settings
	logger   *slog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan []byte
	done  chan struct{}
	// stale maps abandoned request ids to the outputs they may still produce.
	stale   map[string]string
	waitErr error
	// live holds the done channel of a worker that reported ready.
	live atomic.Pointer[chan struct{}]
}

type execRequest struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	SpeakerWAV string `json:"speaker_wav"`
	Language   string `json:"language"`
	Output     string `json:"output"`
}

type execResponse struct {
	ID     string `json:"id,omitempty"`
	Ready  bool   `json:"ready,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Device string `json:"device,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewExecEngine(command string, settings Settings, logger *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	eng, err := newExecEngine(args, settings, logger)
	if err != nil {
		return nil, err
	}
	return eng, nil
}

func newExecEngine(args []string, settings Settings, logger *slog.Logger) (*execEngine, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	if !settings.AcceptLicense {
		return nil, ErrLicenseRequired
	}
	return &execEngine{args: args, settings: settings, logger: logger}, nil
}

func (e *execEngine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		return nil
	}
	if err := os.MkdirAll(e.settings.SegmentDir, 0o755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}

	args := append([]string{}, e.args[1:]...)
	args = append(args,
		"--model", e.settings.Model,
		"--device", string(e.settings.Device),
		"--sample-rate", strconv.Itoa(e.settings.SampleRate),
	)
	cmd := exec.Command(e.args[0], args...)
	cmd.Env = append(os.Environ(), licenseEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine worker: %w", err)
	}

	lines := make(chan []byte, 16)
	done := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) == 0 {
				continue
			}
			lines <- line
		}
	}()
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			e.logger.Debug("engine worker", slog.String("stderr", scanner.Text()))
		}
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		e.waitErr = err
		close(done)
	}()

	e.cmd = cmd
	e.stdin = stdin
	e.lines = lines
	e.done = done
	e.stale = make(map[string]string)

	startCtx := ctx
	if e.settings.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, e.settings.StartupTimeout)
		defer cancel()
	}
	resp, err := e.next(startCtx, "")
	if err == nil && !resp.Ready {
		err = fmt.Errorf("engine worker not ready: %s", resp.Error)
	}
	if err != nil {
		e.kill()
		e.cmd = nil
		return fmt.Errorf("initialize engine: %w", err)
	}
	e.live.Store(&done)
	e.logger.Info("engine ready",
		slog.String("model", e.settings.Model),
		slog.String("device", coalesce(resp.Device, string(e.settings.Device))))
	return nil
}

func (e *execEngine) SynthesizeUnit(ctx context.Context, text, voicePath, language string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return "", ErrNotInitialized
	}
	if _, err := os.Stat(voicePath); err != nil {
		return "", fmt.Errorf("%w: voice reference: %v", ErrSynthesis, err)
	}

	req := execRequest{
		ID:         uuid.NewString(),
		Text:       text,
		SpeakerWAV: voicePath,
		Language:   language,
		Output:     e.settings.segmentPath(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	if _, err := e.stdin.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("%w: write request: %v", ErrSynthesis, err)
	}

	resp, err := e.next(ctx, req.ID)
	if err != nil {
		e.stale[req.ID] = req.Output
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if !resp.OK {
		os.Remove(req.Output)
		return "", fmt.Errorf("%w: %s", ErrSynthesis, coalesce(resp.Error, "worker reported failure"))
	}
	if _, err := os.Stat(req.Output); err != nil {
		return "", fmt.Errorf("%w: worker produced no output: %v", ErrSynthesis, err)
	}
	return req.Output, nil
}

// next returns the next response for id, discarding and cleaning up after replies to
// abandoned requests.
func (e *execEngine) next(ctx context.Context, id string) (execResponse, error) {
	for {
		select {
		case line, ok := <-e.lines:
			if !ok {
				<-e.done
				return execResponse{}, fmt.Errorf("engine worker exited: %v", e.waitErr)
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				e.logger.Warn("undecodable engine output", slog.String("line", string(line)))
				continue
			}
			if resp.ID != id {
				if output, ok := e.stale[resp.ID]; ok {
					delete(e.stale, resp.ID)
					os.Remove(output)
				}
				continue
			}
			return resp, nil
		case <-ctx.Done():
			return execResponse{}, ctx.Err()
		}
	}
}

func (e *execEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return nil
	}
	defer func() { e.cmd = nil }()
	e.live.Store(nil)

	_ = e.stdin.Close()
	e.drain()
	select {
	case <-e.done:
	case <-ctx.Done():
		e.kill()
		return ctx.Err()
	case <-time.After(10 * time.Second):
		e.kill()
	}
	for _, output := range e.stale {
		os.Remove(output)
	}
	e.stale = nil
	return nil
}

func (e *execEngine) Device() Device { return e.settings.Device }

// Healthy is false before Initialize, after Shutdown and once the worker process
// has exited. It never waits on an in-flight unit.
func (e *execEngine) Healthy() bool {
	done := e.live.Load()
	if done == nil {
		return false
	}
	select {
	case <-*done:
		return false
	default:
		return true
	}
}

// drain keeps the stdout reader unblocked so the worker can exit.
func (e *execEngine) drain() {
	lines := e.lines
	go func() {
		for range lines {
		}
	}()
}

func (e *execEngine) kill() {
	e.drain()
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	<-e.done
}

func coalesce(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
