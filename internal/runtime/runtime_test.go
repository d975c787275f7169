package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.APIKey = "k"
	cfg.Bus.Host = "127.0.0.1"
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Storage.WorkDir = filepath.Join(dir, "work")
	cfg.Engine.SampleRate = 8000
	cfg.Artifact.Directory = filepath.Join(dir, "artifacts")
	cfg.Artifact.BaseURL = "http://voice.local/artifacts"
	return cfg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestJobThroughRuntime(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, newLogger())
	if err := r.startComponents(context.Background()); err != nil {
		r.stopComponents(context.Background())
		t.Fatalf("start: %v", err)
	}
	defer r.stopComponents(context.Background())
	r.ready.Store(true)
	h := r.routes(nil)

	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	voicePath := filepath.Join(t.TempDir(), "speaker.wav")
	if err := audio.WriteWAV(voicePath, audio.Clip{Format: audio.Format{SampleRate: 8000, Channels: 1, BitDepth: 16}, Samples: []int{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}
	voiceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.ServeFile(w, req, voicePath)
	}))
	defer voiceSrv.Close()

	local, _ := json.Marshal(protocol.JobRequest{Text: "Hi.", VoiceURL: "file://" + voicePath, Language: "en"})
	if rec := do(t, h, http.MethodPost, "/v1/text-to-speech", string(local)); rec.Code != http.StatusBadRequest {
		t.Fatalf("local voice paths must be rejected, got %d", rec.Code)
	}

	body, _ := json.Marshal(protocol.JobRequest{
		Text:     "Hello there. How are you?",
		VoiceURL: voiceSrv.URL + "/speaker.wav",
		Language: "en",
	})
	rec := do(t, h, http.MethodPost, "/v1/text-to-speech", string(body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted protocol.JobAccepted
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatal(err)
	}

	var view protocol.JobView
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec = do(t, h, http.MethodGet, "/v1/jobs/"+accepted.JobID, "")
		if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
			t.Fatal(err)
		}
		if view.Status == protocol.StatusCompleted || view.Status == protocol.StatusFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if view.Status != protocol.StatusCompleted {
		t.Fatalf("job did not complete: %+v", view)
	}

	u, err := url.Parse(view.URL)
	if err != nil {
		t.Fatal(err)
	}
	rec = do(t, h, http.MethodGet, u.Path, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected artifact, got %d", rec.Code)
	}
	out := filepath.Join(t.TempDir(), "out.wav")
	if err := os.WriteFile(out, rec.Body.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	clip, err := audio.ReadWAV(out)
	if err != nil {
		t.Fatalf("artifact is not a wav: %v", err)
	}
	if clip.Format.SampleRate != 8000 || len(clip.Samples) == 0 {
		t.Fatalf("unexpected artifact %+v", clip.Format)
	}

	if _, err := os.Stat(voicePath); err != nil {
		t.Fatal("the submitter's voice file must be left alone")
	}
	for _, sub := range []string{"voices", "segments", "outputs"} {
		entries, _ := os.ReadDir(filepath.Join(cfg.Storage.WorkDir, "loqa-voice", sub))
		if len(entries) != 0 {
			t.Fatalf("%s not cleaned up: %d files left", sub, len(entries))
		}
	}
}

func TestStartComponentsFailsWithoutLicense(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Mode = "exec"
	cfg.Engine.Command = "python3 worker.py"
	r := New(cfg, newLogger())
	err := r.startComponents(context.Background())
	r.stopComponents(context.Background())
	if err == nil {
		t.Fatal("expected exec engine without license to fail")
	}
}

type stoppedEngine struct{ engine.Engine }

func (stoppedEngine) Healthy() bool { return false }
func (stoppedEngine) Shutdown(ctx context.Context) error { return nil }

func TestReadyzReportsEngineFailure(t *testing.T) {
	r := New(testConfig(t), newLogger())
	if err := r.startComponents(context.Background()); err != nil {
		r.stopComponents(context.Background())
		t.Fatalf("start: %v", err)
	}
	defer r.stopComponents(context.Background())
	r.ready.Store(true)
	h := r.routes(nil)

	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
	r.engine = stoppedEngine{r.engine}
	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with a dead engine, got %d", rec.Code)
	}
}

func TestFleetDescriptorUsesEngineDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Device = "cuda"
	r := New(cfg, newLogger())
	if err := r.startComponents(context.Background()); err != nil {
		r.stopComponents(context.Background())
		t.Fatalf("start: %v", err)
	}
	defer r.stopComponents(context.Background())
	found := false
	for _, w := range r.fleet.Workers() {
		if w.ID != r.id {
			continue
		}
		found = true
		if w.Device != string(engine.DeviceCUDA) || w.Device != string(r.engine.Device()) {
			t.Fatalf("fleet device %s differs from engine device %s", w.Device, r.engine.Device())
		}
	}
	if !found {
		t.Fatal("self missing from fleet listing")
	}
}

func TestWorkersRoute(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fleet.WorkerID = "voice-1"
	r := New(cfg, newLogger())
	if err := r.startComponents(context.Background()); err != nil {
		r.stopComponents(context.Background())
		t.Fatalf("start: %v", err)
	}
	defer r.stopComponents(context.Background())

	rec := do(t, r.routes(nil), http.MethodGet, "/v1/workers", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"worker_id":"voice-1"`) {
		t.Fatalf("unexpected workers response %d %s", rec.Code, rec.Body.String())
	}
}

func TestWorkerIDIsSubjectSafe(t *testing.T) {
	if id := workerID("fixed"); id != "fixed" {
		t.Fatalf("configured id must win, got %s", id)
	}
	if id := workerID(""); strings.ContainsAny(id, ".*> ") || id == "" {
		t.Fatalf("generated id %q is not a subject token", id)
	}
}
