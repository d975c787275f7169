package artifact

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeOutput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestDirPublisher(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	p := NewDirPublisher(dir, "http://voice.local/artifacts/", newLogger())
	src := writeOutput(t, "tts_output_job_1.wav", "RIFF")

	url, err := p.Publish(context.Background(), src)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if url != "http://voice.local/artifacts/tts_output_job_1.wav" {
		t.Fatalf("unexpected url %s", url)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source must be consumed")
	}

	rec := get(t, p.Handler(), "/tts_output_job_1.wav")
	if rec.Code != http.StatusOK || rec.Body.String() != "RIFF" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.ArtifactConfig{Mode: "s3"}, nil, newLogger()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New(config.ArtifactConfig{Mode: "objectstore"}, nil, newLogger()); err == nil {
		t.Fatal("expected error without bus")
	}
}

func TestObjectStorePublisher(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "artifact-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	pub, err := New(config.ArtifactConfig{Mode: "objectstore", Bucket: "speech", BaseURL: "http://voice.local/artifacts"}, client.JetStream(), newLogger())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	src := writeOutput(t, "tts_output_job_2.wav", "RIFFdata")

	url, err := pub.Publish(context.Background(), src)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if url != "http://voice.local/artifacts/speech/tts_output_job_2.wav" {
		t.Fatalf("unexpected url %s", url)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source must be consumed")
	}

	store, err := client.JetStream().ObjectStore("speech")
	if err != nil {
		t.Fatalf("bucket missing: %v", err)
	}
	data, err := store.GetBytes("tts_output_job_2.wav")
	if err != nil || string(data) != "RIFFdata" {
		t.Fatalf("unexpected object %q (%v)", data, err)
	}

	rec := get(t, pub.Handler(), "/speech/tts_output_job_2.wav")
	if rec.Code != http.StatusOK || rec.Body.String() != "RIFFdata" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, pub.Handler(), "/speech/missing.wav"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	// Binding again reuses the existing bucket.
	if _, err := NewObjectStorePublisher(client.JetStream(), "speech", "", newLogger()); err != nil {
		t.Fatalf("rebind: %v", err)
	}
}
