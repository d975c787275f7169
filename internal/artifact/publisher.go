package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats.go"
)

// Publisher delivers a finished output and returns where clients can fetch it. The
// local file is consumed on success.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
	// Handler serves published artifacts under the path they were published at,
	// relative to the base URL.
	Handler() http.Handler
}

// New selects the publisher for cfg.Mode. js is only needed in objectstore mode.
func New(cfg config.ArtifactConfig, js nats.JetStreamContext, logger *slog.Logger) (Publisher, error) {
	logger = logger.With(slog.String("component", "artifact"))
	switch cfg.Mode {
	case "", "dir":
		return NewDirPublisher(cfg.Directory, cfg.BaseURL, logger), nil
	case "objectstore":
		if js == nil {
			return nil, errors.New("objectstore artifacts require a bus connection")
		}
		return NewObjectStorePublisher(js, cfg.Bucket, cfg.BaseURL, logger)
	default:
		return nil, fmt.Errorf("unsupported artifact mode %q", cfg.Mode)
	}
}

// DirPublisher moves outputs into a served directory.
type DirPublisher struct {
	dir     string
	baseURL string
	logger  *slog.Logger
}

func NewDirPublisher(dir, baseURL string, logger *slog.Logger) *DirPublisher {
	return &DirPublisher{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), logger: logger}
}

func (p *DirPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	name := filepath.Base(localPath)
	dest := filepath.Join(p.dir, name)
	if err := os.Rename(localPath, dest); err != nil {
		// Rename fails across filesystems; fall back to copy and delete.
		if err := copyFile(localPath, dest); err != nil {
			return "", fmt.Errorf("publish %s: %w", name, err)
		}
		if err := os.Remove(localPath); err != nil {
			p.logger.Warn("failed to remove published source", slog.String("path", localPath), slog.String("error", err.Error()))
		}
	}
	p.logger.Debug("artifact published", slog.String("path", dest))
	return p.baseURL + "/" + url.PathEscape(name), nil
}

func (p *DirPublisher) Handler() http.Handler {
	return http.FileServer(http.Dir(p.dir))
}

func copyFile(src, dest string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()
	_, err = io.Copy(out, in)
	return err
}

// ObjectStorePublisher uploads outputs into a JetStream object store bucket.
type ObjectStorePublisher struct {
	store   nats.ObjectStore
	bucket  string
	baseURL string
	logger  *slog.Logger
}

// NewObjectStorePublisher binds to bucket, creating it when it does not exist.
func NewObjectStorePublisher(js nats.JetStreamContext, bucket, baseURL string, logger *slog.Logger) (*ObjectStorePublisher, error) {
	store, err := js.ObjectStore(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) || errors.Is(err, nats.ErrStreamNotFound) {
		store, err = js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "synthesized speech",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind object store %s: %w", bucket, err)
	}
	return &ObjectStorePublisher{
		store:   store,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}, nil
}

func (p *ObjectStorePublisher) Publish(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	name := filepath.Base(localPath)
	info, err := p.store.Put(&nats.ObjectMeta{Name: name}, f, nats.Context(ctx))
	f.Close()
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := os.Remove(localPath); err != nil {
		p.logger.Warn("failed to remove uploaded source", slog.String("path", localPath), slog.String("error", err.Error()))
	}
	p.logger.Debug("artifact uploaded", slog.String("bucket", p.bucket), slog.String("name", name), slog.Uint64("size", info.Size))

	if p.baseURL == "" {
		return fmt.Sprintf("nats://%s/%s", p.bucket, name), nil
	}
	return p.baseURL + "/" + p.bucket + "/" + url.PathEscape(name), nil
}

func (p *ObjectStorePublisher) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name, ok := strings.CutPrefix(strings.TrimPrefix(r.URL.Path, "/"), p.bucket+"/")
		if !ok || name == "" || strings.Contains(name, "/") {
			http.NotFound(w, r)
			return
		}
		obj, err := p.store.Get(name, nats.Context(r.Context()))
		if errors.Is(err, nats.ErrObjectNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, "artifact unavailable", http.StatusBadGateway)
			return
		}
		defer obj.Close()
		w.Header().Set("Content-Type", "audio/wav")
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, obj); err != nil {
			p.logger.Warn("artifact stream interrupted", slog.String("name", name), slog.String("error", err.Error()))
		}
	})
}
