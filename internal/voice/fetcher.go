package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
)

var (
	ErrTooLarge          = errors.New("voice file exceeds size limit")
	ErrUnsupportedScheme = errors.New("unsupported voice uri scheme")
	ErrLocalDisabled     = errors.New("local voice files are not allowed")
)

// statusError marks a non-200 download; 5xx responses are retried.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// Fetcher copies a reference voice into the work directory so the job owns, and can
// delete, its copy.
type Fetcher struct {
	dir      string
	client   *http.Client
	maxBytes int64
	attempts int
	backoff  time.Duration
	local    bool
	logger   *slog.Logger
}

type Option func(*Fetcher)

// AllowLocal lets Fetch read file:// uris and bare paths. Only callers that trust
// the uri source, such as the command line, should enable it.
func AllowLocal() Option {
	return func(f *Fetcher) { f.local = true }
}

func NewFetcher(cfg config.VoiceConfig, dir string, logger *slog.Logger, opts ...Option) *Fetcher {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	f := &Fetcher{
		dir:      dir,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		maxBytes: cfg.MaxBytes,
		attempts: attempts,
		backoff:  500 * time.Millisecond,
		logger:   logger.With(slog.String("component", "voice-fetcher")),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch resolves uri to a new local file. http and https are always accepted; file
// uris and local paths only with AllowLocal.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse voice uri: %w", err)
	}
	if (u.Scheme == "file" || u.Scheme == "") && !f.local {
		return "", ErrLocalDisabled
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("create voice dir: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.download(ctx, u)
	case "file":
		return f.copyLocal(u.Path)
	case "":
		return f.copyLocal(uri)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

func (f *Fetcher) download(ctx context.Context, u *url.URL) (string, error) {
	dest := f.destination(path.Base(u.Path))
	backoff := f.backoff

	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		lastErr = f.downloadOnce(ctx, u.String(), dest)
		if lastErr == nil {
			f.logger.Debug("voice downloaded", slog.String("path", dest))
			return dest, nil
		}
		if !retryable(lastErr) || attempt == f.attempts {
			break
		}
		f.logger.Warn("voice download failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", fmt.Errorf("download %s: %w", u.Redacted(), lastErr)
}

func (f *Fetcher) downloadOnce(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	return f.write(dest, resp.Body)
}

func (f *Fetcher) copyLocal(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	dest := f.destination(filepath.Base(src))
	if err := f.write(dest, in); err != nil {
		return "", err
	}
	return dest, nil
}

// write streams r into dest, removing dest on any failure.
func (f *Fetcher) write(dest string, r io.Reader) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, f.maxBytes+1))
	if err == nil && n > f.maxBytes {
		err = ErrTooLarge
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

func (f *Fetcher) destination(name string) string {
	return filepath.Join(f.dir, "voice_"+uuid.NewString()[:8]+"_"+sanitize(name))
}

func retryable(err error) bool {
	if errors.Is(err, ErrTooLarge) || errors.Is(err, context.Canceled) {
		return false
	}
	var status *statusError
	if errors.As(err, &status) {
		return status.code >= 500
	}
	return true
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return "voice.wav"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	return replacer.Replace(name)
}
