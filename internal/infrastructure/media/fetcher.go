package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"TagRelay/internal/domain"
	"TagRelay/internal/ports"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 200 * time.Millisecond
	defaultMaxDelay   = 5 * time.Second
	userAgent         = "TagRelay/1.0"
)

// Options tunes the download retry policy.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Fetcher downloads attachments over HTTP with retries on transient failures.
type Fetcher struct {
	client   *http.Client
	executor failsafe.Executor[*http.Response]
	logger   *slog.Logger
}

var _ ports.MediaFetcher = (*Fetcher)(nil)

// NewFetcher wires an HTTP client; zero options fall back to defaults.
func NewFetcher(client *http.Client, opts Options, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = defaultMaxDelay
	}

	policy := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(opts.BaseDelay, opts.MaxDelay).
		WithMaxRetries(opts.MaxRetries).
		HandleIf(shouldRetry).
		OnRetry(func(e failsafe.ExecutionEvent[*http.Response]) {
			logger.Debug("retrying media download", "attempt", e.Attempts(), "error", e.LastError())
		}).
		Build()

	return &Fetcher{client: client, executor: failsafe.With[*http.Response](policy), logger: logger}
}

// Fetch downloads one attachment. The caller closes the returned body.
func (f *Fetcher) Fetch(ctx context.Context, ref domain.MediaRef) (domain.MediaStream, error) {
	if ref.URL == "" {
		return domain.MediaStream{}, fmt.Errorf("media %s: empty url", ref.Type)
	}

	resp, err := f.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		return f.client.Do(req)
	})
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return domain.MediaStream{}, fmt.Errorf("download %s: %w", ref.URL, err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return domain.MediaStream{}, fmt.Errorf("download %s: unexpected status %s", ref.URL, resp.Status)
	}

	return domain.MediaStream{
		Kind:        ref.Type,
		ContentType: resp.Header.Get("Content-Type"),
		Description: ref.Description,
		Body:        resp.Body,
	}, nil
}

// FetchAll downloads every attachment, closing what was opened when one fails.
func FetchAll(ctx context.Context, fetcher ports.MediaFetcher, refs []domain.MediaRef) ([]domain.MediaStream, error) {
	streams := make([]domain.MediaStream, 0, len(refs))
	for _, ref := range refs {
		stream, err := fetcher.Fetch(ctx, ref)
		if err != nil {
			CloseAll(streams)
			return nil, err
		}
		streams = append(streams, stream)
	}
	return streams, nil
}

// CloseAll releases every stream body.
func CloseAll(streams []domain.MediaStream) {
	for _, s := range streams {
		if s.Body != nil {
			_ = s.Body.Close()
		}
	}
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return false
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		_ = resp.Body.Close()
		return true
	}
	return false
}
