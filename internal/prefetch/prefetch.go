// Package prefetch restores a previous build's output tree from a remote
// tar.gz archive so that builders can skip regenerating unchanged assets.
//
// The archive is probed on a primary source, fetched from a fallback mirror
// when the primary looks unhealthy, and streamed through gzip and tar straight
// into a staging directory that replaces the target only once complete.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/hochfrequenz/ruleset-build/internal/domain"
	"github.com/hochfrequenz/ruleset-build/internal/trace"
)

const (
	defaultUserAgent = "curl/8.12.1"
	defaultTimeout   = 10 * time.Minute
	defaultRetryMax  = 3
)

// ErrNotFound is returned when the selected source answers 404. A mirror of
// the same artifact is not expected to have it either, so nothing else is tried.
var ErrNotFound = errors.New("previous build not found")

// Sources are the archive locations, tried in order
type Sources struct {
	Primary  string
	Fallback string
}

// Result describes what a prefetch did
type Result struct {
	Outcome domain.PrefetchOutcome
	Source  string // URL the archive was fetched from, if any
	Entries int    // files, directories and links written
	Bytes   int64  // uncompressed bytes of regular files written
}

// Options configures a Prefetcher
type Options struct {
	// CI selects the degrade-on-failure policy: every failure becomes a
	// degraded outcome instead of an error.
	CI        bool
	UserAgent string
	RetryMax  int
	Timeout   time.Duration
	Logger    *slog.Logger

	// Client overrides the HTTP client built from RetryMax and Timeout
	Client *retryablehttp.Client
}

// Prefetcher downloads and extracts previous builds
type Prefetcher struct {
	client    *retryablehttp.Client
	ci        bool
	userAgent string
	logger    *slog.Logger
}

// New creates a Prefetcher
func New(opts Options) *Prefetcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	client := opts.Client
	if client == nil {
		client = retryablehttp.NewClient()
		client.RetryMax = opts.RetryMax
		if opts.RetryMax < 0 {
			client.RetryMax = defaultRetryMax
		}
		client.HTTPClient.Timeout = opts.Timeout
		if opts.Timeout <= 0 {
			client.HTTPClient.Timeout = defaultTimeout
		}
		client.Logger = logger.With(slog.String("component", "http"))
	}
	// Hand back the last response when retries run out; a non-200 body
	// may still be a usable archive.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Prefetcher{
		client:    client,
		ci:        opts.CI,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Prefetch populates targetDir from the previous build unless it already has
// content. In CI mode it never returns an error: failures are logged and
// reported as a degraded outcome. Outside CI the failure is returned together
// with the degraded outcome.
func (p *Prefetcher) Prefetch(ctx context.Context, span *trace.Span, targetDir string, src Sources) (Result, error) {
	populated, err := hasEntries(targetDir)
	if err == nil && populated {
		p.logger.Info("public directory exists, skip downloading previous build",
			slog.String("dir", targetDir))
		return Result{Outcome: domain.PrefetchSkipped}, nil
	}

	var res Result
	if err == nil {
		if p.ci {
			p.logger.Warn("CI environment detected, public directory is empty",
				slog.String("dir", targetDir))
		}
		res, err = p.download(ctx, span, targetDir, src)
	}

	if err != nil {
		res.Outcome = domain.PrefetchDegraded
		if p.ci {
			p.logger.Warn("failed to download previous build", slog.String("error", err.Error()))
			p.logger.Warn("falling back to full build")
			return res, nil
		}
		return res, err
	}

	p.logger.Info("downloaded previous build successfully",
		slog.String("source", res.Source),
		slog.Int("entries", res.Entries),
		slog.String("size", humanize.IBytes(uint64(res.Bytes))))
	return res, nil
}

func (p *Prefetcher) download(ctx context.Context, span *trace.Span, targetDir string, src Sources) (Result, error) {
	var source string
	_ = span.Child(ctx, "get tar.gz url", func(ctx context.Context, _ *trace.Span) error {
		source = p.selectSource(ctx, src)
		return nil
	})

	res := Result{Source: source}
	err := span.Child(ctx, "download & extract previous build", func(ctx context.Context, _ *trace.Span) error {
		body, err := p.fetch(ctx, source)
		if err != nil {
			return err
		}
		defer body.Close()

		stats, err := extractAtomically(ctx, body, targetDir)
		res.Entries, res.Bytes = stats.entries, stats.bytes
		return err
	})
	if err != nil {
		return res, fmt.Errorf("download previous build from %s: %w", source, err)
	}

	res.Outcome = domain.PrefetchMaterialized
	return res, nil
}

// selectSource probes the primary and falls back without probing the fallback
func (p *Prefetcher) selectSource(ctx context.Context, src Sources) string {
	if src.Fallback == "" {
		return src.Primary
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, src.Primary, nil)
	if err != nil {
		p.logger.Warn("invalid primary source, switch to fallback",
			slog.String("url", src.Primary), slog.String("error", err.Error()))
		return src.Fallback
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("download previous build from primary failed, switch to fallback",
			slog.String("url", src.Primary), slog.String("error", err.Error()))
		return src.Fallback
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("download previous build from primary failed, switch to fallback",
			slog.String("url", src.Primary), slog.Int("status", resp.StatusCode))
		return src.Fallback
	}
	return src.Primary
}

// fetch opens a streaming GET. The caller closes the body.
func (p *Prefetcher) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("sec-fetch-mode", "same-origin")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("download previous build failed",
			slog.String("url", url), slog.Int("status", resp.StatusCode))
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, ErrNotFound
		}
	}
	return resp.Body, nil
}

// hasEntries reports whether dir exists and contains at least one entry
func hasEntries(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	names, err := f.Readdirnames(1)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading %s: %w", filepath.Clean(dir), err)
	}
	return len(names) > 0, nil
}
