// Package fetch retrieves service worker scripts over HTTP.
//
// A Fetcher applies the checks a browser makes before a script may become a
// worker: a successful status, a JavaScript MIME type, a bounded body and a
// scope that lies under the script's maximum scope (its directory, or the
// Service-Worker-Allowed response header).
package fetch

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v5"

	"github.com/zjrosen/swserver/internal/cachemanager"
	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// Script is a fetched worker script.
type Script struct {
	URL         string
	Body        string
	ContentType string
	// MaxScope is the Service-Worker-Allowed header value, empty when absent.
	MaxScope  string
	FetchedAt time.Time
}

// Config configures a Fetcher.
type Config struct {
	Timeout        time.Duration
	MaxRetries     uint
	MaxScriptBytes int64
	CacheTTL       time.Duration
	UserAgent      string
}

// DefaultConfig mirrors the daemon defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		MaxScriptBytes: 4 << 20,
		CacheTTL:       10 * time.Minute,
		UserAgent:      "swserver",
	}
}

// Sentinel errors wrapped in fetch failures.
var (
	ErrBadStatus     = errors.New("bad HTTP status")
	ErrBadMIMEType   = errors.New("not a JavaScript MIME type")
	ErrScriptTooBig  = errors.New("script exceeds size limit")
	ErrBadEncoding   = errors.New("unsupported content encoding")
	ErrScopeNotAllow = errors.New("scope not allowed")
)

type cacheKey string

// Fetcher downloads scripts with retries and an optional HTTP-cache stand-in.
type Fetcher struct {
	client     *http.Client
	cfg        Config
	cache      *cachemanager.ReadThroughCache[cacheKey, Script, *url.URL]
	newBackOff func() backoff.BackOff
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithBackOff replaces the retry schedule.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(f *Fetcher) { f.newBackOff = newBackOff }
}

// New creates a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	scripts := cachemanager.NewInMemoryCacheManager[cacheKey, Script]("scripts", cfg.CacheTTL, cachemanager.DefaultCleanupInterval)
	f.cache = cachemanager.NewReadThroughCache[cacheKey, Script, *url.URL](scripts, f.download)
	return f
}

// Fetch downloads job's script and checks it may serve job's scope.
// Failures are returned as types.ExceptionData: SecurityMismatch for a scope
// outside the allowed maximum, ScriptFetchError for everything else.
func (f *Fetcher) Fetch(ctx context.Context, job types.JobData) (Script, error) {
	if job.ScriptURL == nil {
		return Script{}, types.NewException(types.ScriptFetchError, "job has no script URL")
	}
	key := cacheKey(types.WithoutFragment(job.ScriptURL).String())

	var script Script
	var err error
	if job.Options.UpdateViaCache == types.UpdateViaCacheAll {
		script, err = f.cache.Get(ctx, key, job.ScriptURL, f.cfg.CacheTTL)
	} else {
		script, err = f.cache.Refresh(ctx, key, job.ScriptURL, f.cfg.CacheTTL)
	}
	if err != nil {
		log.Warn(log.CatFetch, "script fetch failed", "job", job.Identifier.String(), "url", job.ScriptURL.String(), "error", err)
		return Script{}, types.NewException(types.ScriptFetchError,
			"Script URL %s fetch resulted in error: %v", job.ScriptURL.String(), err)
	}

	if err := CheckScope(job.ScriptURL, job.ScopeURL, script.MaxScope); err != nil {
		return Script{}, types.NewException(types.SecurityMismatch, "%v", err)
	}

	log.Debug(log.CatFetch, "script fetched", "job", job.Identifier.String(), "url", script.URL, "bytes", len(script.Body))
	return script, nil
}

func (f *Fetcher) download(ctx context.Context, scriptURL *url.URL) (Script, error) {
	attempt := 0
	op := func() (Script, error) {
		attempt++
		script, err := f.get(ctx, scriptURL)
		if err != nil {
			log.Debug(log.CatFetch, "fetch attempt failed", "url", scriptURL.String(), "attempt", attempt, "error", err)
		}
		return script, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(f.newBackOff()),
		backoff.WithMaxTries(f.cfg.MaxRetries+1),
	)
}

// get performs a single request. Errors that a retry cannot fix are wrapped
// with backoff.Permanent.
func (f *Fetcher) get(ctx context.Context, scriptURL *url.URL) (Script, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, types.WithoutFragment(scriptURL).String(), nil)
	if err != nil {
		return Script{}, backoff.Permanent(err)
	}
	req.Header.Set("Service-Worker", "script")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "br, gzip")
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Script{}, backoff.Permanent(err)
		}
		return Script{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Script{}, err
		}
		return Script{}, backoff.Permanent(err)
	}

	contentType := resp.Header.Get("Content-Type")
	if !IsJavaScriptMIMEType(contentType) {
		return Script{}, backoff.Permanent(fmt.Errorf("%w: %q", ErrBadMIMEType, contentType))
	}

	body, err := decodeBody(resp)
	if err != nil {
		return Script{}, backoff.Permanent(err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, f.cfg.MaxScriptBytes+1))
	if err != nil {
		return Script{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > f.cfg.MaxScriptBytes {
		return Script{}, backoff.Permanent(fmt.Errorf("%w of %d bytes", ErrScriptTooBig, f.cfg.MaxScriptBytes))
	}

	return Script{
		URL:         resp.Request.URL.String(),
		Body:        string(data),
		ContentType: contentType,
		MaxScope:    resp.Header.Get("Service-Worker-Allowed"),
		FetchedAt:   time.Now(),
	}, nil
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadEncoding, resp.Header.Get("Content-Encoding"))
	}
}

// IsJavaScriptMIMEType reports whether contentType names a JavaScript MIME type.
func IsJavaScriptMIMEType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "text/javascript", "application/javascript", "application/x-javascript",
		"application/ecmascript", "text/ecmascript", "text/x-javascript":
		return true
	}
	return false
}

// CheckScope verifies that scope lies under the script's maximum scope:
// the script's directory, or maxScopeHeader resolved against the script URL.
func CheckScope(scriptURL, scope *url.URL, maxScopeHeader string) error {
	maxScope := scriptURL.ResolveReference(&url.URL{Path: "./"})
	if maxScopeHeader != "" {
		ref, err := url.Parse(maxScopeHeader)
		if err != nil {
			return fmt.Errorf("%w: invalid Service-Worker-Allowed %q", ErrScopeNotAllow, maxScopeHeader)
		}
		maxScope = scriptURL.ResolveReference(ref)
	}
	if !types.ProtocolHostAndPortAreEqual(maxScope, scope) || !strings.HasPrefix(scope.Path, maxScope.Path) {
		return fmt.Errorf("%w: scope %s is outside the maximum scope %s", ErrScopeNotAllow, scope.String(), maxScope.String())
	}
	return nil
}
