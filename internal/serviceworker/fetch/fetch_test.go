package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

const swSource = "self.addEventListener('install', () => {});"

func newTestFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	return New(cfg, WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func jobFor(t *testing.T, scriptURL, scopeURL string) types.JobData {
	t.Helper()
	script := mustParse(t, scriptURL)
	return types.JobData{
		Identifier:        types.JobDataIdentifier{Connection: 1, Job: 1},
		Type:              types.JobRegister,
		TopOrigin:         types.OriginFromURL(script),
		ClientCreationURL: script,
		ScriptURL:         script,
		ScopeURL:          mustParse(t, scopeURL),
		Options:           types.RegistrationOptions{UpdateViaCache: types.UpdateViaCacheImports},
	}
}

func jsHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}
}

// ===========================================================================
// Fetch Tests
// ===========================================================================

func TestFetch_Success_SendsServiceWorkerHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Service-Worker")
		jsHandler(swSource)(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(t, DefaultConfig())
	script, err := f.Fetch(context.Background(), jobFor(t, srv.URL+"/app/sw.js", srv.URL+"/app/"))
	require.NoError(t, err)
	assert.Equal(t, swSource, script.Body)
	assert.Equal(t, "script", gotHeader)
	assert.Equal(t, srv.URL+"/app/sw.js", script.URL)
}

func TestFetch_DecodesBrotliAndGzip(t *testing.T) {
	var brBody, gzBody bytes.Buffer
	bw := brotli.NewWriter(&brBody)
	_, _ = bw.Write([]byte(swSource))
	require.NoError(t, bw.Close())
	gw := gzip.NewWriter(&gzBody)
	_, _ = gw.Write([]byte(swSource))
	require.NoError(t, gw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		if strings.HasSuffix(r.URL.Path, "br.js") {
			w.Header().Set("Content-Encoding", "br")
			_, _ = w.Write(brBody.Bytes())
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(gzBody.Bytes())
	}))
	defer srv.Close()

	f := newTestFetcher(t, DefaultConfig())
	for _, name := range []string{"br.js", "gz.js"} {
		script, err := f.Fetch(context.Background(), jobFor(t, srv.URL+"/"+name, srv.URL+"/"))
		require.NoError(t, err, name)
		assert.Equal(t, swSource, script.Body, name)
	}
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		jsHandler(swSource)(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(t, DefaultConfig())
	_, err := f.Fetch(context.Background(), jobFor(t, srv.URL+"/sw.js", srv.URL+"/"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	_, err := newTestFetcher(t, cfg).Fetch(context.Background(), jobFor(t, srv.URL+"/sw.js", srv.URL+"/"))
	require.Error(t, err)
	assert.Equal(t, types.ScriptFetchError, types.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_ClientErrorsArePermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, DefaultConfig()).Fetch(context.Background(), jobFor(t, srv.URL+"/sw.js", srv.URL+"/"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad HTTP status: 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_RejectsNonJavaScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, DefaultConfig()).Fetch(context.Background(), jobFor(t, srv.URL+"/sw.js", srv.URL+"/"))
	require.Error(t, err)
	assert.Equal(t, types.ScriptFetchError, types.KindOf(err))
	assert.Contains(t, err.Error(), "not a JavaScript MIME type")
}

func TestFetch_RejectsOversizedScript(t *testing.T) {
	srv := httptest.NewServer(jsHandler(strings.Repeat("x", 64)))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxScriptBytes = 16
	_, err := newTestFetcher(t, cfg).Fetch(context.Background(), jobFor(t, srv.URL+"/sw.js", srv.URL+"/"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script exceeds size limit")
}

func TestFetch_ScopeOutsideScriptDirectory(t *testing.T) {
	srv := httptest.NewServer(jsHandler(swSource))
	defer srv.Close()

	_, err := newTestFetcher(t, DefaultConfig()).Fetch(context.Background(), jobFor(t, srv.URL+"/app/sw.js", srv.URL+"/"))
	require.Error(t, err)
	assert.Equal(t, types.SecurityMismatch, types.KindOf(err))
}

func TestFetch_ServiceWorkerAllowedWidensScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Service-Worker-Allowed", "/")
		jsHandler(swSource)(w, r)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, DefaultConfig()).Fetch(context.Background(), jobFor(t, srv.URL+"/app/sw.js", srv.URL+"/"))
	require.NoError(t, err)
}

func TestFetch_UpdateViaCacheAllUsesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		jsHandler(swSource)(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(t, DefaultConfig())
	job := jobFor(t, srv.URL+"/sw.js", srv.URL+"/")
	job.Options.UpdateViaCache = types.UpdateViaCacheAll

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), job)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())

	job.Options.UpdateViaCache = types.UpdateViaCacheNone
	_, err := f.Fetch(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

// ===========================================================================
// Helper Tests
// ===========================================================================

func TestIsJavaScriptMIMEType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/javascript", true},
		{"application/javascript; charset=utf-8", true},
		{"application/x-javascript", true},
		{"text/ecmascript", true},
		{"text/plain", false},
		{"", false},
		{"application/json", false},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			require.Equal(t, tt.want, IsJavaScriptMIMEType(tt.contentType))
		})
	}
}

func TestCheckScope(t *testing.T) {
	script := mustParse(t, "https://example.com/app/js/sw.js")

	require.NoError(t, CheckScope(script, mustParse(t, "https://example.com/app/js/"), ""))
	require.NoError(t, CheckScope(script, mustParse(t, "https://example.com/app/js/inner/"), ""))
	require.ErrorIs(t, CheckScope(script, mustParse(t, "https://example.com/app/"), ""), ErrScopeNotAllow)
	require.NoError(t, CheckScope(script, mustParse(t, "https://example.com/app/"), "/app/"))
	require.NoError(t, CheckScope(script, mustParse(t, "https://example.com/app/"), "../"))
	require.ErrorIs(t, CheckScope(script, mustParse(t, "https://other.com/app/js/"), ""), ErrScopeNotAllow)
}
