package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/TimurNurlygayanov/litecall/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHandler(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	s := New(cfg, discardLogger(), BuildInfo{Commit: "abc", BuildTime: "now"})
	s.ready.Store(true)
	return chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)
}

func TestHealthAndVersion(t *testing.T) {
	h := testHandler(t, config.Config{})

	for _, path := range []string{"/healthz", "/readyz", "/version"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d, want %d", path, rr.Code, http.StatusOK)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var build BuildInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &build); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	if build.Commit != "abc" {
		t.Fatalf("commit=%q, want abc", build.Commit)
	}
}

func TestReadyzNotReady(t *testing.T) {
	s := New(config.Config{}, discardLogger(), BuildInfo{})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestICEEndpoint(t *testing.T) {
	h := testHandler(t, config.Config{STUNURLs: []string{"stun:stun.example.com:3478"}})

	req := httptest.NewRequest(http.MethodGet, "/webrtc/ice", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.ICEServers) != 1 || len(resp.ICEServers[0].URLs) != 1 {
		t.Fatalf("iceServers=%+v", resp.ICEServers)
	}
}

func TestStaticCacheHeaders(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("// js"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h := testHandler(t, config.Config{StaticDir: dir})

	cases := []struct {
		path      string
		wantCache string
	}{
		{path: "/", wantCache: "no-cache"},
		{path: "/index.html", wantCache: "no-cache"},
		{path: "/app.js?v=12345", wantCache: "public, max-age=31536000, immutable"},
		{path: "/app.js", wantCache: ""},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d, want %d", tc.path, rr.Code, http.StatusOK)
		}
		if got := rr.Header().Get("Cache-Control"); got != tc.wantCache {
			t.Fatalf("%s Cache-Control=%q, want %q", tc.path, got, tc.wantCache)
		}
	}
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	h := testHandler(t, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing generated X-Request-ID")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Fatalf("X-Request-ID=%q, want fixed-id", got)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := chain(panicking, recoverMiddleware(discardLogger()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}
