package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/meshxdata/blobvault/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Provider:   "filesystem",
			FileSystem: &config.FileSystemConfig{BaseDir: t.TempDir()},
		},
		Auth: config.AuthConfig{Type: "none"},
		SAS: config.SASConfig{
			Enabled:    true,
			SigningKey: "test-signing-key",
			MaxTTL:     7 * 24 * time.Hour,
			ClockSkew:  5 * time.Minute,
		},
		Lease: config.LeaseConfig{
			MinDuration: 15 * time.Second,
			MaxDuration: 60 * time.Second,
		},
		Monitoring: config.MonitoringConfig{MetricsEnabled: true},
	}

	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t)

	t.Run("HealthWhenActive", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
		if got := w.Header().Get("X-Shutdown-Status"); got != "active" {
			t.Errorf("expected X-Shutdown-Status active, got %q", got)
		}
	})

	t.Run("HealthWhenShuttingDown", func(t *testing.T) {
		s.SetShuttingDown()
		defer func() { s.shuttingDown = 0 }()

		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", w.Code)
		}
		if got := w.Header().Get("X-Shutdown-Status"); got != "in-progress" {
			t.Errorf("expected X-Shutdown-Status in-progress, got %q", got)
		}
	})

	t.Run("ReadinessFollowsShutdownState", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}

		s.SetShuttingDown()
		defer func() { s.shuttingDown = 0 }()

		w = httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"ready":false`) {
			t.Errorf("expected ready:false in body, got %s", w.Body.String())
		}
	})
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	for header, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("header %s: expected %q, got %q", header, want, got)
		}
	}
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS header")
	}
}

func TestBlobAPIRouting(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("PUT", "/photos", nil))
	if w.Code != http.StatusCreated {
		t.Fatalf("create container: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest("PUT", "/photos/cat.jpg", strings.NewReader("meow"))
	req.Header.Set("Content-Type", "image/jpeg")
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("put blob: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/photos/cat.jpg", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get blob: expected 200, got %d", w.Code)
	}
	if w.Body.String() != "meow" {
		t.Errorf("expected blob body %q, got %q", "meow", w.Body.String())
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/stats", nil))
	if w.Code != http.StatusOK {
		t.Errorf("stats: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "total_requests") {
		t.Errorf("expected stats payload, got %s", w.Body.String())
	}
}

func TestCrawlerPathsAreNotContainers(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/favicon.ico", "/robots.txt"} {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestConcurrentShutdown(t *testing.T) {
	s := newTestServer(t)

	done := make(chan bool, 10)
	for i := 0; i < 5; i++ {
		go func() {
			w := httptest.NewRecorder()
			s.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
			done <- true
		}()
	}

	s.SetShuttingDown()

	for i := 0; i < 5; i++ {
		go func() {
			w := httptest.NewRecorder()
			s.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("expected 503 during shutdown, got %d", w.Code)
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for concurrent requests")
		}
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
