package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/arf20/arfhttpd/internal/cache"
	"github.com/arf20/arfhttpd/internal/config"
	"github.com/arf20/arfhttpd/internal/server"
	"github.com/arf20/arfhttpd/internal/server/routes"
	"github.com/arf20/arfhttpd/internal/static"
)

// stack wires the whole server against real temporary directories and the
// fsnotify backend, the same way main does.
type stack struct {
	app   *fiber.App
	store *cache.FileStore
	cfg   *config.Config
}

func newStack(t *testing.T, tweak ...func(*config.Config)) *stack {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{
			Listen:              []string{"127.0.0.1:0"},
			Webroot:             t.TempDir(),
			IndexFiles:          []string{"index.html"},
			DirectoryListing:    true,
			CacheBuckets:        256,
			WatchBackend:        cache.BackendFSNotify,
			WatchMaxRetries:     3,
			WatchInitialBackoff: config.Duration(10 * time.Millisecond),
			MetricsEnabled:      true,
		},
	}
	for _, fn := range tweak {
		fn(cfg)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	factory, err := cache.NotifierFactoryFor(cfg.Global.WatchBackend)
	if err != nil {
		t.Fatalf("notifier factory error: %v", err)
	}
	store, err := cache.NewStore(cache.Options{
		Logger:              logger,
		Notifier:            factory,
		Backend:             cfg.Global.WatchBackend,
		Buckets:             cfg.Global.CacheBuckets,
		WatchMaxRetries:     cfg.Global.WatchMaxRetries,
		WatchInitialBackoff: cfg.Global.WatchInitialBackoff.DurationValue(),
	})
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	store.Start(t.Context())
	t.Cleanup(func() { _ = store.Shutdown() })

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	handler, err := static.NewHandler(static.Options{Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Registry: registry,
		Files:    handler,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	metrics := prometheus.NewRegistry()
	if err := metrics.Register(store.Metrics()); err != nil {
		t.Fatalf("metrics register error: %v", err)
	}
	routes.RegisterDiagnosticsRoutes(app, routes.DiagnosticsOptions{
		Registry: registry,
		Cache:    store,
		Gatherer: prometheus.Gatherers{prometheus.DefaultGatherer, metrics},
	})

	return &stack{app: app, store: store, cfg: cfg}
}

func (s *stack) webroot() string {
	return s.cfg.Global.Webroot
}

func (s *stack) get(t *testing.T, host, target string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	return s.do(t, http.MethodGet, host, target, headers)
}

func (s *stack) do(t *testing.T, method, host, target string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+host+target, nil)
	req.Host = host
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app test failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	return resp, string(body)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
