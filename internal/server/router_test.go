package server

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "http://docs.example.com/guide/", nil)
	req.Host = "docs.example.com"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.files.siteName != "docs" {
		t.Fatalf("expected docs route, got %s", app.files.siteName)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterFallsBackToDefaultSite(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "http://unknown.local/", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if app.files.lastRoute == nil || !app.files.lastRoute.Default {
		t.Fatalf("expected default site, got %+v", app.files.lastRoute)
	}
}

func TestRouterRendersHandlerErrorsAsJSON(t *testing.T) {
	app := newTestApp(t)
	app.files.err = errors.New("disk on fire")

	resp, err := app.Test(httptest.NewRequest("GET", "http://docs.example.com/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"internal_server_error"`)) {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestRouterRecoversPanics(t *testing.T) {
	app := newTestApp(t)
	app.files.panic = true

	resp, err := app.Test(httptest.NewRequest("GET", "http://docs.example.com/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", resp.StatusCode)
	}
}

func TestRouterUnknownDiagnosticsPath(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "http://docs.example.com/-/nope", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"not_found"`)) {
		t.Fatalf("unexpected body: %s", body)
	}
	if app.files.lastRoute != nil {
		t.Fatalf("diagnostics paths must not reach the file handler")
	}
}

func TestErrorCode(t *testing.T) {
	if got := ErrorCode(fiber.StatusMethodNotAllowed); got != "method_not_allowed" {
		t.Fatalf("unexpected code %s", got)
	}
	if got := ErrorCode(999); got != "error" {
		t.Fatalf("unexpected code %s", got)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	logger := logrus.New()
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logger}); err == nil {
		t.Fatalf("expected error without registry")
	}
	registry, _ := NewSiteRegistry(testConfig())
	if _, err := NewApp(AppOptions{Logger: logger, Registry: registry}); err == nil {
		t.Fatalf("expected error without file handler")
	}
}

type testApp struct {
	*fiber.App
	files *fileRecorder
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	registry, err := NewSiteRegistry(testConfig())
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &fileRecorder{}
	app, err := NewApp(AppOptions{
		Logger:   logger,
		Registry: registry,
		Files:    recorder,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, files: recorder}
}

type fileRecorder struct {
	lastRoute *SiteRoute
	siteName  string
	err       error
	panic     bool
}

func (f *fileRecorder) Handle(c fiber.Ctx, route *SiteRoute) error {
	if f.panic {
		panic("boom")
	}
	f.lastRoute = route
	f.siteName = route.Config.Name
	if f.err != nil {
		return f.err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
