package integration

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/arf20/arfhttpd/internal/cache"
)

func TestStoreCloseReleasesOpenStreams(t *testing.T) {
	s := newStack(t)
	target := filepath.Join(s.webroot(), "big.bin")
	writeFile(t, target, strings.Repeat("x", 64*1024))

	h, err := s.store.Open(context.Background(), target)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	buf := make([]byte, 1024)
	if _, err := s.store.Read(h, buf); err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	if snap := s.store.Snapshot(0); snap.OpenStreams["passthrough"] != 1 {
		t.Fatalf("expected one passthrough stream, got %+v", snap.OpenStreams)
	}

	if err := s.store.Shutdown(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := s.store.Read(h, buf); !errors.Is(err, cache.ErrInvalidHandle) {
		t.Fatalf("read after close should fail with ErrInvalidHandle, got %v", err)
	}
	if _, err := s.store.Open(context.Background(), target); !errors.Is(err, cache.ErrClosed) {
		t.Fatalf("open after close should fail with ErrClosed, got %v", err)
	}

	// A partially read stream must not leave a published entry behind.
	state, ok := s.store.Inspect(target)
	if ok && state.ContentValid {
		t.Fatalf("interrupted stream must not publish content: %+v", state)
	}
}

func TestRequestsAfterCloseAreUnavailable(t *testing.T) {
	s := newStack(t)
	writeFile(t, filepath.Join(s.webroot(), "a.txt"), "a")

	if err := s.store.Shutdown(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	resp, body := s.get(t, "any.local", "/a.txt", nil)
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "service_unavailable") {
		t.Fatalf("expected JSON error code, got %s", body)
	}
}

func TestCancelledRequestContext(t *testing.T) {
	s := newStack(t)
	writeFile(t, filepath.Join(s.webroot(), "c.txt"), "c")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.store.Stat(ctx, filepath.Join(s.webroot(), "c.txt")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
