package integration

import (
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/arf20/arfhttpd/internal/config"
)

func TestHostRoutingSelectsSiteWebroot(t *testing.T) {
	docsRoot := t.TempDir()
	blogRoot := t.TempDir()
	s := newStack(t, func(cfg *config.Config) {
		cfg.Sites = []config.SiteConfig{
			{Name: "docs", Domain: "docs.example.com", Webroot: docsRoot},
			{Name: "blog", Domain: "blog.example.com", Webroot: blogRoot},
		}
	})
	writeFile(t, filepath.Join(s.webroot(), "whoami.txt"), "default")
	writeFile(t, filepath.Join(docsRoot, "whoami.txt"), "docs")
	writeFile(t, filepath.Join(blogRoot, "whoami.txt"), "blog")

	cases := []struct {
		host string
		want string
	}{
		{host: "docs.example.com", want: "docs"},
		{host: "DOCS.example.com:8080", want: "docs"},
		{host: "blog.example.com", want: "blog"},
		{host: "unknown.example.com", want: "default"},
		{host: "127.0.0.1:8080", want: "default"},
	}
	for _, tc := range cases {
		resp, body := s.get(t, tc.host, "/whoami.txt", nil)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.host, resp.StatusCode)
		}
		if body != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.host, tc.want, body)
		}
	}
}

func TestHostRoutingKeepsSitesIsolated(t *testing.T) {
	docsRoot := t.TempDir()
	s := newStack(t, func(cfg *config.Config) {
		cfg.Sites = []config.SiteConfig{
			{Name: "docs", Domain: "docs.example.com", Webroot: docsRoot},
		}
	})
	writeFile(t, filepath.Join(s.webroot(), "only-default.txt"), "x")

	resp, _ := s.get(t, "docs.example.com", "/only-default.txt", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("file from another webroot must not leak, got %d", resp.StatusCode)
	}
	resp, _ = s.get(t, "docs.example.com", "/../"+filepath.Base(s.webroot())+"/only-default.txt", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("dot-dot must not escape the webroot, got %d", resp.StatusCode)
	}
}
