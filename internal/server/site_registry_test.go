package server

import (
	"testing"

	"github.com/arf20/arfhttpd/internal/config"
)

func TestSiteRegistryLookupByHost(t *testing.T) {
	registry, err := NewSiteRegistry(testConfig())
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	route, matched := registry.Lookup("Docs.Example.com:8080")
	if !matched {
		t.Fatalf("expected docs site to match")
	}
	if route.Config.Name != "docs" || route.Webroot != "/srv/docs" {
		t.Fatalf("unexpected route: %+v", route)
	}
	if len(route.IndexFiles) != 1 || !route.DirectoryListing {
		t.Fatalf("global settings not inherited: %+v", route)
	}

	route, matched = registry.Lookup("docs.example.com.")
	if !matched || route.Config.Name != "docs" {
		t.Fatalf("trailing dot should be ignored")
	}
}

func TestSiteRegistryFallsBackToDefault(t *testing.T) {
	registry, err := NewSiteRegistry(testConfig())
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	for _, host := range []string{"unknown.local", "", "127.0.0.1:8080"} {
		route, matched := registry.Lookup(host)
		if matched {
			t.Fatalf("host %q should not match", host)
		}
		if !route.Default || route.Webroot != "/srv/www" {
			t.Fatalf("expected default site for %q, got %+v", host, route)
		}
	}
}

func TestSiteRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := testConfig()
	cfg.Sites = append(cfg.Sites, config.SiteConfig{Name: "dup", Domain: "DOCS.example.com", Webroot: "/srv/dup"})
	if _, err := NewSiteRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestSiteRegistryList(t *testing.T) {
	registry, err := NewSiteRegistry(testConfig())
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	list := registry.List()
	if len(list) != 2 {
		t.Fatalf("expected default + docs, got %d", len(list))
	}
	if list[0].Config.Name != config.DefaultSiteName || list[1].Config.Name != "docs" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"Example.COM":      "example.com",
		"example.com:443":  "example.com",
		"[::1]:8080":       "::1",
		"example.com.":     "example.com",
		"  spaced.local  ": "spaced.local",
	}
	for in, want := range cases {
		if got, _ := normalizeHost(in); got != want {
			t.Fatalf("normalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			Listen:           []string{":8080"},
			Webroot:          "/srv/www",
			IndexFiles:       []string{"index.html"},
			DirectoryListing: true,
		},
		Sites: []config.SiteConfig{
			{Name: "docs", Domain: "docs.example.com", Webroot: "/srv/docs"},
		},
	}
}
