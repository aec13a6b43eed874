package routes

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arf20/arfhttpd/internal/cache"
	"github.com/arf20/arfhttpd/internal/server"
)

const (
	defaultSampleLimit = 50
	maxSampleLimit     = 1000
)

// CacheInspector 是诊断接口所需的只读缓存视图。
type CacheInspector interface {
	Snapshot(limit int) cache.Snapshot
	Inspect(path string) (cache.EntryState, bool)
}

// DiagnosticsOptions 描述 /-/ 诊断接口依赖；Gatherer 为空时不暴露 /-/metrics。
type DiagnosticsOptions struct {
	Registry *server.SiteRegistry
	Cache    CacheInspector
	Gatherer prometheus.Gatherer
}

type sitePayload struct {
	Name    string `json:"name"`
	Domain  string `json:"domain,omitempty"`
	Webroot string `json:"webroot"`
	Default bool   `json:"default"`
}

// RegisterDiagnosticsRoutes 暴露 /-/cache、/-/cache/entry 与 /-/metrics，供运维查看缓存状态。
func RegisterDiagnosticsRoutes(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil || opts.Cache == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_limit"})
		}
		return c.JSON(fiber.Map{
			"cache": opts.Cache.Snapshot(limit),
			"sites": encodeSites(opts.Registry.List()),
		})
	})

	app.Get("/-/cache/entry", func(c fiber.Ctx) error {
		path := strings.TrimSpace(c.Query("path"))
		if path == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "path_required"})
		}
		state, ok := opts.Cache.Inspect(path)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "entry_not_found"})
		}
		return c.JSON(state)
	})

	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultSampleLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, strconv.ErrSyntax
	}
	if limit > maxSampleLimit {
		limit = maxSampleLimit
	}
	return limit, nil
}

func encodeSites(routes []server.SiteRoute) []sitePayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, sitePayload{
			Name:    route.Config.Name,
			Domain:  route.Config.Domain,
			Webroot: route.Webroot,
			Default: route.Default,
		})
	}
	return result
}
