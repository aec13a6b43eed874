package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/arf20/arfhttpd/internal/config"
)

// SiteRoute 将站点配置与派生属性聚合在一起，供路由/静态文件层直接复用。
type SiteRoute struct {
	// Config 是用户在 arfhttpd.toml 中声明的站点字段副本。
	Config config.SiteConfig
	// Webroot 是已转为绝对路径的站点根目录。
	Webroot string
	// IndexFiles/DirectoryListing 继承自全局配置。
	IndexFiles       []string
	DirectoryListing bool
	// Default 表示这是未匹配任何 Host 时使用的兜底站点。
	Default bool
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力。
type SiteRegistry struct {
	routes   map[string]*SiteRoute
	ordered  []*SiteRoute
	fallback *SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes:   make(map[string]*SiteRoute, len(cfg.Sites)),
		fallback: buildSiteRoute(cfg, cfg.DefaultSite()),
	}
	registry.fallback.Default = true

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route := buildSiteRoute(cfg, site)
		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找站点；未匹配时返回兜底站点且 matched 为 false。
func (r *SiteRegistry) Lookup(host string) (route *SiteRoute, matched bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if route, ok := r.routes[normalizedHost]; ok {
		return route, true
	}
	return r.fallback, false
}

// Default 返回兜底站点。
func (r *SiteRegistry) Default() *SiteRoute {
	if r == nil {
		return nil
	}
	return r.fallback
}

// List 返回按配置顺序排列的站点（兜底站点在首位），用于诊断输出。
func (r *SiteRegistry) List() []SiteRoute {
	if r == nil {
		return nil
	}
	result := make([]SiteRoute, 0, len(r.ordered)+1)
	result = append(result, *r.fallback)
	for _, route := range r.ordered {
		result = append(result, *route)
	}
	return result
}

func buildSiteRoute(cfg *config.Config, site config.SiteConfig) *SiteRoute {
	webroot := site.Webroot
	if webroot == "" {
		webroot = cfg.Global.Webroot
	}
	return &SiteRoute{
		Config:           site,
		Webroot:          webroot,
		IndexFiles:       append([]string(nil), cfg.Global.IndexFiles...),
		DirectoryListing: cfg.Global.DirectoryListing,
	}
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
