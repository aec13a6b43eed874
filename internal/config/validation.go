package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedWatchBackends = map[string]struct{}{
	"fsnotify": {},
	"inotify":  {},
}

const supportedWatchBackendList = "fsnotify|inotify"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if len(g.Listen) == 0 {
		return newFieldError("Global.Listen", "至少需要一个监听地址")
	}
	seenListen := make(map[string]struct{}, len(g.Listen))
	for _, addr := range g.Listen {
		if err := validateListen(addr); err != nil {
			return fmt.Errorf("Global.Listen %q: %w", addr, err)
		}
		if _, dup := seenListen[addr]; dup {
			return newFieldError("Global.Listen", fmt.Sprintf("监听地址重复: %s", addr))
		}
		seenListen[addr] = struct{}{}
	}
	if strings.TrimSpace(g.Webroot) == "" {
		return newFieldError("Global.Webroot", "不能为空")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	for _, name := range g.IndexFiles {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return newFieldError("Global.IndexFiles", "必须是不含路径分隔符的文件名")
		}
	}
	if g.CacheBuckets <= 0 {
		return newFieldError("Global.CacheBuckets", "必须大于 0")
	}
	if _, ok := supportedWatchBackends[g.WatchBackend]; !ok {
		return newFieldError("Global.WatchBackend", "仅支持 "+supportedWatchBackendList)
	}
	if g.ResolveCacheTTL.DurationValue() < 0 {
		return newFieldError("Global.ResolveCacheTTL", "不能为负数")
	}
	if g.WatchMaxRetries < 0 {
		return newFieldError("Global.WatchMaxRetries", "不能为负数")
	}
	if g.WatchInitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.WatchInitialBackoff", "必须大于 0")
	}

	seenNames := map[string]struct{}{DefaultSiteName: {}}
	seenDomains := map[string]string{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复或与保留名称冲突")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if owner, exists := seenDomains[site.Domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "与站点 "+owner+" 重复")
		}
		seenDomains[site.Domain] = site.Name

		if strings.TrimSpace(site.Webroot) == "" {
			return newFieldError(siteField(site.Name, "Webroot"), "不能为空")
		}
	}

	return nil
}

func validateListen(addr string) error {
	if addr == "" {
		return errors.New("不能为空")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return errors.New("缺少端口")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}
