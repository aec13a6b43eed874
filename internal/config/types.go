package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "200ms"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	Listen              []string `mapstructure:"Listen"`
	Webroot             string   `mapstructure:"Webroot"`
	IndexFiles          []string `mapstructure:"IndexFiles"`
	DirectoryListing    bool     `mapstructure:"DirectoryListing"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	CacheBuckets        int      `mapstructure:"CacheBuckets"`
	WatchBackend        string   `mapstructure:"WatchBackend"`
	ResolveCacheTTL     Duration `mapstructure:"ResolveCacheTTL"`
	WatchMaxRetries     int      `mapstructure:"WatchMaxRetries"`
	WatchInitialBackoff Duration `mapstructure:"WatchInitialBackoff"`
	MetricsEnabled      bool     `mapstructure:"MetricsEnabled"`
}

// SiteConfig 描述一个按 Host 匹配的虚拟主机。
type SiteConfig struct {
	Name    string `mapstructure:"Name"`
	Domain  string `mapstructure:"Domain"`
	Webroot string `mapstructure:"Webroot"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// DefaultSiteName 是未匹配任何 [[Site]] 时使用的站点名。
const DefaultSiteName = "default"

// DefaultSite 返回由全局 Webroot 构成的兜底站点。
func (c *Config) DefaultSite() SiteConfig {
	return SiteConfig{Name: DefaultSiteName, Webroot: c.Global.Webroot}
}

// SiteSummaries 返回所有站点的摘要，例如 docs:docs.example.com，供启动日志使用。
func SiteSummaries(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Domain)
	}
	return result
}
