package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "arfhttpd.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectSiteLevelListen(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i], cfg.Global)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := absolutizeWebroots(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Listen", []string{":8080"})
	v.SetDefault("Webroot", "./www")
	v.SetDefault("IndexFiles", []string{"index.html"})
	v.SetDefault("DirectoryListing", true)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheBuckets", 65536)
	v.SetDefault("WatchBackend", "fsnotify")
	v.SetDefault("ResolveCacheTTL", 0)
	v.SetDefault("WatchMaxRetries", 5)
	v.SetDefault("WatchInitialBackoff", "200ms")
	v.SetDefault("MetricsEnabled", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	listen := g.Listen[:0]
	for _, addr := range g.Listen {
		if addr = strings.TrimSpace(addr); addr != "" {
			listen = append(listen, addr)
		}
	}
	g.Listen = listen
	if len(g.Listen) == 0 {
		g.Listen = []string{":8080"}
	}
	if len(g.IndexFiles) == 0 {
		g.IndexFiles = []string{"index.html"}
	}
	g.WatchBackend = strings.ToLower(strings.TrimSpace(g.WatchBackend))
	if g.WatchBackend == "" {
		g.WatchBackend = "fsnotify"
	}
	if g.WatchInitialBackoff.DurationValue() == 0 {
		g.WatchInitialBackoff = Duration(200 * time.Millisecond)
	}
}

func applySiteDefaults(s *SiteConfig, g GlobalConfig) {
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
	if strings.TrimSpace(s.Webroot) == "" {
		s.Webroot = g.Webroot
	}
}

func absolutizeWebroots(cfg *Config) error {
	abs, err := filepath.Abs(cfg.Global.Webroot)
	if err != nil {
		return fmt.Errorf("无法解析站点根目录: %w", err)
	}
	cfg.Global.Webroot = abs
	for i := range cfg.Sites {
		site := &cfg.Sites[i]
		abs, err := filepath.Abs(site.Webroot)
		if err != nil {
			return fmt.Errorf("%s: 无法解析站点根目录: %w", siteField(site.Name, "Webroot"), err)
		}
		site.Webroot = abs
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectSiteLevelListen 拒绝站点级监听地址，所有站点共享全局 Listen。
func rejectSiteLevelListen(v *viper.Viper) error {
	raw := v.Get("Site")
	sites, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range sites {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		name := fmt.Sprintf("#%d", idx)
		if rawName, ok := lookupFold(m, "Name").(string); ok && rawName != "" {
			name = rawName
		}
		for _, key := range []string{"Listen", "Port"} {
			if lookupFold(m, key) != nil {
				return newFieldError(siteField(name, key), "站点不支持独立监听，请使用全局 Listen")
			}
		}
	}

	return nil
}

// lookupFold 忽略大小写读取 map 键，viper 是否小写化数组内的表取决于版本。
func lookupFold(m map[string]interface{}, key string) interface{} {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}
