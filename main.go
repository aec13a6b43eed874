package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/arf20/arfhttpd/internal/cache"
	"github.com/arf20/arfhttpd/internal/config"
	"github.com/arf20/arfhttpd/internal/logging"
	"github.com/arf20/arfhttpd/internal/server"
	"github.com/arf20/arfhttpd/internal/server/routes"
	"github.com/arf20/arfhttpd/internal/static"
	"github.com/arf20/arfhttpd/internal/version"
)

const (
	configEnv         = "ARFHTTPD_CONFIG"
	defaultConfigPath = "arfhttpd.toml"
	shutdownTimeout   = 10 * time.Second
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = config.SiteSummaries(cfg.Sites)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen"] = cfg.Global.Listen
	fields["webroot"] = cfg.Global.Webroot
	fields["sites"] = config.SiteSummaries(cfg.Sites)
	fields["watch_backend"] = cfg.Global.WatchBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	lns, err := openListeners(cfg.Global.Listen)
	if err != nil {
		fmt.Fprintf(stdErr, "%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, lns, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务异常退出: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("arfhttpd", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVarP(&configFlag, "config", "c", "", "配置文件路径（默认 ./arfhttpd.toml，可被 "+configEnv+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVarP(&showVer, "version", "v", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if fs.NArg() > 0 {
		return cliOptions{}, fmt.Errorf("解析参数失败: 多余的参数 %v", fs.Args())
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = defaultConfigPath
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// openListeners 依次监听每个地址；任一失败时关闭已打开的监听器。
func openListeners(addrs []string) ([]net.Listener, error) {
	lns := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			closeListeners(lns)
			return nil, fmt.Errorf("监听 %s 失败: %w", addr, err)
		}
		lns = append(lns, ln)
	}
	return lns, nil
}

func closeListeners(lns []net.Listener) {
	for _, ln := range lns {
		_ = ln.Close()
	}
}

// serve 按“缓存 → 站点注册表 → 静态处理器 → Fiber”顺序装配服务，并阻塞到
// ctx 结束或缓存 watcher 上报致命错误。lns 由调用方创建，serve 负责关闭；
// 所有监听器共享同一个 Fiber 应用。
func serve(ctx context.Context, lns []net.Listener, cfg *config.Config, logger *logrus.Logger) error {
	if len(lns) == 0 {
		return errors.New("no listeners")
	}
	defer closeListeners(lns)

	factory, err := cache.NotifierFactoryFor(cfg.Global.WatchBackend)
	if err != nil {
		return err
	}
	store, err := cache.NewStore(cache.Options{
		Logger:              logger,
		FileSystem:          cache.NewOSFileSystem(),
		Notifier:            factory,
		Backend:             cfg.Global.WatchBackend,
		Buckets:             cfg.Global.CacheBuckets,
		ResolveCacheTTL:     cfg.Global.ResolveCacheTTL.DurationValue(),
		WatchMaxRetries:     cfg.Global.WatchMaxRetries,
		WatchInitialBackoff: cfg.Global.WatchInitialBackoff.DurationValue(),
	})
	if err != nil {
		return fmt.Errorf("初始化缓存失败: %w", err)
	}
	defer func() {
		if err := store.Shutdown(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("cache_close_failed")
		}
	}()

	var gatherer prometheus.Gatherer
	if cfg.Global.MetricsEnabled {
		reg := prometheus.NewRegistry()
		if err := reg.Register(store.Metrics()); err != nil {
			return fmt.Errorf("注册缓存指标失败: %w", err)
		}
		gatherer = prometheus.Gatherers{prometheus.DefaultGatherer, reg}
	}

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		return fmt.Errorf("构建站点注册表失败: %w", err)
	}
	warnMissingWebroots(registry, logger)

	files, err := static.NewHandler(static.Options{Store: store, Logger: logger})
	if err != nil {
		return err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Registry: registry,
		Files:    files,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.DiagnosticsOptions{
		Registry: registry,
		Cache:    store,
		Gatherer: gatherer,
	})

	store.Start(ctx)

	listenErr := make(chan error, len(lns))
	for _, ln := range lns {
		go func(ln net.Listener) {
			listenErr <- app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
		}(ln)
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"addr":   ln.Addr().String(),
		}).Info("Fiber 服务启动")
	}

	var result error
	select {
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("收到退出信号")
	case err := <-store.Fatal():
		logger.WithError(err).WithField("action", "shutdown").Error("缓存监听失效，停止服务")
		result = fmt.Errorf("缓存监听失效: %w", err)
	case err := <-listenErr:
		if err == nil {
			err = errors.New("listener stopped")
		}
		return fmt.Errorf("HTTP 服务停止: %w", err)
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("shutdown_incomplete")
	}
	return result
}

func warnMissingWebroots(registry *server.SiteRegistry, logger *logrus.Logger) {
	for _, route := range registry.List() {
		info, err := os.Stat(route.Webroot)
		if err == nil && info.IsDir() {
			continue
		}
		entry := logger.WithFields(logrus.Fields{
			"action":  "startup",
			"site":    route.Config.Name,
			"webroot": route.Webroot,
		})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("webroot_unavailable")
	}
}
