package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/smg-radio/shellcache/internal/cache"
	"github.com/smg-radio/shellcache/internal/config"
	"github.com/smg-radio/shellcache/internal/logging"
	"github.com/smg-radio/shellcache/internal/metrics"
	"github.com/smg-radio/shellcache/internal/proxy"
	"github.com/smg-radio/shellcache/internal/server"
	"github.com/smg-radio/shellcache/internal/server/routes"
	"github.com/smg-radio/shellcache/internal/version"
	"github.com/smg-radio/shellcache/internal/worker"
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
		fields["sites"] = config.SiteNames(cfg.Sites)
		fields["cache_name"] = cfg.Worker.CacheName
		fields["origin"] = cfg.Worker.Origin
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	metrics.Init()

	sc, err := buildApplication(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer sc.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = config.SiteNames(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["cache_name"] = cfg.Worker.CacheName
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// install/activate 与监听并行进行；接管前的请求直接透传到上游。
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sc.startWorker(ctx)

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	if err := sc.app.Listen(fmt.Sprintf(":%d", port)); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// application 聚合一次进程运行所需的全部组件。
type application struct {
	app        *fiber.App
	worker     *worker.Worker
	controller *proxy.Controller
	storage    cache.Storage
	logger     *logrus.Logger
}

// buildApplication 遵循“配置 → SiteRegistry → 缓存存储 → Worker → Fiber app”顺序装配组件，
// 所有请求共享同一个存储与 Controller。
func buildApplication(cfg *config.Config, logger *logrus.Logger) (*application, error) {
	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建站点注册表失败: %w", err)
	}

	storage, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	network := proxy.NewNetwork(server.NewUpstreamClient(cfg), registry)
	controller := proxy.NewController(network, logger)

	opts, err := worker.OptionsFromConfig(cfg.Worker)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("解析 Origin 失败: %w", err)
	}
	opts.Storage = storage
	opts.Network = network
	opts.Clients = controller
	opts.Logger = logger
	w, err := worker.New(opts)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(controller, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	routes.RegisterOperatorRoutes(app, routes.OperatorOptions{
		Logger:   logger,
		Registry: registry,
		Worker:   w,
		Clients:  controller,
	})

	return &application{
		app:        app,
		worker:     w,
		controller: controller,
		storage:    storage,
		logger:     logger,
	}, nil
}

// startWorker 执行首次 install + activate。失败时保持透传，等待 POST /-/lifecycle/install 重试。
func (sc *application) startWorker(ctx context.Context) {
	if err := sc.worker.Start(ctx); err != nil {
		sc.logger.WithFields(logrus.Fields{
			"action": "startup_lifecycle",
			"state":  sc.worker.State(),
			"error":  err.Error(),
		}).Warn("worker 启动未完成，请求继续透传")
	}
}

func (sc *application) close() {
	sc.worker.Wait()
	if err := sc.storage.Close(); err != nil {
		sc.logger.WithFields(logrus.Fields{
			"action": "shutdown",
			"error":  err.Error(),
		}).Warn("关闭缓存存储失败")
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
