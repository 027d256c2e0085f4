package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/agent"
	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/config"
	"github.com/any-hub/offline-agent/internal/logging"
	"github.com/any-hub/offline-agent/internal/proxy"
	"github.com/any-hub/offline-agent/internal/server"
	"github.com/any-hub/offline-agent/internal/server/routes"
	"github.com/any-hub/offline-agent/internal/upstream"
	"github.com/any-hub/offline-agent/internal/version"
)

const configEnv = "OFFLINE_AGENT_CONFIG"

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

	gen, err := agent.GenerationFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建缓存代际失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["generation"] = gen.Tag()
		fields["origin"] = cfg.Global.Origin
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存存储 → 源站客户端 → Agent（install/activate）→ Fiber server。
	store, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	client, err := upstream.NewClient(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化源站客户端失败: %v\n", err)
		return 1
	}

	metrics := agent.NewMetrics("offline_agent", true)
	a, err := agent.New(agent.Options{
		Generation: gen,
		Storage:    store,
		Fetcher:    client,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 Agent 失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 安装失败不退出：该代际保持 redundant，所有请求透传到源站。
	if err := a.Start(ctx); err != nil {
		logger.WithError(err).WithFields(logging.LifecycleFields("startup", gen.Tag())).
			Error("agent 未接管请求，进入透传模式")
	}

	if spec := strings.TrimSpace(cfg.Global.TrimSchedule); spec != "" {
		stopTrim, err := a.ScheduleTrim(ctx, spec)
		if err != nil {
			fmt.Fprintf(stdErr, "注册裁剪任务失败: %v\n", err)
			return 1
		}
		defer stopTrim()
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["generation"] = gen.Tag()
	fields["state"] = string(a.State())
	fields["origin"] = cfg.Global.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewHandler(a, client, logger, cfg.Global.Scope)
	if err := startHTTPServer(ctx, cfg, a, metrics, handler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	a.Wait()
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_AGENT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
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

func startHTTPServer(ctx context.Context, cfg *config.Config, a *agent.Agent, metrics *agent.Metrics, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterAgentRoutes(app, a, metrics, logger)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，关闭 Fiber 服务")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
