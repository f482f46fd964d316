package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/api"
	"ChainPilot/internal/approval"
	"ChainPilot/internal/chat"
	"ChainPilot/internal/config"
	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/llm/openai"
	"ChainPilot/internal/llm/pythonbridge"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/orchestrator"
	"ChainPilot/internal/quota"
	"ChainPilot/internal/storage/mysql"
	"ChainPilot/internal/storage/redis"
	"ChainPilot/internal/stream"
	"ChainPilot/internal/title"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/tools/chaintools"
	"ChainPilot/internal/web3/provider"
	"ChainPilot/pkg/logger"
)

// main 是 ChainPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chainpilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	store, err := createChatStore(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, store)

	registry, err := createRegistry(cfg, store)
	if err != nil {
		return err
	}
	if closer, ok := registry.(io.Closer); ok && closer != store {
		closers = append(closers, closer)
	}

	broker, err := createBroker(cfg)
	if err != nil {
		return err
	}
	defer broker.Shutdown()

	model, err := createModel(cfg)
	if err != nil {
		return err
	}
	catalog := llm.NewCatalog(model, cfg.LLM.Models)

	toolRegistry, chains, err := createTools(ctx, cfg)
	if err != nil {
		return err
	}
	if chains != nil {
		defer chains.Close()
	}

	coordinator := approval.NewCoordinator()
	pipeline := agent.New(catalog,
		agent.WithTools(toolRegistry),
		agent.WithApprovals(coordinator),
		agent.WithSystemPrompt(cfg.LLM.SystemPrompt),
		agent.WithMaxSteps(cfg.LLM.MaxSteps),
		agent.WithStepTimeout(cfg.LLM.StepTimeout),
		agent.WithSessionLifetime(cfg.Stream.SessionLifetime),
	)

	manager := stream.NewManager(registry, store, broker, stream.WithResumeWindow(cfg.Stream.ResumeWindow))

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout))
	}

	orch := orchestrator.New(store, pipeline, manager,
		orchestrator.WithApprovals(coordinator),
		orchestrator.WithQuota(quota.NewLimiter(store, cfg.Quota.Window, cfg.Quota.MessagesPerType)),
		orchestrator.WithTitles(title.New(catalog, cfg.LLM.TitleModel, store, title.WithTimeout(cfg.Stream.TitleTimeout))),
		orchestrator.WithAlerts(alerting.NewFanout(notifiers...)),
		orchestrator.WithDefaultModel(cfg.LLM.DefaultModel),
		orchestrator.WithBufferSize(cfg.Stream.BufferSize),
		orchestrator.WithPersistTimeout(cfg.Stream.PersistTimeout),
		orchestrator.WithSessionLifetime(cfg.Stream.SessionLifetime),
	)

	// 指标地址与 API 地址相同时直接挂载到 API 路由上。
	serveMetricsInline := cfg.Metrics.Enabled && cfg.Metrics.Address == cfg.Server.Address
	if cfg.Metrics.Enabled && !serveMetricsInline {
		go serveMetrics(ctx, cfg.Metrics.Address)
	}

	server := api.NewServer(cfg.Server.Address, orch,
		api.WithMetrics(serveMetricsInline),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)
	logger.L().Info("chainpilotd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("registry", cfg.Registry.Driver),
		slog.String("broker", cfg.Broker.Driver),
		slog.String("llm", cfg.LLM.Provider))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type closableStore interface {
	chat.Store
	chat.RegistryStore
	io.Closer
}

func createChatStore(ctx context.Context, cfg *config.Config) (closableStore, error) {
	switch cfg.Storage.Driver {
	case "mysql":
		mysqlCfg := cfg.Storage.MySQL
		return mysql.NewChatStore(ctx, mysql.Config{
			DSN:             mysqlCfg.DSN,
			MaxOpenConns:    mysqlCfg.MaxOpenConns,
			MaxIdleConns:    mysqlCfg.MaxIdleConns,
			ConnMaxLifetime: mysqlCfg.ConnMaxLifetime,
			ConnMaxIdleTime: mysqlCfg.ConnMaxIdleTime,
			Migrate:         mysqlCfg.Migrate,
		})
	default:
		return chat.NewMemoryStore(), nil
	}
}

func createRegistry(cfg *config.Config, store closableStore) (chat.RegistryStore, error) {
	switch cfg.Registry.Driver {
	case "redis":
		redisCfg := cfg.Registry.Redis
		return redis.NewRegistryStore(redis.Config{
			Address:   redisCfg.Address,
			Username:  redisCfg.Username,
			Password:  redisCfg.Password,
			DB:        redisCfg.DB,
			KeyPrefix: redisCfg.KeyPrefix,
			Retention: cfg.Stream.SessionLifetime,
		})
	default:
		return store, nil
	}
}

func createBroker(cfg *config.Config) (stream.Broker, error) {
	switch cfg.Broker.Driver {
	case "redis":
		redisCfg := cfg.Broker.Redis
		return stream.NewRedisBroker(stream.RedisBrokerConfig{
			Address:   redisCfg.Address,
			Username:  redisCfg.Username,
			Password:  redisCfg.Password,
			DB:        redisCfg.DB,
			KeyPrefix: redisCfg.KeyPrefix,
			TTL:       cfg.Stream.SessionLifetime,
		})
	case "rabbitmq":
		return stream.NewRabbitMQBroker(stream.RabbitMQBrokerConfig{
			URL:      cfg.Broker.RabbitMQ.URL,
			Exchange: cfg.Broker.RabbitMQ.Exchange,
			TTL:      cfg.Stream.SessionLifetime,
		})
	default:
		return stream.NewMemoryBroker(cfg.Stream.BufferSize), nil
	}
}

func createModel(cfg *config.Config) (llm.Model, error) {
	switch cfg.LLM.Provider {
	case "openai":
		if cfg.LLM.OpenAI.APIKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:        cfg.LLM.OpenAI.APIKey,
			BaseURL:       cfg.LLM.OpenAI.BaseURL,
			HeaderTimeout: cfg.LLM.StepTimeout,
		})
	default:
		python := cfg.LLM.Python
		scriptPath := pythonbridge.ResolveScriptPath(python.WorkingDir, python.ScriptPath)
		return pythonbridge.NewClient(python.PythonExecutable, scriptPath, python.WorkingDir)
	}
}

// createTools 组装链上工具与知识库工具。未配置任何链时只注册知识库工具。
func createTools(ctx context.Context, cfg *config.Config) (*tools.Registry, *provider.Registry, error) {
	var (
		available []tools.Tool
		chains    *provider.Registry
	)
	if cfg.Web3.ChainsFile != "" || cfg.Web3.RPCURL != "" {
		registry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, nil, err
		}
		chains = registry
		available = append(available, chaintools.New(chains)...)
	}
	if cfg.Knowledge.Source != "" {
		source, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			chains.Close()
			return nil, nil, err
		}
		available = append(available, knowledge.Tool(source))
	}

	registry, err := tools.NewRegistry(available...)
	if err != nil {
		chains.Close()
		return nil, nil, err
	}
	return registry, chains, nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.L().Info("指标服务已启动", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.L().Error("指标服务异常退出", slog.String("error", err.Error()))
	}
}
