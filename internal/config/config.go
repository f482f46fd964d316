package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ChainPilot/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "CHAINPILOT_CONFIG"

// DefaultPath 为未设置环境变量时使用的配置文件路径。
const DefaultPath = "configs/chainpilot.yaml"

// Config 描述了 ChainPilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Registry  RegistryConfig  `yaml:"registry"`
	Broker    BrokerConfig    `yaml:"broker"`
	LLM       LLMConfig       `yaml:"llm"`
	Stream    StreamConfig    `yaml:"stream"`
	Quota     QuotaConfig     `yaml:"quota"`
	Web3      Web3Config      `yaml:"web3"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Logging   logger.Config   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig 描述会话与消息的持久化后端。
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig 描述 MySQL 连接及连接池参数。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// Migrate 为 true 时启动阶段执行内置的数据库迁移。
	Migrate bool `yaml:"migrate"`
}

// RegistryConfig 描述流 ID 登记表的存储后端。
type RegistryConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix 为所有键添加统一前缀。
	KeyPrefix string `yaml:"key_prefix"`
}

// BrokerConfig 描述实时流中继所使用的消息代理。
type BrokerConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接信息。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string             `yaml:"provider"`
	OpenAI   OpenAIConfig       `yaml:"openai"`
	Python   PythonBridgeConfig `yaml:"python_bridge"`
	// Models 把界面上选择的模型标识映射为供应商的模型名称。
	Models       map[string]string `yaml:"models"`
	DefaultModel string            `yaml:"default_model"`
	TitleModel   string            `yaml:"title_model"`
	SystemPrompt string            `yaml:"system_prompt"`
	MaxSteps     int               `yaml:"max_steps"`
	StepTimeout  time.Duration     `yaml:"step_timeout"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `yaml:"python_executable"`
	ScriptPath       string `yaml:"script_path"`
	WorkingDir       string `yaml:"working_dir"`
}

// StreamConfig 控制流式输出与断线续传的策略。
type StreamConfig struct {
	// BufferSize 为生成管线与中继之间通道的容量。
	BufferSize int `yaml:"buffer_size"`
	// ResumeWindow 内完成的助手消息可通过补发事件恢复。
	ResumeWindow time.Duration `yaml:"resume_window"`
	// SessionLifetime 为一次生成的最长存活时间，包括等待审批的时间。
	SessionLifetime time.Duration `yaml:"session_lifetime"`
	TitleTimeout    time.Duration `yaml:"title_timeout"`
	PersistTimeout  time.Duration `yaml:"persist_timeout"`
}

// QuotaConfig 按用户类型配置每日消息上限。
type QuotaConfig struct {
	Window          time.Duration  `yaml:"window"`
	MessagesPerType map[string]int `yaml:"messages_per_type"`
}

// Web3Config 包含访问区块链节点所需的配置。
type Web3Config struct {
	ChainsFile   string `yaml:"chains_file"`
	DefaultChain string `yaml:"default_chain"`
	RPCURL       string `yaml:"rpc_url"`
}

// KnowledgeConfig 描述静态知识库的位置。
type KnowledgeConfig struct {
	Source     string `yaml:"source"`
	MaxResults int    `yaml:"max_results"`
}

// MetricsConfig 控制指标暴露。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// PathFromEnv 返回环境变量指定的配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查驱动取值等无法通过默认值修正的配置。
func (c *Config) Validate() error {
	if err := oneOf("storage.driver", c.Storage.Driver, "memory", "mysql"); err != nil {
		return err
	}
	if err := oneOf("registry.driver", c.Registry.Driver, "memory", "mysql", "redis"); err != nil {
		return err
	}
	if c.Registry.Driver == "mysql" && c.Storage.Driver != "mysql" {
		return errors.New("registry.driver=mysql 需要 storage.driver=mysql")
	}
	if err := oneOf("broker.driver", c.Broker.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if err := oneOf("llm.provider", c.LLM.Provider, "openai", "python_bridge"); err != nil {
		return err
	}
	if c.Storage.Driver == "mysql" && c.Storage.MySQL.DSN == "" {
		return errors.New("storage.mysql.dsn 不能为空")
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s 取值 %q 无效，可选值: %s", field, value, strings.Join(allowed, ", "))
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 20
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 10
	}
	if c.Storage.MySQL.ConnMaxLifetime <= 0 {
		c.Storage.MySQL.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Storage.MySQL.ConnMaxIdleTime <= 0 {
		c.Storage.MySQL.ConnMaxIdleTime = 5 * time.Minute
	}

	if c.Registry.Driver == "" {
		c.Registry.Driver = c.Storage.Driver
	}
	if c.Registry.Redis.KeyPrefix == "" {
		c.Registry.Redis.KeyPrefix = "chainpilot"
	}

	if c.Broker.Driver == "" {
		c.Broker.Driver = "memory"
	}
	if c.Broker.Redis.KeyPrefix == "" {
		c.Broker.Redis.KeyPrefix = "chainpilot"
	}
	if c.Broker.RabbitMQ.Exchange == "" {
		c.Broker.RabbitMQ.Exchange = "chainpilot.streams"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "python_bridge"
	}
	if c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}
	if c.LLM.Python.ScriptPath != "" && !filepath.IsAbs(c.LLM.Python.ScriptPath) {
		c.LLM.Python.ScriptPath = filepath.Join(baseDir, c.LLM.Python.ScriptPath)
	}
	if len(c.LLM.Models) == 0 {
		c.LLM.Models = map[string]string{"chat-model": "gpt-4o-mini", "chat-model-reasoning": "o4-mini"}
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "chat-model"
	}
	if c.LLM.TitleModel == "" {
		c.LLM.TitleModel = c.LLM.DefaultModel
	}
	if c.LLM.MaxSteps <= 0 {
		c.LLM.MaxSteps = 5
	}
	if c.LLM.StepTimeout <= 0 {
		c.LLM.StepTimeout = 2 * time.Minute
	}

	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = 64
	}
	if c.Stream.ResumeWindow <= 0 {
		c.Stream.ResumeWindow = 15 * time.Second
	}
	if c.Stream.SessionLifetime <= 0 {
		c.Stream.SessionLifetime = 30 * time.Minute
	}
	if c.Stream.TitleTimeout <= 0 {
		c.Stream.TitleTimeout = 20 * time.Second
	}
	if c.Stream.PersistTimeout <= 0 {
		c.Stream.PersistTimeout = 10 * time.Second
	}

	if c.Quota.Window <= 0 {
		c.Quota.Window = 24 * time.Hour
	}
	if len(c.Quota.MessagesPerType) == 0 {
		c.Quota.MessagesPerType = map[string]int{"guest": 20, "regular": 100}
	}

	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}
	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// applyEnv 使用环境变量覆盖敏感配置。
func (c *Config) applyEnv() {
	if c.LLM.OpenAI.APIKey == "" && c.LLM.OpenAI.APIKeyEnv != "" {
		c.LLM.OpenAI.APIKey = os.Getenv(c.LLM.OpenAI.APIKeyEnv)
	}
	if dsn := os.Getenv("CHAINPILOT_MYSQL_DSN"); dsn != "" {
		c.Storage.MySQL.DSN = dsn
	}
	if password := os.Getenv("CHAINPILOT_REDIS_PASSWORD"); password != "" {
		c.Registry.Redis.Password = password
		c.Broker.Redis.Password = password
	}
	if url := os.Getenv("CHAINPILOT_RABBITMQ_URL"); url != "" {
		c.Broker.RabbitMQ.URL = url
	}
}
