package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/internal/llm"
	"OpenGoal-Chain/internal/llm/anthropic"
	"OpenGoal-Chain/internal/llm/openai"
	redisstore "OpenGoal-Chain/internal/storage/redis"
	"OpenGoal-Chain/internal/storage/sqlstore"
	"OpenGoal-Chain/internal/telemetry"
	"OpenGoal-Chain/pkg/logger"

	"gopkg.in/yaml.v3"
)

// 环境变量。
const (
	EnvConfigPath      = "OPENGOAL_CONFIG"
	EnvOpenAIKey       = "OPENAI_API_KEY"
	EnvAnthropicKey    = "ANTHROPIC_API_KEY"
	EnvRedisPassword   = "OPENGOAL_REDIS_PASSWORD"
	EnvJournalDSN      = "OPENGOAL_JOURNAL_DSN"
	EnvAMQPURL         = "OPENGOAL_AMQP_URL"
	EnvAPIToken        = "OPENGOAL_API_TOKEN"
	defaultConfigPath  = "configs/opengoal.yaml"
	defaultHopLimit    = 100
	defaultIterations  = 10
	defaultPlanRetries = 3
)

// Config 描述了 OpenGoal 在启动阶段需要加载的核心配置。
type Config struct {
	Logging   logger.Config    `json:"logging" yaml:"logging"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
	LLM       LLMConfig        `json:"llm" yaml:"llm"`
	Storage   StorageConfig    `json:"storage" yaml:"storage"`
	Events    EventsConfig     `json:"events" yaml:"events"`
	Web3      Web3Config       `json:"web3" yaml:"web3"`
	GraphQL   GraphQLConfig    `json:"graphql" yaml:"graphql"`
	Knowledge KnowledgeConfig  `json:"knowledge" yaml:"knowledge"`
	Engine    EngineConfig     `json:"engine" yaml:"engine"`
	API       APIConfig        `json:"api" yaml:"api"`
	Alerting  AlertingConfig   `json:"alerting" yaml:"alerting"`
	Runtime   RuntimeConfig    `json:"runtime" yaml:"runtime"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider    string             `json:"provider" yaml:"provider"`
	Temperature float64            `json:"temperature" yaml:"temperature"`
	MaxTokens   int                `json:"max_tokens" yaml:"max_tokens"`
	OpenAI      openai.Config      `json:"openai" yaml:"openai"`
	Anthropic   anthropic.Config   `json:"anthropic" yaml:"anthropic"`
	Python      PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
	Retry       llm.RetryConfig    `json:"retry" yaml:"retry"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string        `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string        `json:"script_path" yaml:"script_path"`
	WorkingDir       string        `json:"working_dir" yaml:"working_dir"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	Env              []string      `json:"env" yaml:"env"`
}

// StorageConfig 统一描述房间记忆与目标日志的存储后端。
type StorageConfig struct {
	Memory  MemoryConfig  `json:"memory" yaml:"memory"`
	Journal JournalConfig `json:"journal" yaml:"journal"`
}

// MemoryConfig 选择房间记忆的实现：memory 或 redis。
type MemoryConfig struct {
	Driver string            `json:"driver" yaml:"driver"`
	Redis  redisstore.Config `json:"redis" yaml:"redis"`
}

// JournalConfig 控制目标事件日志。
type JournalConfig struct {
	Enabled bool            `json:"enabled" yaml:"enabled"`
	SQL     sqlstore.Config `json:"sql" yaml:"sql"`
}

// EventsConfig 控制事件对外转发。
type EventsConfig struct {
	AMQP events.AMQPConfig `json:"amqp" yaml:"amqp"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	RPCURL         string        `json:"rpc_url" yaml:"rpc_url"`
	ChainConfig    string        `json:"chain_config" yaml:"chain_config"`
	DefaultChain   string        `json:"default_chain" yaml:"default_chain"`
	ReceiptTimeout time.Duration `json:"receipt_timeout" yaml:"receipt_timeout"`

	// SnapshotInterval 大于 0 时定时把链快照送入调度循环。
	SnapshotInterval time.Duration `json:"snapshot_interval" yaml:"snapshot_interval"`
	// AllowBroadcast 控制是否注册广播交易的动作处理器。
	AllowBroadcast   bool          `json:"allow_broadcast" yaml:"allow_broadcast"`
}

// Enabled 判断是否配置了任何链端点。
func (w Web3Config) Enabled() bool {
	return strings.TrimSpace(w.RPCURL) != "" || strings.TrimSpace(w.ChainConfig) != ""
}

// GraphQLConfig 描述 GRAPHQL_FETCH 使用的默认端点。
type GraphQLConfig struct {
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Headers  map[string]string `json:"headers" yaml:"headers"`
	Timeout  time.Duration     `json:"timeout" yaml:"timeout"`
}

// KnowledgeConfig 指定静态知识库文件。
type KnowledgeConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// EngineConfig 控制调度循环与推理循环的参数。
type EngineConfig struct {
	HopLimit      int           `json:"hop_limit" yaml:"hop_limit"`
	MaxIterations int           `json:"max_iterations" yaml:"max_iterations"`
	PlanRetries   int           `json:"plan_retries" yaml:"plan_retries"`
	SchedulerTick time.Duration `json:"scheduler_tick" yaml:"scheduler_tick"`
	GoalInterval  time.Duration `json:"goal_interval" yaml:"goal_interval"`
	Objective     string        `json:"objective" yaml:"objective"`
	Interactive   bool          `json:"interactive" yaml:"interactive"`
}

// APIConfig 控制 HTTP 接口，Address 为空时不启动。
type APIConfig struct {
	Address string `json:"address" yaml:"address"`
	Token   string `json:"token" yaml:"token"`
}

// AlertingConfig 控制错误告警。审计日志渠道总是启用，WebhookURL 非空时额外推送。
type AlertingConfig struct {
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	WebhookURL string            `json:"webhook_url" yaml:"webhook_url"`
	Headers    map[string]string `json:"headers" yaml:"headers"`
	Cooldown   time.Duration     `json:"cooldown" yaml:"cooldown"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Path 返回配置文件路径：优先使用环境变量 OPENGOAL_CONFIG。
func Path(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return defaultConfigPath
}

// Load 解析指定路径的配置文件。扩展名为 .yaml/.yml 时按 YAML 解析，否则按 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 使用环境变量覆盖敏感字段。
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		c.LLM.OpenAI.APIKey = v
	}
	if v := os.Getenv(EnvAnthropicKey); v != "" {
		c.LLM.Anthropic.APIKey = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Storage.Memory.Redis.Password = v
	}
	if v := os.Getenv(EnvJournalDSN); v != "" {
		c.Storage.Journal.SQL.DSN = v
	}
	if v := os.Getenv(EnvAMQPURL); v != "" {
		c.Events.AMQP.URL = v
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.API.Token = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")

	if c.LLM.Provider == "" {
		c.LLM.Provider = "python_bridge"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir, ".")
	if c.LLM.Python.ScriptPath != "" && !filepath.IsAbs(c.LLM.Python.ScriptPath) {
		c.LLM.Python.ScriptPath = filepath.Join(baseDir, c.LLM.Python.ScriptPath)
	}

	if c.Storage.Memory.Driver == "" {
		c.Storage.Memory.Driver = "memory"
	}
	if c.Storage.Journal.Enabled {
		if c.Storage.Journal.SQL.Driver == "" {
			c.Storage.Journal.SQL.Driver = "sqlite"
		}
		if c.Storage.Journal.SQL.DSN == "" && c.Storage.Journal.SQL.Driver == "sqlite" {
			c.Storage.Journal.SQL.DSN = filepath.Join(c.Runtime.DataDir, "journal.db")
		}
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.ReceiptTimeout <= 0 {
		c.Web3.ReceiptTimeout = 2 * time.Minute
	}
	if c.GraphQL.Timeout <= 0 {
		c.GraphQL.Timeout = 30 * time.Second
	}
	if c.Knowledge.Path != "" && !filepath.IsAbs(c.Knowledge.Path) {
		c.Knowledge.Path = filepath.Join(baseDir, c.Knowledge.Path)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Engine.HopLimit <= 0 {
		c.Engine.HopLimit = defaultHopLimit
	}
	if c.Engine.MaxIterations <= 0 {
		c.Engine.MaxIterations = defaultIterations
	}
	if c.Engine.PlanRetries <= 0 {
		c.Engine.PlanRetries = defaultPlanRetries
	}
	if c.Engine.SchedulerTick <= 0 {
		c.Engine.SchedulerTick = time.Second
	}
	if c.Engine.GoalInterval <= 0 {
		c.Engine.GoalInterval = 30 * time.Second
	}
	if c.Alerting.Cooldown <= 0 {
		c.Alerting.Cooldown = time.Minute
	}
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic", "python_bridge":
	default:
		return fmt.Errorf("不支持的大模型提供方 %q", c.LLM.Provider)
	}
	switch c.Storage.Memory.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("不支持的记忆存储 %q", c.Storage.Memory.Driver)
	}
	return nil
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
