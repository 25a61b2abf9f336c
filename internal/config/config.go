package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/z-clinic/backend/internal/analysis/trigger"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	AI         AIConfig
	Storage    StorageConfig
	Simulation SimulationConfig
	Log        LogConfig
	Telemetry  TelemetryConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	simulation, err := loadSimulationConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	telemetry, err := loadTelemetryConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		AI:         ai,
		Storage:    StorageConfig{DBPath: getEnvOrDefault("DB_PATH", "data/simulator.db")},
		Simulation: simulation,
		Log:        logCfg,
		Telemetry:  telemetry,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}
	origins := splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"))

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins, ShutdownTimeout: shutdown}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins, ShutdownTimeout: shutdown}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey            string
	AccessKey         string
	SecretKey         string
	Model             string
	EvaluationModel   string
	BaseURL           string
	Region            string
	Temperature       *float64
	TopP              *float64
	MaxTokens         *int
	StreamResponse    bool
	ReplyTimeout      time.Duration
	EvaluationTimeout time.Duration
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建病人角色模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	return c.newArkModel(ctx, c.Model, c.Temperature)
}

// NewEvaluationModel 创建评估模型；未单独配置时复用对话模型。评估固定使用低温度。
func (c AIConfig) NewEvaluationModel(ctx context.Context) (model.ChatModel, error) {
	name := c.EvaluationModel
	if name == "" {
		name = c.Model
	}
	low := 0.2
	return c.newArkModel(ctx, name, &low)
}

func (c AIConfig) newArkModel(ctx context.Context, name string, temp *float64) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if temp != nil {
		val := float32(*temp)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       name,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	replyTimeout, err := parseDurationEnv("AI_REPLY_TIMEOUT", 60*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	evalTimeout, err := parseDurationEnv("AI_EVALUATION_TIMEOUT", 120*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:            strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:         strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:         strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:             strings.TrimSpace(os.Getenv("Model")),
		EvaluationModel:   strings.TrimSpace(os.Getenv("AI_EVALUATION_MODEL")),
		BaseURL:           getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:            getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:       temperature,
		TopP:              topP,
		MaxTokens:         maxTokens,
		StreamResponse:    stream,
		ReplyTimeout:      replyTimeout,
		EvaluationTimeout: evalTimeout,
	}, nil
}

// StorageConfig 描述 SQLite 存储位置，":memory:" 表示内存库。
type StorageConfig struct {
	DBPath string
}

// SimulationConfig 描述会话生命周期相关配置。
type SimulationConfig struct {
	// TriggerPhrases 非空时替换默认的结束触发词。
	TriggerPhrases  []string
	CasesFile       string
	ProgressTimeout time.Duration
}

// Triggers 构建全局触发词检测器。
func (c SimulationConfig) Triggers() *trigger.Detector {
	if len(c.TriggerPhrases) == 0 {
		return trigger.Default()
	}
	return trigger.New(c.TriggerPhrases)
}

func loadSimulationConfig() (SimulationConfig, error) {
	timeout, err := parseDurationEnv("PROGRESS_TIMEOUT", 10*time.Second)
	if err != nil {
		return SimulationConfig{}, err
	}

	return SimulationConfig{
		TriggerPhrases:  trigger.ParsePhrases(os.Getenv("TRIGGER_PHRASES")),
		CasesFile:       strings.TrimSpace(os.Getenv("CASES_FILE")),
		ProgressTimeout: timeout,
	}, nil
}

// LogConfig 控制日志文件输出与滚动。
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func loadLogConfig() (LogConfig, error) {
	cfg := LogConfig{
		File:       strings.TrimSpace(os.Getenv("LOG_FILE")),
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}

	for key, dst := range map[string]*int{
		"LOG_MAX_SIZE_MB":  &cfg.MaxSizeMB,
		"LOG_MAX_BACKUPS":  &cfg.MaxBackups,
		"LOG_MAX_AGE_DAYS": &cfg.MaxAgeDays,
	} {
		val, err := parseOptionalIntEnv(key)
		if err != nil {
			return LogConfig{}, err
		}
		if val != nil {
			if *val < 0 {
				return LogConfig{}, fmt.Errorf("invalid %s value %d: must not be negative", key, *val)
			}
			*dst = *val
		}
	}
	return cfg, nil
}

// TelemetryConfig 控制 OpenTelemetry 导出。
type TelemetryConfig struct {
	Enabled     bool
	Dir         string
	ServiceName string
}

func loadTelemetryConfig() (TelemetryConfig, error) {
	enabled, err := parseBoolEnv("OTEL_ENABLED", false)
	if err != nil {
		return TelemetryConfig{}, err
	}
	return TelemetryConfig{
		Enabled:     enabled,
		Dir:         getEnvOrDefault("OTEL_DIR", "logs"),
		ServiceName: getEnvOrDefault("OTEL_SERVICE_NAME", "z-clinic"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 同时接受 Go duration 字符串与纯秒数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
