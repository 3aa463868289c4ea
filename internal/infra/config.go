package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

// Config: корневая структура конфигурации оркестратора и консоли.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Agents   []AgentConfig  `mapstructure:"agents"`
}

// ServerConfig описывает настройки HTTP-серверов.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ConsolePort  int           `mapstructure:"console_port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig: URL — журнал запусков, Prisms — DSN каждой призмы.
type DatabaseConfig struct {
	URL      string            `mapstructure:"url"`
	MaxConns int32             `mapstructure:"max_conns"`
	MinConns int32             `mapstructure:"min_conns"`
	Prisms   map[string]string `mapstructure:"prisms"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и Cache).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит ключи подписи и настройки токенов.
// Если задан HMACSecret, используется HS256, иначе RS256 по ключам.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для консоли
	HMACSecret     string        `mapstructure:"hmac_secret"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
	AgentKey       string        `mapstructure:"agent_key"` // Общий ключ для gRPC-агентов
	PublicKey      []byte
	PrivateKey     []byte
}

// EngineConfig: дедлайны, буферы и параметры надежности оркестратора.
type EngineConfig struct {
	RunDeadline         time.Duration `mapstructure:"run_deadline"`
	StageTimeout        time.Duration `mapstructure:"stage_timeout"`
	CoordinateDeadline  time.Duration `mapstructure:"coordinate_deadline"`
	CollaborateDeadline time.Duration `mapstructure:"collaborate_deadline"`

	EventBufferSize  int `mapstructure:"event_buffer_size"`
	HistoryMaxEvents int `mapstructure:"history_max_events"`

	JournalBufferSize    int           `mapstructure:"journal_buffer_size"`
	JournalFlushInterval time.Duration `mapstructure:"journal_flush_interval"`

	// Значения по умолчанию для брейкеров агентов
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	DefaultAttempts  int           `mapstructure:"default_attempts"`

	ResultStore string        `mapstructure:"result_store"` // memory, redis
	ResultTTL   time.Duration `mapstructure:"result_ttl"`
}

// ExecutorConfig: защита соединений с призмами.
type ExecutorConfig struct {
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"` // запросов в секунду на призму
	RateBurst     int           `mapstructure:"rate_burst"`
	Attempts      uint          `mapstructure:"attempts"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// AgentTransport: способ вызова агента.
type AgentTransport string

const (
	TransportLocal AgentTransport = "local"
	TransportGRPC  AgentTransport = "grpc"
)

// AgentConfig: запись реестра агентов. Kind ограничен набором стадий.
type AgentConfig struct {
	Name             string         `mapstructure:"name"`
	Kind             domain.Stage   `mapstructure:"kind"`
	Transport        AgentTransport `mapstructure:"transport"`
	Endpoint         string         `mapstructure:"endpoint"`
	Attempts         int            `mapstructure:"attempts"`
	Timeout          time.Duration  `mapstructure:"timeout"`
	Optional         bool           `mapstructure:"optional"`
	Disabled         bool           `mapstructure:"disabled"` // Начальное состояние kill-switch
	FailureThreshold int            `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration  `mapstructure:"reset_timeout"`
}

var ErrInvalidAgentConfig = errors.New("invalid agent config")

// Validate проверяет одну запись. Нулевые Attempts/Transport заполняются в applyAgentDefaults.
func (a AgentConfig) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidAgentConfig)
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: agent %s: unknown kind %q", ErrInvalidAgentConfig, a.Name, a.Kind)
	}
	switch a.Transport {
	case TransportLocal:
	case TransportGRPC:
		if a.Endpoint == "" {
			return fmt.Errorf("%w: agent %s: grpc transport requires endpoint", ErrInvalidAgentConfig, a.Name)
		}
	default:
		return fmt.Errorf("%w: agent %s: unknown transport %q", ErrInvalidAgentConfig, a.Name, a.Transport)
	}
	if a.Attempts < 1 {
		return fmt.Errorf("%w: agent %s: attempts must be >= 1", ErrInvalidAgentConfig, a.Name)
	}
	if a.Timeout < 0 || a.ResetTimeout < 0 || a.FailureThreshold < 0 {
		return fmt.Errorf("%w: agent %s: negative limits", ErrInvalidAgentConfig, a.Name)
	}
	return nil
}

// Validate проверяет реестр целиком: записи и уникальность имен.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Agents))
	for _, a := range c.Agents {
		if err := a.Validate(); err != nil {
			return err
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("%w: duplicate agent name %q", ErrInvalidAgentConfig, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	switch c.Engine.ResultStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown result store %q", c.Engine.ResultStore)
	}
	return nil
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	return load(v)
}

// LoadConfigFile читает конфигурацию из явного пути (флаг -config, тесты).
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// 2. Переменные окружения: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	applyAgentDefaults(&cfg)

	// 6. Валидация реестра агентов при загрузке
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 7. Ключи из ENV (Docker/K8s) или из файла по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.console_port", 8000)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 0) // SSE держит соединение открытым
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.access_ttl", 3600*time.Second)
	v.SetDefault("auth.refresh_ttl", 604800*time.Second)
	v.SetDefault("auth.rate_limit", 10)
	v.SetDefault("auth.rate_window", time.Minute)
	v.SetDefault("engine.run_deadline", 30*time.Second)
	v.SetDefault("engine.stage_timeout", 10*time.Second)
	v.SetDefault("engine.coordinate_deadline", 5*time.Second)
	v.SetDefault("engine.collaborate_deadline", 5*time.Second)
	v.SetDefault("engine.event_buffer_size", 64)
	v.SetDefault("engine.history_max_events", 1000)
	v.SetDefault("engine.journal_buffer_size", 1000)
	v.SetDefault("engine.journal_flush_interval", 1*time.Second)
	v.SetDefault("engine.failure_threshold", 5)
	v.SetDefault("engine.reset_timeout", 30*time.Second)
	v.SetDefault("engine.default_attempts", 2)
	v.SetDefault("engine.result_store", "memory")
	v.SetDefault("engine.result_ttl", time.Hour)
	v.SetDefault("executor.cb_max_requests", 1)
	v.SetDefault("executor.cb_interval", 60*time.Second)
	v.SetDefault("executor.cb_timeout", 30*time.Second)
	v.SetDefault("executor.rate_limit", 50)
	v.SetDefault("executor.rate_burst", 10)
	v.SetDefault("executor.attempts", 3)
	v.SetDefault("executor.cache_ttl", 5*time.Minute)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

func applyAgentDefaults(cfg *Config) {
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.Transport == "" {
			a.Transport = TransportLocal
		}
		if a.Attempts == 0 {
			a.Attempts = cfg.Engine.DefaultAttempts
		}
		if a.FailureThreshold == 0 {
			a.FailureThreshold = cfg.Engine.FailureThreshold
		}
		if a.ResetTimeout == 0 {
			a.ResetTimeout = cfg.Engine.ResetTimeout
		}
	}
}

// loadKeyResource: PEM из ENV имеет приоритет над файлом.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
