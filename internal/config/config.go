package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service      ServiceConfig      `yaml:"service" json:"service"`
	Postgres     PostgresConfig     `yaml:"postgres" json:"postgres"`
	Redis        RedisConfig        `yaml:"redis" json:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka" json:"kafka"`
	RPC          RPCConfig          `yaml:"rpc" json:"rpc"`
	Ingestion    IngestionConfig    `yaml:"ingestion" json:"ingestion"`
	Confirmation ConfirmationConfig `yaml:"confirmation" json:"confirmation"`
	Outbound     OutboundConfig     `yaml:"outbound" json:"outbound"`
	Notification NotificationConfig `yaml:"notification" json:"notification"`
	Invoice      InvoiceConfig      `yaml:"invoice" json:"invoice"`
	Keystore     KeystoreConfig     `yaml:"keystore" json:"keystore"`
	Scheduler    SchedulerConfig    `yaml:"scheduler" json:"scheduler"`
	Log          LogConfig          `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置，Brokers 为空时不发布事件
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// RPCConfig 链 RPC 客户端配置
type RPCConfig struct {
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	RetryInterval    time.Duration `yaml:"retry_interval" json:"retry_interval"`
	CallTimeout      time.Duration `yaml:"call_timeout" json:"call_timeout"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout" json:"open_timeout"`
}

// IngestionConfig 区块同步配置
type IngestionConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval" json:"poll_interval"`
	RestartDelay         time.Duration `yaml:"restart_delay" json:"restart_delay"`
	GapThreshold         int64         `yaml:"gap_threshold" json:"gap_threshold"`
	BackfillWindow       int64         `yaml:"backfill_window" json:"backfill_window"`
	MaxBackfillDepth     int           `yaml:"max_backfill_depth" json:"max_backfill_depth"`
	TxMaxAttempts        int           `yaml:"tx_max_attempts" json:"tx_max_attempts"`
	TxRetryBaseDelay     time.Duration `yaml:"tx_retry_base_delay" json:"tx_retry_base_delay"`
	TxRetryMaxDelay      time.Duration `yaml:"tx_retry_max_delay" json:"tx_retry_max_delay"`
	DefaultConfirmations int           `yaml:"default_confirmations" json:"default_confirmations"`
	ChainLeaseTTL        time.Duration `yaml:"chain_lease_ttl" json:"chain_lease_ttl"`
	ReloadInterval       time.Duration `yaml:"reload_interval" json:"reload_interval"`
}

// ConfirmationConfig 区块确认配置
type ConfirmationConfig struct {
	BatchSize int           `yaml:"batch_size" json:"batch_size"`
	Cron      string        `yaml:"cron" json:"cron"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	LockTTL   time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

// OutboundConfig 出账队列配置
type OutboundConfig struct {
	BatchSize         int           `yaml:"batch_size" json:"batch_size"`
	StuckAfter        time.Duration `yaml:"stuck_after" json:"stuck_after"`
	MinAge            time.Duration `yaml:"min_age" json:"min_age"`
	MaxFailedTimes    int           `yaml:"max_failed_times" json:"max_failed_times"`
	AccountLockTTL    time.Duration `yaml:"account_lock_ttl" json:"account_lock_ttl"`
	AccountLockWait   time.Duration `yaml:"account_lock_wait" json:"account_lock_wait"`
	NativeTransferGas uint64        `yaml:"native_transfer_gas" json:"native_transfer_gas"`
	Cron              string        `yaml:"cron" json:"cron"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
}

// NotificationConfig 通知配置
type NotificationConfig struct {
	BatchSize      int           `yaml:"batch_size" json:"batch_size"`
	MaxFailedTimes int           `yaml:"max_failed_times" json:"max_failed_times"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	Cron           string        `yaml:"cron" json:"cron"`
	JobTimeout     time.Duration `yaml:"job_timeout" json:"job_timeout"`
}

// InvoiceConfig 账单配置
type InvoiceConfig struct {
	FactoryAddress string `yaml:"factory_address" json:"factory_address"`
	// NativeInitCode 原生币账单合约字节码，构造参数 (collection)
	NativeInitCode string `yaml:"native_init_code" json:"native_init_code"`
	// TokenInitCode ERC20 账单合约字节码，构造参数 (token, collection)
	TokenInitCode string `yaml:"token_init_code" json:"token_init_code"`

	GatherGas uint64        `yaml:"gather_gas" json:"gather_gas"`
	BatchSize int           `yaml:"batch_size" json:"batch_size"`
	Cron      string        `yaml:"cron" json:"cron"`
	LockTTL   time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

// KeystoreConfig 私钥加密配置
type KeystoreConfig struct {
	Passphrase string `yaml:"passphrase" json:"passphrase"`
	// Light 使用轻量 scrypt 参数
	Light bool `yaml:"light" json:"light"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析配置内容
func Parse(data []byte) (*Config, error) {
	// 环境变量替换
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	offset := 0
	for {
		start := strings.Index(result[offset:], "${")
		if start == -1 {
			break
		}
		start += offset
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
		// 替换结果不再展开
		offset = start + len(value)
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "gmfi-chain"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8090
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if len(cfg.Redis.Addresses) == 0 {
		cfg.Redis.Addresses = []string{"localhost:6379"}
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.RPC.MaxRetries == 0 {
		cfg.RPC.MaxRetries = 3
	}
	if cfg.RPC.RetryInterval == 0 {
		cfg.RPC.RetryInterval = time.Second
	}
	if cfg.RPC.CallTimeout == 0 {
		cfg.RPC.CallTimeout = 16 * time.Second
	}
	if cfg.RPC.FailureThreshold == 0 {
		cfg.RPC.FailureThreshold = 5
	}
	if cfg.RPC.OpenTimeout == 0 {
		cfg.RPC.OpenTimeout = 30 * time.Second
	}

	if cfg.Ingestion.PollInterval == 0 {
		cfg.Ingestion.PollInterval = 2 * time.Second
	}
	if cfg.Ingestion.RestartDelay == 0 {
		cfg.Ingestion.RestartDelay = time.Second
	}
	if cfg.Ingestion.GapThreshold == 0 {
		cfg.Ingestion.GapThreshold = 21
	}
	if cfg.Ingestion.BackfillWindow == 0 {
		cfg.Ingestion.BackfillWindow = 22
	}
	if cfg.Ingestion.MaxBackfillDepth == 0 {
		cfg.Ingestion.MaxBackfillDepth = 32
	}
	if cfg.Ingestion.TxMaxAttempts == 0 {
		cfg.Ingestion.TxMaxAttempts = 5
	}
	if cfg.Ingestion.TxRetryBaseDelay == 0 {
		cfg.Ingestion.TxRetryBaseDelay = time.Second
	}
	if cfg.Ingestion.TxRetryMaxDelay == 0 {
		cfg.Ingestion.TxRetryMaxDelay = 16 * time.Second
	}
	if cfg.Ingestion.DefaultConfirmations == 0 {
		cfg.Ingestion.DefaultConfirmations = 18
	}
	if cfg.Ingestion.ChainLeaseTTL == 0 {
		cfg.Ingestion.ChainLeaseTTL = 30 * time.Second
	}
	if cfg.Ingestion.ReloadInterval == 0 {
		cfg.Ingestion.ReloadInterval = 5 * time.Second
	}

	if cfg.Confirmation.BatchSize == 0 {
		cfg.Confirmation.BatchSize = 8
	}
	if cfg.Confirmation.Cron == "" {
		cfg.Confirmation.Cron = "*/2 * * * * *"
	}
	if cfg.Confirmation.Timeout == 0 {
		cfg.Confirmation.Timeout = 64 * time.Second
	}
	if cfg.Confirmation.LockTTL == 0 {
		cfg.Confirmation.LockTTL = 32 * time.Second
	}

	if cfg.Outbound.BatchSize == 0 {
		cfg.Outbound.BatchSize = 8
	}
	if cfg.Outbound.StuckAfter == 0 {
		cfg.Outbound.StuckAfter = 16 * time.Minute
	}
	if cfg.Outbound.MinAge == 0 {
		cfg.Outbound.MinAge = 4 * time.Second
	}
	if cfg.Outbound.MaxFailedTimes == 0 {
		cfg.Outbound.MaxFailedTimes = 32
	}
	if cfg.Outbound.AccountLockTTL == 0 {
		cfg.Outbound.AccountLockTTL = 4 * time.Second
	}
	if cfg.Outbound.AccountLockWait == 0 {
		cfg.Outbound.AccountLockWait = 4 * time.Second
	}
	if cfg.Outbound.NativeTransferGas == 0 {
		cfg.Outbound.NativeTransferGas = 21000
	}
	if cfg.Outbound.Cron == "" {
		cfg.Outbound.Cron = "* * * * * *"
	}
	if cfg.Outbound.Timeout == 0 {
		cfg.Outbound.Timeout = 64 * time.Second
	}

	if cfg.Notification.BatchSize == 0 {
		cfg.Notification.BatchSize = 4
	}
	if cfg.Notification.MaxFailedTimes == 0 {
		cfg.Notification.MaxFailedTimes = 32
	}
	if cfg.Notification.Timeout == 0 {
		cfg.Notification.Timeout = 8 * time.Second
	}
	if cfg.Notification.Cron == "" {
		cfg.Notification.Cron = "* * * * * *"
	}
	if cfg.Notification.JobTimeout == 0 {
		cfg.Notification.JobTimeout = 32 * time.Second
	}

	if cfg.Invoice.FactoryAddress == "" {
		cfg.Invoice.FactoryAddress = "0x9Dd64C6cC93dDb9719d43815fE8017174f29475d"
	}
	if cfg.Invoice.GatherGas == 0 {
		cfg.Invoice.GatherGas = 160000
	}
	if cfg.Invoice.BatchSize == 0 {
		cfg.Invoice.BatchSize = 4
	}
	if cfg.Invoice.Cron == "" {
		cfg.Invoice.Cron = "* * * * * *"
	}
	if cfg.Invoice.LockTTL == 0 {
		cfg.Invoice.LockTTL = 16 * time.Second
	}

	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 4
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
