package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host            string        // 监听地址，默认 "0.0.0.0"
	Port            int           // 监听端口，默认 8080
	ShutdownTimeout time.Duration // 优雅关闭的最长等待时间
	MaxBodyBytes    int64         // 请求体上限，默认 1MB
	RatePerMinute   int           // 每个客户端 IP 对写接口的每分钟请求上限，0 表示不限
}

// MailboxConfig 定义临时邮箱的业务配置
type MailboxConfig struct {
	AllowedDomains     []string // 允许创建邮箱的域名列表，第一个为默认域名
	DefaultExpireHours int      // 未指定时的有效期（小时），默认 24
	MaxExpireHours     int      // 允许的最长有效期（小时），默认 168
}

// DefaultDomain 返回默认域名
func (m MailboxConfig) DefaultDomain() string {
	if len(m.AllowedDomains) == 0 {
		return ""
	}
	return m.AllowedDomains[0]
}

// DirectoryConfig 定义上游账号目录（邮件服务器管理 API）的访问配置
type DirectoryConfig struct {
	APIURL    string        // API 根地址，例如 https://mail.example.com/api/v1/
	Token     string        // Bearer 令牌
	Timeout   time.Duration // 单次请求超时，默认 30 秒
	RateLimit float64       // 每秒请求数上限，<=0 表示不限速
	Burst     int
}

// Configured 判断目录客户端是否具备必需的地址与令牌
func (d DirectoryConfig) Configured() bool {
	return d.APIURL != "" && d.Token != ""
}

// IMAPConfig 定义邮箱轮询使用的 IMAP 服务器
type IMAPConfig struct {
	Host       string
	Port       int           // 默认 993
	UseSSL     bool          // 默认 true
	Timeout    time.Duration // 会话超时，默认 30 秒
	FetchLimit int           // 单次最多拉取的未读邮件数，默认 10
}

// SMTPConfig 定义对外发信使用的中继
type SMTPConfig struct {
	Provider             string // "smtp" 或 "ses"
	Host                 string
	Port                 int
	UseSSL               bool // 465 端口时使用隐式 TLS
	UseTLS               bool // 587 端口时使用 STARTTLS
	Timeout              time.Duration
	Username             string   // 白名单域名发信时使用的服务账号
	Password             string
	AllowedSenderDomains []string // 允许在没有本地邮箱时发信的域名
	RatePerMinute        int      // 每个发件人每分钟的发信上限
}

// SESConfig 定义 AWS SES v2 中继参数
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SchedulerConfig 定义周期任务节奏与各队列的并发度
type SchedulerConfig struct {
	Enabled         bool
	SweepInterval   time.Duration // 邮箱检查，默认 30 秒
	SyncInterval    time.Duration // 目录同步与统计刷新，默认 5 分钟
	CleanupInterval time.Duration // 过期清理，默认 24 小时
	TaskTimeout     time.Duration // 单个任务的执行上限
	QueueSize       int           // 每个队列的缓冲长度
	Workers         map[string]int
}

// CacheConfig 定义缓存键的过期时间
type CacheConfig struct {
	CodeTTL  time.Duration // code:{address}
	EmailTTL time.Duration // email:{address}
	StatsTTL time.Duration // stats:system
	LockTTL  time.Duration // lock:check:{address}
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到标准输出
}

// DatabaseConfig 定义数据库连接配置（支持 PostgreSQL、MySQL 和 SQLite）
type DatabaseConfig struct {
	Type            string // "postgres"、"mysql"、"sqlite"，留空使用内存存储
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig 定义 Redis 缓存服务配置，Address 为空时使用进程内缓存
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// JWTConfig 定义管理接口令牌配置，Secret 为空时管理接口关闭
type JWTConfig struct {
	Secret string
	Issuer string
	Expiry time.Duration
}

// SecurityConfig 定义敏感数据保护配置
type SecurityConfig struct {
	CredentialKey string // 邮箱密码落库加密密钥，留空则明文存储
}

// MonitoringConfig 定义告警检查配置
type MonitoringConfig struct {
	AlertInterval         time.Duration // 规则检查间隔，默认 1 分钟
	AlertWebhookURL       string        // 告警推送地址，留空只写日志
	ReconcileFailureLimit int64         // 目录同步连续失败多少次告警，默认 3
	TaskFailureBurst      int64         // 一个检查周期内最终失败的任务数阈值，默认 20
	QueueBacklogLimit     int           // 单队列积压阈值，默认 500
	MemoryLimitMB         float64       // 默认 512
}

// Config 是系统配置的根结构体
type Config struct {
	Server    ServerConfig
	Mailbox   MailboxConfig
	Directory DirectoryConfig
	IMAP      IMAPConfig
	SMTP      SMTPConfig
	SES       SESConfig
	Scheduler SchedulerConfig
	Cache     CacheConfig
	CORS      CORSConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Security  SecurityConfig
	Monitor   MonitoringConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（MAILCODE_ENV_FILE 指定的路径，或当前/父目录的 .env）
//  3. 默认值
//
// 环境变量前缀: MAILCODE_，例如 MAILCODE_IMAP_HOST、MAILCODE_DIRECTORY_API_URL
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("mailcode")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ShutdownTimeout: durationOr(v, "server.shutdown_timeout", 15*time.Second),
			MaxBodyBytes:    v.GetInt64("server.max_body_bytes"),
			RatePerMinute:   v.GetInt("server.rate_per_minute"),
		},
		Mailbox: MailboxConfig{
			AllowedDomains:     parseDomains(v.GetString("mailbox.allowed_domains")),
			DefaultExpireHours: v.GetInt("mailbox.default_expire_hours"),
			MaxExpireHours:     v.GetInt("mailbox.max_expire_hours"),
		},
		Directory: DirectoryConfig{
			APIURL:    strings.TrimSpace(v.GetString("directory.api_url")),
			Token:     strings.TrimSpace(v.GetString("directory.token")),
			Timeout:   durationOr(v, "directory.timeout", 30*time.Second),
			RateLimit: v.GetFloat64("directory.rate_limit"),
			Burst:     v.GetInt("directory.burst"),
		},
		IMAP: IMAPConfig{
			Host:       v.GetString("imap.host"),
			Port:       v.GetInt("imap.port"),
			UseSSL:     v.GetBool("imap.use_ssl"),
			Timeout:    durationOr(v, "imap.timeout", 30*time.Second),
			FetchLimit: v.GetInt("imap.fetch_limit"),
		},
		SMTP: SMTPConfig{
			Provider:             strings.ToLower(v.GetString("smtp.provider")),
			Host:                 v.GetString("smtp.host"),
			Port:                 v.GetInt("smtp.port"),
			UseSSL:               v.GetBool("smtp.use_ssl"),
			UseTLS:               v.GetBool("smtp.use_tls"),
			Timeout:              durationOr(v, "smtp.timeout", 30*time.Second),
			Username:             v.GetString("smtp.username"),
			Password:             v.GetString("smtp.password"),
			AllowedSenderDomains: parseDomains(v.GetString("smtp.allowed_sender_domains")),
			RatePerMinute:        v.GetInt("smtp.rate_per_minute"),
		},
		SES: SESConfig{
			Region:          v.GetString("ses.region"),
			AccessKeyID:     v.GetString("ses.access_key_id"),
			SecretAccessKey: v.GetString("ses.secret_access_key"),
		},
		Scheduler: SchedulerConfig{
			Enabled:         v.GetBool("scheduler.enabled"),
			SweepInterval:   durationOr(v, "scheduler.sweep_interval", 30*time.Second),
			SyncInterval:    durationOr(v, "scheduler.sync_interval", 5*time.Minute),
			CleanupInterval: durationOr(v, "scheduler.cleanup_interval", 24*time.Hour),
			TaskTimeout:     durationOr(v, "scheduler.task_timeout", 2*time.Minute),
			QueueSize:       v.GetInt("scheduler.queue_size"),
			Workers:         parseWorkers(v.GetString("scheduler.workers")),
		},
		Cache: CacheConfig{
			CodeTTL:  durationOr(v, "cache.code_ttl", time.Hour),
			EmailTTL: durationOr(v, "cache.email_ttl", 24*time.Hour),
			StatsTTL: durationOr(v, "cache.stats_ttl", 5*time.Minute),
			LockTTL:  durationOr(v, "cache.lock_ttl", 30*time.Second),
		},
		CORS: CORSConfig{
			AllowedOrigins: parseList(v.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(v.GetString("database.type")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durationOr(v, "database.conn_max_lifetime", 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: v.GetString("jwt.issuer"),
			Expiry: durationOr(v, "jwt.expiry", 12*time.Hour),
		},
		Security: SecurityConfig{
			CredentialKey: v.GetString("security.credential_key"),
		},
		Monitor: MonitoringConfig{
			AlertInterval:         durationOr(v, "monitor.alert_interval", time.Minute),
			AlertWebhookURL:       strings.TrimSpace(v.GetString("monitor.alert_webhook_url")),
			ReconcileFailureLimit: v.GetInt64("monitor.reconcile_failure_limit"),
			TaskFailureBurst:      v.GetInt64("monitor.task_failure_burst"),
			QueueBacklogLimit:     v.GetInt("monitor.queue_backlog_limit"),
			MemoryLimitMB:         v.GetFloat64("monitor.memory_limit_mb"),
		},
	}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.rate_per_minute", 60)
	v.SetDefault("mailbox.allowed_domains", "example.com")
	v.SetDefault("mailbox.default_expire_hours", 24)
	v.SetDefault("mailbox.max_expire_hours", 168)
	v.SetDefault("directory.api_url", "")
	v.SetDefault("directory.token", "")
	v.SetDefault("directory.timeout", "30s")
	v.SetDefault("directory.rate_limit", 10)
	v.SetDefault("directory.burst", 20)
	v.SetDefault("imap.host", "localhost")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.use_ssl", true)
	v.SetDefault("imap.timeout", "30s")
	v.SetDefault("imap.fetch_limit", 10)
	v.SetDefault("smtp.provider", "smtp")
	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.use_ssl", true)
	v.SetDefault("smtp.use_tls", true)
	v.SetDefault("smtp.timeout", "30s")
	v.SetDefault("smtp.allowed_sender_domains", "")
	v.SetDefault("smtp.rate_per_minute", 10)
	v.SetDefault("ses.region", "us-east-1")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.sweep_interval", "30s")
	v.SetDefault("scheduler.sync_interval", "5m")
	v.SetDefault("scheduler.cleanup_interval", "24h")
	v.SetDefault("scheduler.task_timeout", "2m")
	v.SetDefault("scheduler.queue_size", 1000)
	v.SetDefault("scheduler.workers", "")
	v.SetDefault("cache.code_ttl", "1h")
	v.SetDefault("cache.email_ttl", "24h")
	v.SetDefault("cache.stats_ttl", "5m")
	v.SetDefault("cache.lock_ttl", "30s")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("database.type", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "mailcode")
	v.SetDefault("jwt.expiry", "12h")
	v.SetDefault("security.credential_key", "")
	v.SetDefault("monitor.alert_interval", "1m")
	v.SetDefault("monitor.alert_webhook_url", "")
	v.SetDefault("monitor.reconcile_failure_limit", 3)
	v.SetDefault("monitor.task_failure_burst", 20)
	v.SetDefault("monitor.queue_backlog_limit", 500)
	v.SetDefault("monitor.memory_limit_mb", 512)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if len(c.Mailbox.AllowedDomains) == 0 {
		return fmt.Errorf("mailbox.allowed_domains must not be empty")
	}
	if c.Mailbox.DefaultExpireHours <= 0 {
		c.Mailbox.DefaultExpireHours = 24
	}
	if c.Mailbox.MaxExpireHours < c.Mailbox.DefaultExpireHours {
		c.Mailbox.MaxExpireHours = c.Mailbox.DefaultExpireHours
	}
	if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
		return fmt.Errorf("invalid imap.port: %d", c.IMAP.Port)
	}
	if c.IMAP.FetchLimit <= 0 {
		c.IMAP.FetchLimit = 10
	}
	switch c.SMTP.Provider {
	case "smtp", "ses":
	default:
		return fmt.Errorf("invalid smtp.provider %q: must be smtp or ses", c.SMTP.Provider)
	}
	switch c.Database.Type {
	case "", "memory", "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("invalid database.type %q", c.Database.Type)
	}
	if c.Database.Type != "" && c.Database.Type != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for database.type %q", c.Database.Type)
	}
	if c.JWT.Secret != "" && len(c.JWT.Secret) < 32 {
		// 管理接口可以关闭，但开启时密钥强度必须足够
		return fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}
	if c.Scheduler.QueueSize <= 0 {
		c.Scheduler.QueueSize = 1000
	}
	return nil
}

func durationOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// parseWorkers 解析队列并发度，格式 "mailbox_poll=8,code_extract=4"
//
// 无法解析的条目会被忽略，未出现的队列使用调度器的默认值。
func parseWorkers(value string) map[string]int {
	workers := make(map[string]int)
	for _, item := range parseList(value) {
		name, count, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(count), "%d", &n); err != nil || n <= 0 {
			continue
		}
		workers[strings.TrimSpace(name)] = n
	}
	return workers
}

// loadEnvFile 尝试加载 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	if path := os.Getenv("MAILCODE_ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
		return
	}

	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
