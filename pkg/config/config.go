package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

const (
	EventsDriverNone  = "none"
	EventsDriverKafka = "kafka"
	EventsDriverRedis = "redis"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	StoreDriver string

	Database     DatabaseConfig
	Redis        RedisConfig
	Auth         AuthConfig
	CORS         CORSConfig
	Log          LogConfig
	Workflow     WorkflowConfig
	Extraction   ExtractionConfig
	Gmail        GmailConfig
	Telegram     TelegramConfig
	SMTP         SMTPConfig
	Certificates CertificatesConfig
	Events       EventsConfig
	Tracing      TracingConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// AuthConfig secures operator and inbound endpoints.
type AuthConfig struct {
	JWTSecret             string
	PushVerificationToken string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// WorkflowConfig holds the approval workflow policy parameters.
type WorkflowConfig struct {
	ApprovalTTL          time.Duration
	ReminderBefore       time.Duration
	ExtractionTimeout    time.Duration
	GatewayTimeout       time.Duration
	IssuanceTimeout      time.Duration
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	SweepInterval        time.Duration
	StallAfter           time.Duration
	WorkerConcurrency    int
	AdmissionCacheTTL    time.Duration
}

// ExtractionConfig configures the LLM used to infer holder details.
type ExtractionConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// GmailConfig configures mailbox lookups and watch registration.
type GmailConfig struct {
	// CredentialsFile is a service account key with domain-wide delegation.
	CredentialsFile string
	Mailboxes       []string
	LabelID         string
	WatchTopic      string
}

// TelegramConfig configures the approval chat bot.
type TelegramConfig struct {
	BotToken      string
	ChatID        int64
	APIBaseURL    string
	WebhookSecret string
}

// SMTPConfig configures outbound COI delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Override redirects every COI to a fixed address (staging).
	Override string
}

// CertificatesConfig controls COI rendering, storage & download links.
type CertificatesConfig struct {
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
	PublicBaseURL   string
	ProducerName    string
	ClaimTTL        time.Duration
}

// EventsConfig selects where lifecycle events are published.
type EventsConfig struct {
	Driver       string
	KafkaBrokers []string
	Topic        string
	Stream       string
	StreamMaxLen int64
}

// TracingConfig toggles OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")
	cfg.StoreDriver = strings.ToLower(v.GetString("STORE_DRIVER"))

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Auth = AuthConfig{
		JWTSecret:             v.GetString("AUTH_JWT_SECRET"),
		PushVerificationToken: v.GetString("PUSH_VERIFICATION_TOKEN"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Workflow = WorkflowConfig{
		ApprovalTTL:          parseDuration(v.GetString("APPROVAL_TTL"), 24*time.Hour),
		ReminderBefore:       parseDuration(v.GetString("APPROVAL_REMINDER_BEFORE"), 0),
		ExtractionTimeout:    parseDuration(v.GetString("EXTRACTION_TIMEOUT"), 30*time.Second),
		GatewayTimeout:       parseDuration(v.GetString("GATEWAY_TIMEOUT"), 10*time.Second),
		IssuanceTimeout:      parseDuration(v.GetString("ISSUANCE_TIMEOUT"), time.Minute),
		RetryMaxAttempts:     v.GetInt("RETRY_MAX_ATTEMPTS"),
		RetryInitialInterval: parseDuration(v.GetString("RETRY_INITIAL_INTERVAL"), time.Second),
		RetryMaxInterval:     parseDuration(v.GetString("RETRY_MAX_INTERVAL"), 30*time.Second),
		SweepInterval:        parseDuration(v.GetString("SWEEP_INTERVAL"), time.Minute),
		StallAfter:           parseDuration(v.GetString("STALL_AFTER"), 10*time.Minute),
		WorkerConcurrency:    v.GetInt("WORKER_CONCURRENCY"),
		AdmissionCacheTTL:    parseDuration(v.GetString("ADMISSION_CACHE_TTL"), 72*time.Hour),
	}

	cfg.Extraction = ExtractionConfig{
		APIKey:    v.GetString("ANTHROPIC_API_KEY"),
		Model:     v.GetString("EXTRACTION_MODEL"),
		MaxTokens: v.GetInt("EXTRACTION_MAX_TOKENS"),
	}

	cfg.Gmail = GmailConfig{
		CredentialsFile: v.GetString("GMAIL_CREDENTIALS_FILE"),
		Mailboxes:       splitAndTrim(v.GetString("GMAIL_MAILBOXES")),
		LabelID:         v.GetString("GMAIL_LABEL_ID"),
		WatchTopic:      v.GetString("GMAIL_WATCH_TOPIC"),
	}

	cfg.Telegram = TelegramConfig{
		BotToken:      v.GetString("TELEGRAM_BOT_TOKEN"),
		ChatID:        v.GetInt64("TELEGRAM_CHAT_ID"),
		APIBaseURL:    v.GetString("TELEGRAM_API_BASE_URL"),
		WebhookSecret: v.GetString("TELEGRAM_WEBHOOK_SECRET"),
	}

	cfg.SMTP = SMTPConfig{
		Host:     v.GetString("SMTP_HOST"),
		Port:     v.GetInt("SMTP_PORT"),
		Username: v.GetString("SMTP_USERNAME"),
		Password: v.GetString("SMTP_PASSWORD"),
		From:     v.GetString("SMTP_FROM"),
		Override: v.GetString("SMTP_RECIPIENT_OVERRIDE"),
	}

	cfg.Certificates = CertificatesConfig{
		StorageDir:      v.GetString("CERTIFICATES_STORAGE_DIR"),
		SignedURLSecret: v.GetString("CERTIFICATES_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("CERTIFICATES_SIGNED_URL_TTL"), 7*24*time.Hour),
		PublicBaseURL:   strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		ProducerName:    v.GetString("CERTIFICATES_PRODUCER_NAME"),
		ClaimTTL:        parseDuration(v.GetString("CERTIFICATES_CLAIM_TTL"), 15*time.Minute),
	}

	cfg.Events = EventsConfig{
		Driver:       strings.ToLower(v.GetString("EVENTS_DRIVER")),
		KafkaBrokers: splitAndTrim(v.GetString("KAFKA_BROKERS")),
		Topic:        v.GetString("EVENTS_TOPIC"),
		Stream:       v.GetString("EVENTS_STREAM"),
		StreamMaxLen: v.GetInt64("EVENTS_STREAM_MAXLEN"),
	}

	cfg.Tracing = TracingConfig{
		Enabled:     v.GetBool("TRACING_ENABLED"),
		ServiceName: v.GetString("TRACING_SERVICE_NAME"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "coi_workflow")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("AUTH_JWT_SECRET", "dev_secret")
	v.SetDefault("PUSH_VERIFICATION_TOKEN", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("APPROVAL_TTL", "24h")
	v.SetDefault("APPROVAL_REMINDER_BEFORE", "0s")
	v.SetDefault("EXTRACTION_TIMEOUT", "30s")
	v.SetDefault("GATEWAY_TIMEOUT", "10s")
	v.SetDefault("ISSUANCE_TIMEOUT", "1m")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 4)
	v.SetDefault("RETRY_INITIAL_INTERVAL", "1s")
	v.SetDefault("RETRY_MAX_INTERVAL", "30s")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("STALL_AFTER", "10m")
	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("ADMISSION_CACHE_TTL", "72h")

	v.SetDefault("ANTHROPIC_API_KEY", "")
	v.SetDefault("EXTRACTION_MODEL", "claude-3-5-haiku-latest")
	v.SetDefault("EXTRACTION_MAX_TOKENS", 1024)

	v.SetDefault("GMAIL_CREDENTIALS_FILE", "")
	v.SetDefault("GMAIL_MAILBOXES", "")
	v.SetDefault("GMAIL_LABEL_ID", "INBOX")
	v.SetDefault("GMAIL_WATCH_TOPIC", "")

	v.SetDefault("TELEGRAM_BOT_TOKEN", "")
	v.SetDefault("TELEGRAM_CHAT_ID", 0)
	v.SetDefault("TELEGRAM_API_BASE_URL", "https://api.telegram.org")
	v.SetDefault("TELEGRAM_WEBHOOK_SECRET", "")

	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USERNAME", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("SMTP_FROM", "certificates@localhost")
	v.SetDefault("SMTP_RECIPIENT_OVERRIDE", "")

	v.SetDefault("CERTIFICATES_STORAGE_DIR", "./certificates")
	v.SetDefault("CERTIFICATES_SIGNED_URL_SECRET", "dev_certificates_secret")
	v.SetDefault("CERTIFICATES_SIGNED_URL_TTL", "168h")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("CERTIFICATES_PRODUCER_NAME", "Insurance Agency")
	v.SetDefault("CERTIFICATES_CLAIM_TTL", "15m")

	v.SetDefault("EVENTS_DRIVER", EventsDriverNone)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("EVENTS_TOPIC", "coi.request.events")
	v.SetDefault("EVENTS_STREAM", "coi:request:events")
	v.SetDefault("EVENTS_STREAM_MAXLEN", 100000)

	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_SERVICE_NAME", "coi-workflow")
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
