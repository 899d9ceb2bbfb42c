package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS services. AWSEndpoint points the SDK clients at a local emulator.
	AWSRegion   string
	AWSEndpoint string

	// Queues
	ReceiptQueueURL  string
	RetryQueueURL    string
	CallbackQueueURL string

	// SNS topic that queue-channel callbacks are published to
	StatusTopicARN string

	// Analytics stream
	KafkaBrokers []string
	KafkaTopic   string

	// Tracing
	OTLPEndpoint string
	ServiceName  string

	// Secrets
	SecretKey         string // seals callback secrets and task snapshots
	SigningKey        string // HMAC key for notification-level callbacks
	PinpointAPIKey    string
	TwilioAuthToken   string
	AdminToken        string
	PublicBaseURL     string // external URL Twilio signs requests against
	ReceiptsRateLimit int    // requests per minute per client IP

	// Pipeline
	GraceWindow       time.Duration
	WorkerConcurrency int
	WebhookTimeout    time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "lalithlochan",
		DBPassword: "",
		DBName:     "nimbus",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion: "us-east-1",

		KafkaTopic:  "notification-status-events",
		ServiceName: "nimbus-receipts",

		ReceiptsRateLimit: 600,
		GraceWindow:       5 * time.Minute,
		WorkerConcurrency: 4,
		WebhookTimeout:    5 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT_URL")
	cfg.ReceiptQueueURL = os.Getenv("RECEIPT_QUEUE_URL")
	cfg.RetryQueueURL = os.Getenv("RETRY_QUEUE_URL")
	cfg.CallbackQueueURL = os.Getenv("CALLBACK_QUEUE_URL")
	cfg.StatusTopicARN = os.Getenv("STATUS_TOPIC_ARN")

	if cfg.RetryQueueURL == "" {
		cfg.RetryQueueURL = cfg.ReceiptQueueURL
	}

	// Kafka config
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		cfg.KafkaTopic = topic
	}

	// Tracing config
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		cfg.ServiceName = name
	}

	// Secrets
	cfg.SecretKey = os.Getenv("SECRET_KEY")
	cfg.SigningKey = os.Getenv("CALLBACK_SIGNING_KEY")
	cfg.PinpointAPIKey = os.Getenv("PINPOINT_API_KEY")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.PublicBaseURL = strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/")

	if limit := os.Getenv("RECEIPTS_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RECEIPTS_RATE_LIMIT: %w", err)
		}
		cfg.ReceiptsRateLimit = l
	}

	// Pipeline config
	if grace := os.Getenv("GRACE_WINDOW"); grace != "" {
		d, err := time.ParseDuration(grace)
		if err != nil {
			return nil, fmt.Errorf("invalid GRACE_WINDOW: %w", err)
		}
		cfg.GraceWindow = d
	}

	if n := os.Getenv("DB_MAX_CONNS"); n != "" {
		c, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
		}
		cfg.DBMaxConns = c
	}

	if n := os.Getenv("WORKER_CONCURRENCY"); n != "" {
		c, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = c
	}

	// Webhook timeout in seconds
	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = time.Duration(t) * time.Second
	}

	if cfg.Env == "production" {
		if err := cfg.validateProduction(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) validateProduction() error {
	var errs []error
	if c.SecretKey == "" {
		errs = append(errs, errors.New("SECRET_KEY is required"))
	}
	if c.SigningKey == "" {
		errs = append(errs, errors.New("CALLBACK_SIGNING_KEY is required"))
	}
	if c.ReceiptQueueURL == "" {
		errs = append(errs, errors.New("RECEIPT_QUEUE_URL is required"))
	}
	if c.CallbackQueueURL == "" {
		errs = append(errs, errors.New("CALLBACK_QUEUE_URL is required"))
	}
	return errors.Join(errs...)
}

// RedisAddr returns host:port.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
