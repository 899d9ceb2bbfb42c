package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 || cfg.GraceWindow != 5*time.Minute || cfg.WorkerConcurrency != 4 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.WebhookTimeout != 5*time.Second {
		t.Errorf("expected 5s webhook timeout, got %s", cfg.WebhookTimeout)
	}
	if cfg.KafkaTopic != "notification-status-events" {
		t.Errorf("unexpected kafka topic %q", cfg.KafkaTopic)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("PORT", "9090")
	t.Setenv("GRACE_WINDOW", "90s")
	t.Setenv("WEBHOOK_TIMEOUT", "3")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("RECEIPT_QUEUE_URL", "https://sqs.local/receipts")
	t.Setenv("RETRY_QUEUE_URL", "")
	t.Setenv("PUBLIC_BASE_URL", "https://receipts.example.com/")
	t.Setenv("DB_MAX_CONNS", "40")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 || cfg.GraceWindow != 90*time.Second || cfg.WebhookTimeout != 3*time.Second {
		t.Errorf("unexpected overrides %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.RetryQueueURL != cfg.ReceiptQueueURL {
		t.Error("retry queue should default to the receipt queue")
	}
	if cfg.PublicBaseURL != "https://receipts.example.com" {
		t.Errorf("unexpected base url %q", cfg.PublicBaseURL)
	}
	if cfg.DBMaxConns != 40 {
		t.Errorf("expected 40 max conns, got %d", cfg.DBMaxConns)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"PORT":               "eighty",
		"GRACE_WINDOW":       "five minutes",
		"WORKER_CONCURRENCY": "many",
		"REDIS_PORT":         "x",
		"DB_MAX_CONNS":       "lots",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("SECRET_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected production validation error")
	}

	t.Setenv("SECRET_KEY", "s")
	t.Setenv("CALLBACK_SIGNING_KEY", "k")
	t.Setenv("RECEIPT_QUEUE_URL", "q")
	t.Setenv("CALLBACK_QUEUE_URL", "c")
	if _, err := Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
