package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.UsesPostgres() {
		t.Error("expected in-memory store without DB_HOST")
	}
	if cfg.EventSink != EventSinkLog {
		t.Errorf("EventSink = %q, want %q", cfg.EventSink, EventSinkLog)
	}
	if cfg.DispatchPollInterval != 10*time.Second {
		t.Errorf("DispatchPollInterval = %s, want 10s", cfg.DispatchPollInterval)
	}
	if cfg.DispatchBatchSize != 20 {
		t.Errorf("DispatchBatchSize = %d, want 20", cfg.DispatchBatchSize)
	}
	if cfg.SNSRegion != cfg.AWSRegion || cfg.SQSRegion != cfg.AWSRegion {
		t.Errorf("regions should default to AWS_REGION, got sns=%q sqs=%q", cfg.SNSRegion, cfg.SQSRegion)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("SNS_REGION", "us-east-1")
	t.Setenv("EVENT_SINK", "nats")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("NATS_SUBJECT_PREFIX", "courier")
	t.Setenv("DISPATCH_POLL_INTERVAL", "2s")
	t.Setenv("INAPP_TIMEOUT", "3")
	t.Setenv("CHANNEL_MODE", "log")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if !cfg.UsesPostgres() {
		t.Error("expected postgres with DB_HOST set")
	}
	if cfg.SNSRegion != "us-east-1" || cfg.SQSRegion != "eu-west-1" {
		t.Errorf("sns=%q sqs=%q", cfg.SNSRegion, cfg.SQSRegion)
	}
	if cfg.DispatchPollInterval != 2*time.Second {
		t.Errorf("DispatchPollInterval = %s", cfg.DispatchPollInterval)
	}
	if cfg.InAppTimeout != 3*time.Second {
		t.Errorf("InAppTimeout = %s", cfg.InAppTimeout)
	}
	if cfg.ChannelMode != ChannelModeLog {
		t.Errorf("ChannelMode = %q", cfg.ChannelMode)
	}
	if cfg.NATSSubjectPrefix != "courier" {
		t.Errorf("NATSSubjectPrefix = %q", cfg.NATSSubjectPrefix)
	}
}

func TestLoad_KafkaBrokers(t *testing.T) {
	t.Setenv("EVENT_SINK", "kafka")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.KafkaTopic != "notifications" {
		t.Errorf("KafkaTopic = %q", cfg.KafkaTopic)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"PORT": "http"}},
		{"bad duration", map[string]string{"DISPATCH_POLL_INTERVAL": "often"}},
		{"poll below minimum", map[string]string{"DISPATCH_POLL_INTERVAL": "500ms"}},
		{"zero batch", map[string]string{"DISPATCH_BATCH_SIZE": "0"}},
		{"unknown sink", map[string]string{"EVENT_SINK": "rabbitmq"}},
		{"kafka sink without brokers", map[string]string{"EVENT_SINK": "kafka"}},
		{"sns sink without topic", map[string]string{"EVENT_SINK": "sns"}},
		{"sqs sink without queue", map[string]string{"EVENT_SINK": "sqs"}},
		{"unknown channel mode", map[string]string{"CHANNEL_MODE": "dry-run"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
