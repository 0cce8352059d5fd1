package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := cfg.Dispatch
	if d.TickInterval != 5*time.Second || d.RoundDuration != 30*time.Second {
		t.Fatalf("unexpected timing defaults: %+v", d)
	}
	if d.InitialPoolSize != 15 || d.ExpansionIncrement != 10 || d.MaxRounds != 3 {
		t.Fatalf("unexpected policy defaults: %+v", d)
	}
	if cfg.MaxOfferPrice != 100000 || cfg.MaxOfferETAMinutes != 1440 {
		t.Fatalf("unexpected offer limits: %v %v", cfg.MaxOfferPrice, cfg.MaxOfferETAMinutes)
	}
	if cfg.DefaultRadiusKm != 20 || cfg.PaymentCurrency != "pln" {
		t.Fatalf("unexpected defaults: radius=%v currency=%q", cfg.DefaultRadiusKm, cfg.PaymentCurrency)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("DISPATCH_TICK_INTERVAL", "1s")
	t.Setenv("DISPATCH_MAX_ROUNDS", "5")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dispatch.TickInterval != time.Second || cfg.Dispatch.MaxRounds != 5 {
		t.Fatalf("overrides not applied: %+v", cfg.Dispatch)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.LogLevel != "debug" || !cfg.RunMigrations {
		t.Fatalf("unexpected level=%q migrate=%v", cfg.LogLevel, cfg.RunMigrations)
	}
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("DISPATCH_ROUND_DURATION", "soon")
	t.Setenv("DISPATCH_INITIAL_POOL_SIZE", "0")
	t.Setenv("FCM_ENDPOINT", "https://fcm.example/send")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"DISPATCH_ROUND_DURATION", "DISPATCH_INITIAL_POOL_SIZE", "FCM_KEY"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfigRequiresDSN(t *testing.T) {
	t.Setenv("PG_DSN", "")
	if _, err := LoadConsumerConfig(); err == nil || !strings.Contains(err.Error(), "PG_DSN") {
		t.Fatalf("expected PG_DSN error, got %v", err)
	}
	t.Setenv("PG_DSN", "postgres://localhost/roadside")
	t.Setenv("KAFKA_LOCATIONS_TOPIC", "locs")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.KafkaTopic != "locs" || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}
}
