package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("COOKIES", "unb=42; cna=x")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ACCESS_TOKEN", "token")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Queue.Workers != 10 || cfg.Queue.MaxAttempts != 5 || cfg.Queue.Prefix != "xianyu" {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Batch.Window != 5*time.Second || cfg.Batch.FlushInterval != 100*time.Millisecond || cfg.Batch.HistoryLimit != 5 {
		t.Errorf("batch = %+v", cfg.Batch)
	}
	if cfg.Batch.StaleAfter != 5*time.Minute {
		t.Errorf("StaleAfter = %v", cfg.Batch.StaleAfter)
	}
	if cfg.Session.HeartbeatInterval != 15*time.Second || cfg.Session.HeartbeatTimeout != 5*time.Second {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Orders.MarkerTTL != 10*time.Second || cfg.Orders.ReconcileInterval != 10*time.Second {
		t.Errorf("orders = %+v", cfg.Orders)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Reply.Provider != "openai" {
		t.Errorf("driver/provider = %q/%q", cfg.Database.Driver, cfg.Reply.Provider)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("BATCH_WINDOW", "2.5")
	t.Setenv("HEARTBEAT_INTERVAL", "30s")
	t.Setenv("GEOIP_ENABLED", "yes")
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/agent")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Workers != 3 {
		t.Errorf("Workers = %d", cfg.Queue.Workers)
	}
	if cfg.Batch.Window != 2500*time.Millisecond {
		t.Errorf("Window = %v", cfg.Batch.Window)
	}
	if cfg.Session.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.Session.HeartbeatInterval)
	}
	if !cfg.GeoIP.Enabled || cfg.Database.Driver != "postgres" {
		t.Errorf("geoip/driver = %v/%q", cfg.GeoIP.Enabled, cfg.Database.Driver)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Setenv("COOKIES", "")
	t.Setenv("WORKER_COUNT", "0")
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("REPLY_PROVIDER", "dify")
	t.Setenv("DIFY_API_KEY", "")
	t.Setenv("ACCESS_TOKEN", "")
	t.Setenv("TOKEN_URL", "")
	t.Setenv("MARKER_TTL", "500us")
	t.Setenv("RECONCILE_INTERVAL", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("Load succeeded with invalid configuration")
	}
	for _, want := range []string{"COOKIES", "WORKER_COUNT", "DB_DRIVER", "DIFY_API_KEY", "TOKEN_URL", "MARKER_TTL", "RECONCILE_INTERVAL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestGetEnvDurationFallsBack(t *testing.T) {
	t.Setenv("SOME_DURATION", "soon")
	if got := getEnvDuration("SOME_DURATION", time.Minute); got != time.Minute {
		t.Errorf("getEnvDuration = %v, want fallback", got)
	}
}

func TestSubSecondMarkerTTLIsAccepted(t *testing.T) {
	setRequired(t)
	t.Setenv("MARKER_TTL", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orders.MarkerTTL != 500*time.Millisecond {
		t.Errorf("MarkerTTL = %v, want 500ms", cfg.Orders.MarkerTTL)
	}
}
