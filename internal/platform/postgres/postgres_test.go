package postgres

import (
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/oe")
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "4")
	t.Setenv("DATABASE_MAX_IDLE_CONNS", "2")
	t.Setenv("DATABASE_PING_TIMEOUT", "500ms")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.URL != "postgres://u:p@db:5432/oe" || cfg.MaxOpenConns != 4 || cfg.PingTimeout != 500*time.Millisecond {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestConfigValidateRejectsIdleAboveOpen(t *testing.T) {
	cfg := Config{URL: "postgres://x", PingTimeout: time.Second, MaxOpenConns: 1, MaxIdleConns: 2}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error")
	}
}

func TestConnConfigRuntimeParams(t *testing.T) {
	cfg := Config{
		URL:              "postgres://u:p@localhost:5432/oe?sslmode=disable",
		ApplicationName:  "openearth-import",
		StatementTimeout: 90 * time.Second,
	}
	connCfg, err := cfg.connConfig()
	if err != nil {
		t.Fatalf("connConfig() err=%v", err)
	}
	if connCfg.RuntimeParams["application_name"] != "openearth-import" {
		t.Fatalf("application_name = %q", connCfg.RuntimeParams["application_name"])
	}
	if connCfg.RuntimeParams["statement_timeout"] != "90000" {
		t.Fatalf("statement_timeout = %q", connCfg.RuntimeParams["statement_timeout"])
	}
	if connCfg.Database != "oe" {
		t.Fatalf("database = %q", connCfg.Database)
	}
}
