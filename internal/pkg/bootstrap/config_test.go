package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store.Driver = "bolt" }, "store.driver"},
		{"unknown lock", func(c *Config) { c.Lock.Backend = "etcd" }, "lock.backend"},
		{"redis without addr", func(c *Config) { c.Lock.Backend = "redis"; c.Infra.Redis.Addr = "" }, "infra.redis.addr"},
		{"zookeeper without servers", func(c *Config) { c.Lock.Backend = "zookeeper" }, "infra.zookeeper.servers"},
		{"zero saga timeout", func(c *Config) { c.Saga.Timeout = 0 }, "timeouts"},
		{"zero attempts", func(c *Config) { c.Saga.CompensationAttempts = 0 }, "attempts"},
		{"quorum above carriers", func(c *Config) { c.Saga.CarrierQuorum = 4 }, "carrier_quorum"},
		{"no carriers", func(c *Config) { c.Saga.Carriers = nil }, "carriers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.yaml")
	yaml := `
app:
  port: 9000
saga:
  timeout: 30s
  carriers: [a, b]
  carrier_quorum: 1
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("LOCK_BACKEND", "redis")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Port != 9000 || cfg.Saga.Timeout != 30*time.Second || cfg.Saga.CarrierQuorum != 1 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Saga.StepAttempts != 3 {
		t.Fatalf("defaults should survive partial files, got %d", cfg.Saga.StepAttempts)
	}
	if len(cfg.Infra.Kafka.Brokers) != 2 || cfg.Infra.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers: %v", cfg.Infra.Kafka.Brokers)
	}
	if cfg.Lock.Backend != "redis" {
		t.Fatalf("lock backend: %s", cfg.Lock.Backend)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Port != Default().App.Port {
		t.Fatalf("port: %d", cfg.App.Port)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("HTTP_PORT", "eighty")
	if _, err := Load(""); err == nil {
		t.Fatal("expected invalid HTTP_PORT error")
	}
}

func TestMySQLDSN(t *testing.T) {
	cfg := Default()
	cfg.Store.MySQL.Password = "secret"
	dsn, err := cfg.MySQLDSN()
	if err != nil {
		t.Fatalf("MySQLDSN: %v", err)
	}
	for _, want := range []string{"root:secret@tcp(localhost:3306)/orders", "parseTime=true"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}

	cfg.Store.MySQL.DSN = "app:pw@tcp(db:3306)/shop"
	dsn, err = cfg.MySQLDSN()
	if err != nil {
		t.Fatalf("MySQLDSN explicit: %v", err)
	}
	if !strings.HasPrefix(dsn, "app:pw@tcp(db:3306)/shop") || !strings.Contains(dsn, "parseTime=true") {
		t.Fatalf("explicit dsn not normalised: %q", dsn)
	}

	cfg.Store.MySQL.DSN = "not a dsn"
	if _, err := cfg.MySQLDSN(); err == nil {
		t.Fatal("expected parse error")
	}
}
