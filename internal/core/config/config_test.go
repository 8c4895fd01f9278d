package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_TTLFollowsEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IndexTTL != 24*time.Hour || cfg.CatalogTTL != 24*time.Hour {
		t.Fatalf("production ttl: index=%v catalog=%v", cfg.IndexTTL, cfg.CatalogTTL)
	}

	t.Setenv("ENVIRONMENT", "preview")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IndexTTL != time.Minute || cfg.CatalogTTL != time.Minute {
		t.Fatalf("preview ttl: index=%v catalog=%v", cfg.IndexTTL, cfg.CatalogTTL)
	}
}

func TestLoad_ExplicitTTLWins(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("INDEX_TTL", "90s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IndexTTL != 90*time.Second {
		t.Fatalf("index ttl=%v want 90s", cfg.IndexTTL)
	}
	if cfg.CatalogTTL != 24*time.Hour {
		t.Fatalf("catalog ttl=%v want 24h", cfg.CatalogTTL)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	body := "addr: \":9999\"\nindex_concurrency: 12\ns3:\n  bucket: from-yaml\nrowcap:\n  baseline: 2000\n  ceiling: 4000\n  floor: 250\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("INDEX_CONCURRENCY", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.S3.Bucket != "from-yaml" {
		t.Fatalf("bucket=%q", cfg.S3.Bucket)
	}
	if cfg.IndexConcurrency != 7 {
		t.Fatalf("env must override yaml: concurrency=%d", cfg.IndexConcurrency)
	}
	if cfg.RowCap.Baseline != 2000 || cfg.RowCap.Ceiling != 4000 || cfg.RowCap.Floor != 250 {
		t.Fatalf("rowcap=%+v", cfg.RowCap)
	}
	if cfg.S3.Endpoint == "" {
		t.Fatalf("defaults must survive partial yaml")
	}
}

func TestLoad_RejectsInvertedRowCap(t *testing.T) {
	t.Setenv("ROWCAP_FLOOR", "9000")
	t.Setenv("ROWCAP_BASELINE", "5000")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when floor > baseline")
	}
}

func TestLoad_EmptyRedisAddrSelectsMemory(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("redis addr=%q want empty", cfg.RedisAddr)
	}
}

func TestLoad_RedisNamespaceDefaultAndOverride(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisNamespace != "overture:" {
		t.Fatalf("namespace=%q want overture:", cfg.RedisNamespace)
	}

	t.Setenv("REDIS_NAMESPACE", "staging:")
	t.Setenv("REDIS_PASSWORD", "s3cret")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisNamespace != "staging:" || cfg.RedisPassword != "s3cret" {
		t.Fatalf("namespace=%q password=%q", cfg.RedisNamespace, cfg.RedisPassword)
	}
}

func TestLoad_InvalidationFromEnv(t *testing.T) {
	t.Setenv("INVALIDATION_ENABLED", "true")
	t.Setenv("INVALIDATION_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KAFKA_SASL_ENABLE", "true")
	t.Setenv("KAFKA_SASL_USERNAME", "svc")
	t.Setenv("KAFKA_TLS_ENABLE", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	inv := cfg.Invalidation
	if !inv.Enabled || inv.Driver != "kafka" || inv.Brokers != "k1:9092,k2:9092" {
		t.Fatalf("invalidation=%+v", inv)
	}
	if inv.Topic != "overture-index-invalidation" || inv.GroupID != "index-invalidator" {
		t.Fatalf("topic=%q group=%q", inv.Topic, inv.GroupID)
	}
	if !inv.SASL.Enable || inv.SASL.Username != "svc" || !inv.TLS.Enable {
		t.Fatalf("sasl=%+v tls=%+v", inv.SASL, inv.TLS)
	}
}
