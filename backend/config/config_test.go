package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
running:
  port: 9100
redis:
  addrs: ["10.0.0.1:7001", "10.0.0.2:7001"]
  cluster: true
collab:
  submitTimeout: 1s
`)
	if err := os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), yaml, 0o644); err != nil {
		t.Fatal(err)
	}
	v := New()
	v.AddConfigPath(dir)
	v.SetConfigFile(filepath.Join(dir, "collabConfig.yaml"))

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Running.Port != 9100 || len(cfg.Redis.Addrs) != 2 || !cfg.Redis.Cluster {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Collab.SubmitTimeout != time.Second {
		t.Fatalf("submitTimeout = %v", cfg.Collab.SubmitTimeout)
	}
	// 文件里没有的键走默认值
	if cfg.Collab.RingCap != 1024 || cfg.Kafka.Topic != "doc-ops" || cfg.Collab.PresenceTTL != 90*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg.Collab)
	}
}

func TestLoadWithoutFileUsesDefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("COLLAB_RUNNING_PORT", "9999")
	t.Setenv("COLLAB_AUTH_JWTSECRET", "from-env")

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Running.Port != 9999 || cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("env override not applied: port=%d secret=%q", cfg.Running.Port, cfg.Auth.JWTSecret)
	}
	if cfg.Kafka.MaxBackoff != time.Second || cfg.Client.HeartbeatInterval != 30*time.Second {
		t.Fatalf("defaults = %+v / %+v", cfg.Kafka, cfg.Client)
	}
}
