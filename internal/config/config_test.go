package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("staging_rpc: http://localhost:8899\nwrite_chunk_size: 512\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SOLFORGE_STAGING_RPC", "http://override:8899")
	t.Setenv("SOLFORGE_RPC_TIMEOUT", "5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StagingRPC != "http://override:8899" {
		t.Fatalf("StagingRPC = %s, env must win over file", cfg.StagingRPC)
	}
	if cfg.WriteChunkSize != 512 {
		t.Fatalf("WriteChunkSize = %d, want 512 from file", cfg.WriteChunkSize)
	}
	if cfg.RPCTimeout != 5*time.Second {
		t.Fatalf("RPCTimeout = %s, want 5s", cfg.RPCTimeout)
	}
	if cfg.ProductionRPC == "" {
		t.Fatal("defaults not applied under partial file")
	}
}

func TestValidateRejectsBadChunkSize(t *testing.T) {
	cfg := Default()
	cfg.WriteChunkSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() accepted zero chunk size")
	}
}

func TestValidateRejectsExcessiveFees(t *testing.T) {
	cfg := Default()
	cfg.ServiceFeeBps = 10_001
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() accepted fee above 100%")
	}
}
