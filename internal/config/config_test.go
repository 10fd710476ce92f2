package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	old, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(old)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Pool.MaxRepls != 2 {
		t.Fatalf("Pool.MaxRepls = %d, want 2", cfg.Pool.MaxRepls)
	}
	if cfg.Pool.MaxUses != 1 {
		t.Fatalf("Pool.MaxUses = %d, want 1", cfg.Pool.MaxUses)
	}
	if cfg.Pool.MaxMemMB != 8192 {
		t.Fatalf("Pool.MaxMemMB = %d, want 8192", cfg.Pool.MaxMemMB)
	}
	if cfg.Repl.BinPath != "./repl/.lake/build/bin/repl" {
		t.Fatalf("Repl.BinPath = %q, unexpected default", cfg.Repl.BinPath)
	}
	if len(cfg.InitRepls) != 0 {
		t.Fatalf("expected an empty InitRepls map by default, got %v", cfg.InitRepls)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	old, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(old)

	t.Setenv("LEANREPL_POOL_MAX_REPLS", "7")
	t.Setenv("LEANREPL_SERVER_ADDR", ":9090")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pool.MaxRepls != 7 {
		t.Fatalf("Pool.MaxRepls = %d, want 7 from env override", cfg.Pool.MaxRepls)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("Server.Addr = %q, want :9090 from env override", cfg.Server.Addr)
	}
}

func TestMaxMemBytes(t *testing.T) {
	cfg := &Config{Pool: PoolConfig{MaxMemMB: 16}}
	if got, want := cfg.MaxMemBytes(), uint64(16*1024*1024); got != want {
		t.Fatalf("MaxMemBytes() = %d, want %d", got, want)
	}
}
