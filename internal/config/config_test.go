package config

import (
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.CPUs != 2 {
		t.Errorf("expected 2 CPUs, got %d", cfg.CPUs)
	}
	if cfg.MemoryGiB != 4 {
		t.Errorf("expected 4 GiB memory, got %d", cfg.MemoryGiB)
	}
	if cfg.DiskGiB != 60 {
		t.Errorf("expected 60 GiB disk, got %d", cfg.DiskGiB)
	}
	if cfg.SSHPort != 41122 {
		t.Errorf("expected ssh port 41122, got %d", cfg.SSHPort)
	}
	if cfg.Instance != "vmdock" {
		t.Errorf("expected instance vmdock, got %s", cfg.Instance)
	}
	if cfg.Kubernetes {
		t.Error("expected kubernetes disabled by default")
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	bad := Default()
	bad.CPUs = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for 0 CPUs")
	}

	bad = Default()
	bad.MemoryGiB = -1
	if err := bad.Validate(); err == nil {
		t.Error("expected error for negative memory")
	}

	bad = Default()
	bad.SSHPort = 70000
	if err := bad.Validate(); err == nil {
		t.Error("expected error for out-of-range ssh port")
	}

	bad = Default()
	bad.Instance = ""
	if err := bad.Validate(); err == nil {
		t.Error("expected error for empty instance name")
	}
}

func TestLoadMissingReturnsDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg != Default() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if Exists(dir) {
		t.Error("Exists should be false before a save")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := Default()
	cfg.CPUs = 8
	cfg.Kubernetes = true

	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !Exists(dir) {
		t.Error("Exists should be true after a save")
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.CPUs != 8 {
		t.Errorf("expected 8 CPUs, got %d", loaded.CPUs)
	}
	if !loaded.Kubernetes {
		t.Error("expected kubernetes enabled")
	}
	if loaded.SSHPort != 41122 {
		t.Errorf("expected ssh port preserved, got %d", loaded.SSHPort)
	}
}

func TestBaseDir(t *testing.T) {
	dir := BaseDir()
	if dir == "" {
		t.Error("expected non-empty base dir")
	}
}

func TestPaths(t *testing.T) {
	if ConfigPath("/x") != "/x/config.yaml" {
		t.Errorf("unexpected config path: %s", ConfigPath("/x"))
	}
	if TemplatePath("/x") != "/x/vmdock.yaml" {
		t.Errorf("unexpected template path: %s", TemplatePath("/x"))
	}
	if SocketPath("/x") != "/x/docker.sock" {
		t.Errorf("unexpected socket path: %s", SocketPath("/x"))
	}
}
