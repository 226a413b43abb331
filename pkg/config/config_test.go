package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(old)

	if err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg := Get()
	if cfg.ListenAddr != "127.0.0.1:8000" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:8000", cfg.ListenAddr)
	}
	if cfg.TickRate != 60 {
		t.Errorf("TickRate = %d, want 60", cfg.TickRate)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.ReplayDB != "" {
		t.Errorf("ReplayDB = %q, want empty", cfg.ReplayDB)
	}
	if cfg.MessageRate != 120 {
		t.Errorf("MessageRate = %v, want 120", cfg.MessageRate)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(old)

	toml := "ListenAddr = \"0.0.0.0:9000\"\nTickRate = 30\n"
	if err := os.WriteFile("config.toml", []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg := Get()
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:9000", cfg.ListenAddr)
	}
	if cfg.TickRate != 30 {
		t.Errorf("TickRate = %d, want 30", cfg.TickRate)
	}
}
