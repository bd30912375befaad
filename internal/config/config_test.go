package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.Listen)
	}
	if cfg.TempDir != filepath.Join("data", "tmp") {
		t.Fatalf("expected temp dir under data dir, got %q", cfg.TempDir)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nimbus.yaml")
	body := "listen: \":9000\"\nbuild_timeout: 90s\npreview:\n  width: 128\n  height: 96\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Fatalf("expected :9000, got %q", cfg.Listen)
	}
	if cfg.BuildTimeout != 90*time.Second {
		t.Fatalf("expected 90s, got %s", cfg.BuildTimeout)
	}
	if cfg.Preview.Width != 128 || cfg.Preview.Height != 96 {
		t.Fatalf("expected 128x96, got %dx%d", cfg.Preview.Width, cfg.Preview.Height)
	}
	if cfg.Tools.FFmpeg != "ffmpeg" {
		t.Fatalf("expected default ffmpeg path kept, got %q", cfg.Tools.FFmpeg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("NIMBUS_DATA_DIR", "/srv/nimbus")
	t.Setenv("NIMBUS_WORKERS", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":7777" {
		t.Fatalf("expected :7777, got %q", cfg.Listen)
	}
	if cfg.DataDir != "/srv/nimbus" {
		t.Fatalf("expected /srv/nimbus, got %q", cfg.DataDir)
	}
	if cfg.Workers != 3 {
		t.Fatalf("expected 3 workers, got %d", cfg.Workers)
	}
}

func TestLoad_BadWorkersEnv(t *testing.T) {
	t.Setenv("NIMBUS_WORKERS", "many")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric NIMBUS_WORKERS")
	}
}

func TestValidate_RejectsNegativeWorkers(t *testing.T) {
	cfg := Default()
	cfg.Workers = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "nimbus.yaml")
	cfg := Default()
	cfg.Listen = ":1234"
	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Listen != ":1234" {
		t.Fatalf("expected :1234, got %q", got.Listen)
	}
	if len(got.Webshot.Args) != len(cfg.Webshot.Args) {
		t.Fatalf("expected %d webshot args, got %d", len(cfg.Webshot.Args), len(got.Webshot.Args))
	}
}
