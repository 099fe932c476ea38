package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLayered_CLIOverridesEverything(t *testing.T) {
	path := writeFile(t, "server:\n  listen: \":9000\"\nstream:\n  path: \"/videos/file.mp4\"\n")
	t.Setenv("JV_LISTEN", ":9100")
	cli := CLIOverrides{Listen: ":9200", Video: "/videos/cli.mp4"}

	cfg, err := LoadLayered(cli, path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":9200" {
		t.Errorf("Listen = %q, want CLI override", cfg.Server.Listen)
	}
	if cfg.Stream.Path != "/videos/cli.mp4" {
		t.Errorf("Path = %q, want CLI override", cfg.Stream.Path)
	}
}

func TestLoadLayered_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  listen: \":9000\"\ndetector:\n  model_path: \"file.onnx\"\n")
	t.Setenv("JV_LISTEN", ":9100")

	cfg, err := LoadLayered(CLIOverrides{}, path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":9100" {
		t.Errorf("Listen = %q, want env override", cfg.Server.Listen)
	}
	if cfg.Detector.ModelPath != "file.onnx" {
		t.Errorf("ModelPath = %q, want file value", cfg.Detector.ModelPath)
	}
}

func TestLoadLayered_DefaultsWhenEmpty(t *testing.T) {
	cfg, err := LoadLayered(CLIOverrides{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Metrics.Interval.Duration != time.Second {
		t.Errorf("Interval = %v, want 1s default", cfg.Metrics.Interval.Duration)
	}
	if cfg.Stream.Port != DefaultUDPPort {
		t.Errorf("Port = %d, want %d", cfg.Stream.Port, DefaultUDPPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadLayered_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadLayered(CLIOverrides{}, filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":8501" {
		t.Errorf("Listen = %q, want default", cfg.Server.Listen)
	}
}

func TestLoadFromBytes_Durations(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("metrics:\n  interval: 250ms\npipeline:\n  retry_max_delay: 3s\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Metrics.Interval.Duration != 250*time.Millisecond {
		t.Errorf("Interval = %v, want 250ms", cfg.Metrics.Interval.Duration)
	}
	if cfg.Pipeline.RetryMaxDelay.Duration != 3*time.Second {
		t.Errorf("RetryMaxDelay = %v, want 3s", cfg.Pipeline.RetryMaxDelay.Duration)
	}
}

func TestLoadFromBytes_BadDuration(t *testing.T) {
	if _, err := LoadFromBytes([]byte("metrics:\n  interval: soon\n")); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestWriteConfig_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Listen = ":7000"

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Listen != ":7000" {
		t.Errorf("Listen = %q after round trip", loaded.Server.Listen)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no listen", func(c *Config) { c.Server.Listen = "" }, true},
		{"odd input size", func(c *Config) { c.Detector.InputSize = 650 }, true},
		{"bad metrics mode", func(c *Config) { c.Metrics.Mode = "snmp" }, true},
		{"zero timeout", func(c *Config) { c.Detector.Timeout = Duration{} }, true},
		{"max below base", func(c *Config) { c.Pipeline.RetryMaxDelay = Duration{time.Millisecond} }, true},
		{"mqtt without broker", func(c *Config) {
			c.Sinks.MQTT.Enabled = true
			c.Sinks.MQTT.Broker = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
		})
	}
}
