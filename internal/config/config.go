// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure. A stream configuration
// that fails validation is never handed to the dispatch loop.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "15s", "30s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stream   StreamConfig   `yaml:"stream"`
	Detector DetectorConfig `yaml:"detector"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sinks    SinksConfig    `yaml:"sinks"`
	Buffer   BufferConfig   `yaml:"buffer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP control/presentation server settings.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	VideosDir   string `yaml:"videos_dir"`
	UploadDir   string `yaml:"upload_dir"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// DetectorConfig holds object detection model settings.
type DetectorConfig struct {
	ModelPath     string   `yaml:"model_path"`
	ModelURL      string   `yaml:"model_url"`
	ModelSHA256   string   `yaml:"model_sha256"`
	LabelsPath    string   `yaml:"labels_path"`
	InputSize     int      `yaml:"input_size"`
	NMSThreshold  float64  `yaml:"nms_threshold"`
	MaxDetections int      `yaml:"max_detections"`
	UseCUDA       bool     `yaml:"use_cuda"`
	FP16          bool     `yaml:"fp16"`
	Timeout       Duration `yaml:"timeout"`
	Annotate      bool     `yaml:"annotate"`
	JPEGQuality   int      `yaml:"jpeg_quality"`
}

// MetricsConfig holds hardware metrics polling settings.
type MetricsConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Mode     string   `yaml:"mode"` // auto, tegrastats, host
	Command  string   `yaml:"command"`
	Interval Duration `yaml:"interval"`
}

// PipelineConfig holds dispatch loop tuning.
type PipelineConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`
	StatsEvery     int      `yaml:"stats_every"`
	CPUAffinity    []int    `yaml:"cpu_affinity"`
}

// SinksConfig holds the presentation sinks.
type SinksConfig struct {
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	ZMQ       ZMQConfig       `yaml:"zmq"`
}

// WebSocketConfig holds browser feed settings.
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled"`
	Queue   int  `yaml:"queue"`
}

// MQTTConfig holds MQTT broker settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// ZMQConfig holds the ZeroMQ publisher settings.
type ZMQConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Topic    string `yaml:"topic"`
}

// BufferConfig holds the local spool used while the MQTT broker is unreachable.
type BufferConfig struct {
	MaxSizeMB int    `yaml:"max_size_mb"`
	Dir       string `yaml:"dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:      ":8501",
			VideosDir:   "/videos",
			UploadDir:   filepath.Join(os.TempDir(), "jetvision-uploads"),
			MaxUploadMB: 512,
		},
		Stream: StreamConfig{
			Source:              SourceMountedFile,
			Port:                DefaultUDPPort,
			ConfidenceThreshold: 0.25,
			FPSLimit:            15,
		},
		Detector: DetectorConfig{
			ModelPath:     "yolo11m.onnx",
			InputSize:     640,
			NMSThreshold:  0.45,
			MaxDetections: 100,
			UseCUDA:       true,
			Timeout:       Duration{5 * time.Second},
			Annotate:      true,
			JPEGQuality:   80,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Mode:     "auto",
			Interval: Duration{1 * time.Second},
		},
		Pipeline: PipelineConfig{
			MaxRetries:     20,
			RetryBaseDelay: Duration{50 * time.Millisecond},
			RetryMaxDelay:  Duration{2 * time.Second},
			StatsEvery:     5,
		},
		Sinks: SinksConfig{
			WebSocket: WebSocketConfig{
				Enabled: true,
				Queue:   4,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				Broker:      "localhost:1883",
				TopicPrefix: "jetvision",
			},
			ZMQ: ZMQConfig{
				Enabled:  false,
				Endpoint: "tcp://*:5556",
				Topic:    "jetvision",
			},
		},
		Buffer: BufferConfig{
			MaxSizeMB: 50,
			Dir:       "./spool",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with defaults.
// Environment variables take highest precedence and override values from the byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Load reads configuration from a YAML file and merges with defaults.
// If path is empty or the file does not exist, only defaults and environment
// variables are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		return LoadFromBytes(nil)
	}

	return LoadFromBytes(data)
}

// CLIOverrides holds values from command-line flags.
// Zero values are treated as "not set" and skipped.
type CLIOverrides struct {
	Listen string
	Source string
	Video  string
	URL    string
	Port   int
	Model  string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > external YAML file > defaults.
//
// An optional configPath argument controls external-file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value → use that path ("" means no external file)
func LoadLayered(cli CLIOverrides, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", filePath, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if cli.Listen != "" {
		cfg.Server.Listen = cli.Listen
	}
	if cli.Source != "" {
		cfg.Stream.Source = SourceKind(cli.Source)
	}
	if cli.Video != "" {
		cfg.Stream.Path = cli.Video
	}
	if cli.URL != "" {
		cfg.Stream.URL = cli.URL
	}
	if cli.Port != 0 {
		cfg.Stream.Port = cli.Port
	}
	if cli.Model != "" {
		cfg.Detector.ModelPath = cli.Model
	}

	return cfg, nil
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if listen := os.Getenv("JV_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if dir := os.Getenv("JV_VIDEOS_DIR"); dir != "" {
		cfg.Server.VideosDir = dir
	}
	if model := os.Getenv("JV_MODEL_PATH"); model != "" {
		cfg.Detector.ModelPath = model
	}
	if url := os.Getenv("JV_MODEL_URL"); url != "" {
		cfg.Detector.ModelURL = url
	}
	if broker := os.Getenv("JV_MQTT_BROKER"); broker != "" {
		cfg.Sinks.MQTT.Broker = broker
		cfg.Sinks.MQTT.Enabled = true
	}
	if level := os.Getenv("JV_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Validate checks that the configuration is usable. The default stream is
// only validated when it is going to be started at launch.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("%w: server listen address is required", ErrInvalid)
	}
	if c.Detector.ModelPath == "" {
		return fmt.Errorf("%w: detector model path is required", ErrInvalid)
	}
	if c.Detector.InputSize <= 0 || c.Detector.InputSize%32 != 0 {
		return fmt.Errorf("%w: detector input size must be a positive multiple of 32 (got %d)",
			ErrInvalid, c.Detector.InputSize)
	}
	if c.Detector.NMSThreshold <= 0 || c.Detector.NMSThreshold > 1 {
		return fmt.Errorf("%w: nms threshold must be in (0,1] (got %v)", ErrInvalid, c.Detector.NMSThreshold)
	}
	if c.Detector.Timeout.Duration <= 0 {
		return fmt.Errorf("%w: detector timeout must be positive", ErrInvalid)
	}
	if c.Detector.JPEGQuality < 1 || c.Detector.JPEGQuality > 100 {
		return fmt.Errorf("%w: jpeg quality must be in [1,100] (got %d)", ErrInvalid, c.Detector.JPEGQuality)
	}
	switch strings.ToLower(c.Metrics.Mode) {
	case "auto", "tegrastats", "host":
	default:
		return fmt.Errorf("%w: unknown metrics mode %q", ErrInvalid, c.Metrics.Mode)
	}
	if c.Metrics.Enabled && c.Metrics.Interval.Duration < 100*time.Millisecond {
		return fmt.Errorf("%w: metrics interval must be at least 100ms", ErrInvalid)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("%w: pipeline max retries must not be negative", ErrInvalid)
	}
	if c.Pipeline.RetryBaseDelay.Duration <= 0 || c.Pipeline.RetryMaxDelay.Duration < c.Pipeline.RetryBaseDelay.Duration {
		return fmt.Errorf("%w: retry delays must satisfy 0 < base <= max", ErrInvalid)
	}
	if c.Sinks.MQTT.Enabled {
		if c.Sinks.MQTT.Broker == "" {
			return fmt.Errorf("%w: mqtt broker is required when mqtt is enabled", ErrInvalid)
		}
		if c.Sinks.MQTT.QoS > 2 {
			return fmt.Errorf("%w: mqtt qos must be 0, 1 or 2", ErrInvalid)
		}
	}
	if c.Sinks.ZMQ.Enabled && c.Sinks.ZMQ.Endpoint == "" {
		return fmt.Errorf("%w: zmq endpoint is required when zmq is enabled", ErrInvalid)
	}
	return nil
}
