// Package main is the entry point for the jetvision agent. It loads the
// layered configuration, wires the detector, metrics poller, sinks and
// dispatch loop, and serves the control API until signalled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jetvision/agent/internal/autostart"
	"github.com/jetvision/agent/internal/buffer"
	"github.com/jetvision/agent/internal/collector"
	"github.com/jetvision/agent/internal/config"
	"github.com/jetvision/agent/internal/detector"
	"github.com/jetvision/agent/internal/detector/onnx"
	"github.com/jetvision/agent/internal/dispatch"
	"github.com/jetvision/agent/internal/metrics"
	"github.com/jetvision/agent/internal/modelfetch"
	"github.com/jetvision/agent/internal/platform"
	"github.com/jetvision/agent/internal/server"
	"github.com/jetvision/agent/internal/sink"
	"github.com/jetvision/agent/internal/source"
	"github.com/jetvision/agent/internal/source/capture"
)

var (
	// version is set at build time via -ldflags.
	version = "dev"

	configPath       = flag.String("config", "", "Path to configuration file (default: search standard locations)")
	showVersion      = flag.Bool("version", false, "Show version and exit")
	autostartRun     = flag.Bool("autostart", false, "Start the configured stream at launch")
	sourceFlag       = flag.String("source", "", "Stream source: mounted-file, uploaded-file or network-stream")
	videoFlag        = flag.String("video", "", "Video file for a file source")
	urlFlag          = flag.String("url", "", "Stream URL for a network source")
	portFlag         = flag.Int("port", 0, "UDP port for a network source")
	listenFlag       = flag.String("listen", "", "HTTP listen address")
	modelFlag        = flag.String("model", "", "Path to the ONNX model")
	writeConfig      = flag.String("write-config", "", "Write the effective configuration to this path and exit")
	installService   = flag.Bool("install-service", false, "Install and start the systemd service")
	uninstallService = flag.Bool("uninstall-service", false, "Stop and remove the systemd service")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("jetvision %s\n", version)
		os.Exit(0)
	}

	cli := config.CLIOverrides{
		Listen: *listenFlag,
		Source: *sourceFlag,
		Video:  *videoFlag,
		URL:    *urlFlag,
		Port:   *portFlag,
		Model:  *modelFlag,
	}
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadLayered(cli, *configPath)
	} else {
		cfg, err = config.LoadLayered(cli)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *writeConfig != "" {
		if err := config.WriteConfig(cfg, *writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration written to %s\n", *writeConfig)
		return
	}

	if *installService || *uninstallService {
		if err := manageService(*installService, *configPath); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting jetvision",
		zap.String("version", version),
		zap.String("listen", cfg.Server.Listen),
		zap.String("model", cfg.Detector.ModelPath))

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down",
			zap.String("signal", sig.String()))
		cancel()
	}()

	if err := runAgent(ctx, cfg, logger); err != nil {
		logger.Fatal("Agent failed", zap.Error(err))
	}
	logger.Info("Agent stopped")
}

// runAgent wires every component and blocks until ctx is cancelled.
func runAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	device := platform.Detect(ctx, "/")
	plat := platform.New(device)
	logger.Info("Platform detected",
		zap.String("hostname", device.Hostname),
		zap.Bool("jetson", device.Jetson),
		zap.String("model", device.Model),
		zap.String("l4t", device.L4TRelease))

	// Hardware metrics
	slot := &metrics.Slot{}
	metricsMode := "disabled"
	if cfg.Metrics.Enabled {
		poller, err := newPoller(cfg, plat, slot, logger)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		metricsMode = poller.Mode()
		go poller.Run(ctx)
	}

	// Detector
	fetcher := modelfetch.New(30*time.Minute, logger)
	if err := fetcher.Ensure(ctx, cfg.Detector.ModelPath, cfg.Detector.ModelURL, cfg.Detector.ModelSHA256); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	model, err := onnx.New(cfg.Detector, logger)
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	guard := detector.NewGuard(model, cfg.Detector.Timeout.Duration)
	defer guard.Close()
	logger.Info("Detector ready",
		zap.String("backend", model.Backend()),
		zap.Int("classes", len(model.Labels())))

	// Sinks
	var (
		sinks sink.Fanout
		feed  server.Feed
	)
	if cfg.Sinks.WebSocket.Enabled {
		hub := sink.NewHub(cfg.Sinks.WebSocket.Queue, logger)
		sinks = append(sinks, hub)
		feed = hub
	}
	if cfg.Sinks.MQTT.Enabled {
		spool, err := buffer.New(cfg.Buffer.Dir, cfg.Buffer.MaxSizeMB, logger)
		if err != nil {
			return fmt.Errorf("mqtt spool: %w", err)
		}
		m, err := sink.NewMQTT(ctx, cfg.Sinks.MQTT, spool, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		sinks = append(sinks, m)
	}
	if cfg.Sinks.ZMQ.Enabled {
		z, err := sink.NewZMQ(cfg.Sinks.ZMQ, logger)
		if err != nil {
			return fmt.Errorf("zmq: %w", err)
		}
		sinks = append(sinks, z)
	}
	defer sinks.Close()

	// Dispatch loop
	if n, err := source.CleanUploads(cfg.Server.UploadDir); err != nil {
		logger.Warn("Cleaning stale uploads failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Removed stale uploads", zap.Int("count", n))
	}
	opts := dispatch.OptionsFromConfig(cfg.Pipeline)
	opts.UploadDir = cfg.Server.UploadDir
	loop := dispatch.New(capture.NewOpener(logger), guard, sinks, slot, opts, logger)

	if *autostartRun {
		if err := loop.Start(cfg.Stream); err != nil {
			logger.Error("Autostart failed", zap.Error(err))
		}
	}

	srv := server.New(cfg.Server, cfg.Stream, loop, feed, slot, metricsMode, device, logger)
	serveErr := srv.Run(ctx, cfg.Metrics.Interval.Duration)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := loop.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Dispatch loop did not stop in time", zap.Error(err))
	}
	return serveErr
}

// newPoller picks the metrics source: tegrastats when it is requested or
// found, otherwise the host collectors.
func newPoller(cfg *config.Config, plat platform.Platform, slot *metrics.Slot, logger *zap.Logger) (*metrics.Poller, error) {
	mode := strings.ToLower(cfg.Metrics.Mode)

	var command string
	if mode != "host" {
		path, err := platform.LookupTegrastats(cfg.Metrics.Command)
		switch {
		case err == nil:
			command = path
		case mode == "tegrastats":
			return nil, err
		case errors.Is(err, platform.ErrNoTegrastats):
			logger.Info("tegrastats not found, using host collectors")
		default:
			logger.Warn("tegrastats lookup failed, using host collectors", zap.Error(err))
		}
	}

	registry := collector.NewRegistry(logger)
	for _, c := range collector.Defaults(collector.NewTemperatureCollector(plat, logger)) {
		registry.Register(c)
	}
	return metrics.NewPoller(cfg.Metrics, slot, command, metrics.NewHostSampler(registry), logger)
}

// manageService installs or removes the systemd unit for this binary.
func manageService(install bool, configFile string) error {
	mgr := autostart.New()
	if err := autostart.CheckElevation(); err != nil {
		return err
	}
	if !install {
		if err := mgr.Uninstall(); err != nil {
			return fmt.Errorf("uninstalling %s: %w", mgr.ServiceName(), err)
		}
		fmt.Printf("Service %s removed\n", mgr.ServiceName())
		return nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	args := []string{"-autostart"}
	if configFile != "" {
		args = append(args, "-config", configFile)
	}
	if err := mgr.Install(execPath, args...); err != nil {
		return fmt.Errorf("installing %s: %w", mgr.ServiceName(), err)
	}
	fmt.Printf("Service %s installed\n", mgr.ServiceName())
	return nil
}

// initLogger creates a zap logger based on the configuration.
// It outputs to both console (human-readable) and optionally a JSON log file.
func initLogger(cfg *config.Config) *zap.Logger {
	var level zapcore.Level
	switch cfg.Logging.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	cores := []zapcore.Core{consoleCore}

	if cfg.Logging.File != "" {
		file, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			fileCore := zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				level,
			)
			cores = append(cores, fileCore)
		}
	}

	return zap.New(zapcore.NewTee(cores...))
}
