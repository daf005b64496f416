// Package main implements a home surveillance daemon that watches a camera
// for motion and serves the annotated feed over HTTP.
//
// Each frame is compared against a running background average. Sustained
// motion raises an event, which is saved as a snapshot, logged to SQLite and
// published over MQTT. The annotated feed is available as an MJPEG stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string, verbose bool) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func main() {
	config, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(config.LogFormat, config.Verbose)
	slog.SetDefault(logger)

	logger.Info("Starting surveillance daemon",
		"device", config.Device,
		"resolution", fmt.Sprintf("%dx%d", config.Resolution.Width, config.Resolution.Height),
		"fps", config.FPS,
		"listen", config.Listen,
		"show_video", config.ShowVideo,
		"snapshot_dir", config.SnapshotDir,
		"db_path", config.DBPath,
		"mqtt_broker", config.MQTT.Broker,
		"ocr", config.OCR.Enabled,
		"log_format", config.LogFormat,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("Surveillance daemon failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Surveillance daemon stopped")
}

// run wires the components together and blocks until ctx is cancelled or the
// capture loop stops.
func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	metrics := &PipelineMetrics{}
	exchange := NewFrameExchange()
	encoder := JPEGEncoder{Quality: cfg.JPEGQuality}

	var reporters []AlertReporter

	if cfg.OCR.Enabled {
		ocr, err := NewRegionTextReader(cfg.OCR.Language, logger)
		if err != nil {
			return err
		}
		defer ocr.Close()
		reporters = append(reporters, ocr)
	}

	if cfg.SnapshotDir != "" {
		saver, err := NewSnapshotSaver(cfg.SnapshotDir, encoder)
		if err != nil {
			return err
		}
		logger.Info("Saving event snapshots", "dir", cfg.SnapshotDir)
		reporters = append(reporters, saver)
	}

	// events stays a nil interface without a store.
	var events eventLister
	if cfg.DBPath != "" {
		store, err := OpenEventStore(cfg.DBPath, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		events = store
		reporters = append(reporters, store)
	}

	if cfg.MQTT.Broker != "" {
		notifier, err := ConnectMQTT(ctx, cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer notifier.Close()
		reporters = append(reporters, notifier)
	}

	camera, err := OpenCamera(cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer camera.Close()

	dispatcher := NewAlertDispatcher(reporters, metrics, logger)
	pipeline := NewPipeline(cfg, camera, exchange, dispatcher, metrics, logger)
	defer pipeline.Close()

	stream := NewStreamPublisher(exchange, encoder, cfg.StreamInterval(), metrics, logger)
	server := NewServer(cfg, exchange, stream, encoder, events, metrics, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		serverErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if serverErr = server.Run(ctx, cfg.Listen, cfg.ShutdownTimeout); serverErr != nil {
			cancel()
		}
	}()

	pipelineErr := pipeline.Run(ctx)
	cancel()
	wg.Wait()

	return errors.Join(pipelineErr, serverErr)
}
