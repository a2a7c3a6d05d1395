package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/xray-server/internal/classification"
	"github.com/Brownie44l1/xray-server/internal/config"
	"github.com/Brownie44l1/xray-server/internal/explain/gradcam"
	"github.com/Brownie44l1/xray-server/internal/explain/lime"
	"github.com/Brownie44l1/xray-server/internal/handlers"
	"github.com/Brownie44l1/xray-server/internal/journal"
	"github.com/Brownie44l1/xray-server/internal/logging"
	"github.com/Brownie44l1/xray-server/internal/model"
	"github.com/Brownie44l1/xray-server/internal/segmentation"
	"github.com/Brownie44l1/xray-server/internal/server"
)

type flags struct {
	modelPath        string
	segmentationPath string
	cacheDir         string
	configPath       string
	journalPath      string
	ortLib           string
	logLevel         string
	logFile          string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.modelPath, "model-path", "", "classification model (.onnx)")
	flag.StringVar(&f.modelPath, "c", "", "shorthand for --model-path")
	flag.StringVar(&f.segmentationPath, "segmentation-model-path", "", "lung segmentation model (.onnx)")
	flag.StringVar(&f.segmentationPath, "s", "", "shorthand for --segmentation-model-path")
	flag.StringVar(&f.cacheDir, "cache-dir-path", ".", "directory holding <id>.png inputs and derived artifacts")
	flag.StringVar(&f.configPath, "config", "", "JSON configuration file")
	flag.StringVar(&f.journalPath, "journal", "", "SQLite command journal (overrides journal_path)")
	flag.StringVar(&f.ortLib, "ort-lib", os.Getenv("ONNXRUNTIME_LIB"), "ONNX Runtime shared library")
	flag.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides log_level)")
	flag.StringVar(&f.logFile, "log-file", "", "also write logs to this file (overrides log_file)")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFile != "" {
		cfg.LogFile = f.logFile
	}
	if f.journalPath != "" {
		cfg.JournalPath = f.journalPath
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	logger, closeLog, err := logging.Open(level, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	code := 0
	if err := run(f, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		code = 1
	}
	_ = closeLog()
	os.Exit(code)
}

func run(f flags, cfg *config.Config, logger *slog.Logger) error {
	if f.modelPath == "" || f.segmentationPath == "" {
		return fmt.Errorf("both --model-path and --segmentation-model-path are required")
	}
	if info, err := os.Stat(f.cacheDir); err != nil || !info.IsDir() {
		return fmt.Errorf("cache directory %q is not a directory", f.cacheDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := model.InitRuntime(f.ortLib); err != nil {
		return err
	}
	defer model.ReleaseRuntime()

	logger.Info("loading models", "classifier", f.modelPath, "segmentation", f.segmentationPath)
	clsModel, err := model.Load(f.modelPath, "")
	if err != nil {
		return err
	}
	defer clsModel.Close()

	segModel, err := model.Load(f.segmentationPath, "")
	if err != nil {
		return err
	}
	defer segModel.Close()

	if err := cfg.Resolve(clsModel.Metadata.Classes, clsModel.Metadata.ImageSize); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	segmenter, err := segmentation.New(segModel, cfg.Segmentation, logger)
	if err != nil {
		return err
	}
	classifier, err := classification.NewClassifier(clsModel, cfg.Classes, cfg.Size())
	if err != nil {
		return err
	}
	masked, err := classification.NewSegmentationClassifier(segmenter, classifier)
	if err != nil {
		return err
	}
	limeExplainer, err := lime.New(clsModel, cfg.Lime, logger)
	if err != nil {
		return err
	}
	gradcamExplainer, err := gradcam.New(clsModel, cfg.GradCAM)
	if err != nil {
		return err
	}
	handler, err := handlers.NewHandler(segmenter, masked, limeExplainer, gradcamExplainer)
	if err != nil {
		return err
	}

	opts := server.Options{
		CacheDir:        f.cacheDir,
		MaxWorkers:      cfg.Server.MaxWorkers,
		DrainTimeout:    cfg.Server.DrainTimeout.Duration,
		ResultCacheTTL:  cfg.Server.ResultCacheTTL.Duration,
		ResultCacheSize: cfg.Server.ResultCacheSize,
	}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		opts.Recorder = j
	}
	if opts.MaxWorkers == 0 {
		opts.MaxWorkers = server.DefaultWorkers()
	}

	logger.Info("server ready",
		"classes", cfg.Classes,
		"image_size", cfg.ImageSize,
		"gradcam_layer", gradcamExplainer.Layer(),
		"segmentation_input", segmenter.InputSize().String(),
		"max_workers", opts.MaxWorkers,
		"cache_dir", f.cacheDir,
	)

	return server.New(opts, handler.Routes(), logger).Serve(ctx, os.Stdin, os.Stdout)
}
