package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/xray-server/internal/config"
	"github.com/Brownie44l1/xray-server/internal/logging"
	"github.com/Brownie44l1/xray-server/internal/model"
	"github.com/Brownie44l1/xray-server/internal/segmentation"
)

func main() {
	modelPath := flag.String("segmentation-model-path", "", "lung segmentation model (.onnx)")
	configPath := flag.String("config", "", "JSON configuration file")
	column := flag.String("column", "path", "CSV column holding image paths")
	input := flag.String("in", "-", "input CSV, - for stdin")
	output := flag.String("out", "-", "output CSV, - for stdout")
	ortLib := flag.String("ort-lib", os.Getenv("ONNXRUNTIME_LIB"), "ONNX Runtime shared library")
	flag.Parse()

	logger := logging.New(os.Stderr, slog.LevelInfo)
	if err := run(*modelPath, *configPath, *column, *input, *output, *ortLib, logger); err != nil {
		logger.Error("mask batch failed", "error", err)
		os.Exit(1)
	}
}

func run(modelPath, configPath, column, input, output, ortLib string, logger *slog.Logger) error {
	if modelPath == "" {
		return fmt.Errorf("--segmentation-model-path is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	table, err := readInput(input)
	if err != nil {
		return err
	}

	if err := model.InitRuntime(ortLib); err != nil {
		return err
	}
	defer model.ReleaseRuntime()

	m, err := model.Load(modelPath, "")
	if err != nil {
		return err
	}
	defer m.Close()

	segmenter, err := segmentation.New(m, cfg.Segmentation, logger)
	if err != nil {
		return err
	}

	out, err := segmenter.MaskBatch(ctx, table, column)
	if err != nil {
		return err
	}
	logger.Info("masked images", "rows", len(out.Rows), "column", column)
	return writeOutput(output, out)
}

func readInput(path string) (segmentation.Table, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return segmentation.Table{}, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	return segmentation.ReadTable(r)
}

func writeOutput(path string, t segmentation.Table) error {
	if path == "-" {
		return segmentation.WriteTable(os.Stdout, t)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if err := segmentation.WriteTable(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
