package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/voiceguard/internal/audio"
	"github.com/loqalabs/voiceguard/internal/classifier"
	"github.com/loqalabs/voiceguard/internal/config"
	"github.com/loqalabs/voiceguard/internal/detector"
	"github.com/loqalabs/voiceguard/internal/features"
	"github.com/loqalabs/voiceguard/internal/trainer"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		dataDir    string
		outPath    string
		modelPath  string
	)
	trainCmd := flag.NewFlagSet("train", flag.ExitOnError)
	trainCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	trainCmd.StringVar(&dataDir, "data", "data", "Directory holding human/ and ai/ sample folders")
	trainCmd.StringVar(&outPath, "out", "", "Where to write the model (defaults to model.path)")

	detectCmd := flag.NewFlagSet("detect", flag.ExitOnError)
	detectCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	detectCmd.StringVar(&modelPath, "model", "", "Model artifact (defaults to model.path)")

	featuresCmd := flag.NewFlagSet("features", flag.ExitOnError)
	featuresCmd.StringVar(&configPath, "config", "", "Path to configuration file")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'train', 'detect', 'features' or 'version'")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "train":
		trainCmd.Parse(os.Args[2:])
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
		err = runTrain(ctx, configPath, dataDir, outPath, logger)
	case "detect":
		detectCmd.Parse(os.Args[2:])
		err = runDetect(ctx, configPath, modelPath, detectCmd.Args(), logger)
	case "features":
		featuresCmd.Parse(os.Args[2:])
		err = runFeatures(ctx, configPath, featuresCmd.Args(), logger)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTrain(ctx context.Context, configPath, dataDir, outPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	normalizer, err := audio.NewNormalizer(cfg.Audio)
	if err != nil {
		return err
	}
	tr := trainer.New(normalizer, newExtractor(cfg), cfg.Model.MinSamples, logger)

	samples, err := tr.Load(ctx, dataDir)
	if err != nil {
		return err
	}
	model, err := tr.Fit(samples, classifier.OptionsFromConfig(cfg.Model))
	if err != nil {
		return err
	}
	if outPath == "" {
		outPath = cfg.Model.Path
	}
	if err := model.Save(outPath); err != nil {
		return err
	}
	fmt.Printf("model saved to %s (%d samples)\n", outPath, model.Metadata.Samples)
	return nil
}

func runDetect(ctx context.Context, configPath, modelPath string, files []string, logger *slog.Logger) error {
	if len(files) == 0 {
		return errors.New("detect needs at least one audio file")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if modelPath == "" {
		modelPath = cfg.Model.Path
	}
	model, err := classifier.Load(modelPath)
	if err != nil {
		return err
	}
	svc, err := detector.NewService(cfg, model, nil, nil, logger)
	if err != nil {
		return err
	}

	type output struct {
		File string `json:"file"`
		detector.Result
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	var failed []error
	for _, path := range files {
		res, err := svc.Detect(ctx, detector.Request{Source: detector.SourceCLI, Path: path})
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", path, err))
			continue
		}
		res.Confidence = detector.RoundConfidence(res.Confidence)
		res.Features = nil
		if err := enc.Encode(output{File: path, Result: res}); err != nil {
			return err
		}
	}
	return errors.Join(failed...)
}

func runFeatures(ctx context.Context, configPath string, files []string, logger *slog.Logger) error {
	if len(files) != 1 {
		return errors.New("features needs exactly one audio file")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	normalizer, err := audio.NewNormalizer(cfg.Audio)
	if err != nil {
		return err
	}
	wave, err := normalizer.Load(ctx, files[0])
	if err != nil {
		return err
	}
	extractor := newExtractor(cfg)
	if extractor.Degenerate(wave) {
		logger.Warn("clip shorter than the analysis minimum; reporting default features",
			slog.Float64("seconds", wave.Seconds()))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(extractor.Extract(wave))
}

func newExtractor(cfg config.Config) *features.Extractor {
	return features.NewExtractor(cfg.Features, time.Duration(cfg.Audio.MinDurationMS)*time.Millisecond)
}
