package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"segprep/internal/config"
	"segprep/pkg/plan"
	"segprep/pkg/preprocess"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("loading configuration: %v", err)
	}

	// Flags override environment configuration.
	inputDir := flag.String("input", cfg.InputDir, "Raw dataset root containing imagesTr/ and labelsTr/")
	targetDir := flag.String("output", cfg.TargetDir, "Directory for preprocessed arrays and metadata")
	planPath := flag.String("plan", cfg.Plan, "Path of the preprocessing plan file")
	workers := flag.Int("workers", cfg.Workers, "Number of cases to preprocess in parallel")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	skipValidation := flag.Bool("skip-validation", false, "Disable per-case consistency checks")
	flag.Parse()

	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	log.SetLevel(level)

	if *inputDir == "" || *targetDir == "" || *planPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	pl, err := plan.Load(*planPath)
	if err != nil {
		log.Fatalf("loading plan: %v", err)
	}
	log.WithFields(logrus.Fields{
		"plan":       pl.Name,
		"modalities": len(pl.NormalizationScheme),
		"classes":    pl.DatasetProperties.Classes,
	}).Info("plan loaded")

	pp, err := preprocess.New(&preprocess.Params{
		Plan:           pl,
		InputDir:       *inputDir,
		TargetDir:      *targetDir,
		Workers:        *workers,
		SkipValidation: *skipValidation,
		Log:            log,
	})
	if err != nil {
		log.Fatalf("initializing preprocessor: %v", err)
	}
	if err := pp.Run(); err != nil {
		log.Fatalf("preprocessing failed: %v", err)
	}
}
