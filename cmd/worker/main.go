// Command classifyd-worker runs exactly one prediction and exits.
//
// Without flags it reads one request from stdin. With --classifier it takes the
// request from flags, which is how worker containers are started. Either way the
// outcome is written to stdout as a single JSON line; logs go to stderr.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/dontdude/classifyd/internal/domain"
	"github.com/dontdude/classifyd/internal/engine"
	"github.com/dontdude/classifyd/internal/isolation"
	"github.com/dontdude/classifyd/internal/logging"
)

func main() {
	defaultStore := os.Getenv("CLASSIFYD_CLASSIFIER_STORE")
	if defaultStore == "" {
		defaultStore = "data/classifiers"
	}
	defaultLevel := os.Getenv("CLASSIFYD_LOG_LEVEL")
	if defaultLevel == "" {
		defaultLevel = "warn"
	}

	flags := pflag.NewFlagSet("classifyd-worker", pflag.ExitOnError)
	classifierID := flags.String("classifier", "", "Classifier id (reads the request from stdin when empty)")
	input := flags.String("input", "", "Item to classify")
	store := flags.String("store", defaultStore, "Directory holding classifier models")
	level := flags.String("log-level", defaultLevel, "Log level")
	_ = flags.Parse(os.Args[1:])

	// stdout carries the outcome, so logs must not go there.
	if _, err := logging.Setup(os.Stderr, *level, "text"); err != nil {
		slog.Error("Invalid logging configuration", "error", err)
		os.Exit(1)
	}

	eng := engine.New(*store)
	ctx := context.Background()

	var err error
	if flags.Changed("classifier") {
		req := domain.WorkRequest{ClassifierID: *classifierID, Input: *input}
		err = isolation.Predict(ctx, eng, req, os.Stdout)
	} else {
		err = isolation.RunChild(ctx, eng, os.Stdin, os.Stdout)
	}
	if err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}
