// RealTalk - tap-to-talk voice assistant
// Captures an utterance, asks a language model for a reply with date and
// news context, stores both turns and speaks the answer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-realtalk/internal/config"
	"github.com/teslashibe/go-realtalk/internal/log"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file (yaml, json or toml)")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	addr := flag.String("addr", "", "Control API listen address (overrides http.addr)")
	dbPath := flag.String("db", "", "Turn log path (overrides storage.path)")
	driver := flag.String("store", "", "Turn log backend: sqlite or bolt (overrides storage.driver)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	if *driver != "" {
		cfg.Storage.Driver = *driver
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log.Init(cfg.LogLevel)
	logger := log.L()

	if err := cfg.Validate(); err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			log.Error("invalid configuration", "field", cfgErr.Field, "error", cfgErr.Message)
			os.Exit(2)
		}
		fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cfg, logger, *debug)
	if err != nil {
		log.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	err = app.run(ctx)
	app.close()
	if err != nil {
		log.Error("runtime error", "error", err)
		os.Exit(1)
	}
	log.Info("shut down")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "realtalk: %v\n", err)
	os.Exit(1)
}
