package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"callwatch/internal/config"
	"callwatch/internal/logger"
	"callwatch/internal/processor"
)

func main() {
	configPath := flag.String("config", os.Getenv("CALLWATCH_CONFIG"), "path to YAML config file")
	rulesPath := flag.String("rules", "", "path to rules file (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init(logger.Options{})
		logger.Logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *rulesPath != "" {
		cfg.RulesFile = *rulesPath
	}

	logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "callwatch-alertd"})
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := processor.New(cfg)
	if err := p.Run(ctx); err != nil {
		log.Error().Err(err).Msg("processor exited")
		os.Exit(1)
	}
	log.Info().Msg("exited")
}
