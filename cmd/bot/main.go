package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"optionsbot/internal/broker"
	"optionsbot/internal/config"
	"optionsbot/internal/engine"
	"optionsbot/internal/risk"
	"optionsbot/internal/strategy"

	"github.com/google/uuid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	runID := generateRunID()
	decisions, err := engine.NewDecisionLogger(cfg.DecisionsPath, runID)
	if err != nil {
		log.Fatalf("decision logger error: %v", err)
	}
	defer func() {
		if err := decisions.Close(); err != nil {
			log.Printf("failed to close decision logger: %v", err)
		}
	}()

	brokerClient := broker.New(broker.Options{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
		Feed:      cfg.Feed,
		Exchange:  cfg.Exchange,
		ChainDays: cfg.ChainDays,
	})
	engineImpl := engine.New(cfg, strategy.EMACrossover{}, risk.Gate{}, brokerClient, decisions)
	scheduler := engine.NewScheduler(
		engine.BrokerClock{Source: brokerClient},
		engineImpl,
		brokerClient,
		engine.Session{Open: cfg.SessionOpen, Close: cfg.SessionClose, Location: cfg.Location},
		cfg.SettleDelay,
		cfg.PollInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Printf("shutdown signal received")
		cancel()
	}()

	log.Printf("starting bot run_id=%s mode=%s symbol=%s feed=%s fast=%d slow=%d bar_size=%s", runID, cfg.Mode, cfg.Symbol, cfg.Feed, cfg.FastWindow, cfg.SlowWindow, cfg.BarSize)
	if err := scheduler.Run(ctx); err != nil {
		if errors.Is(err, broker.ErrConnectivity) {
			log.Printf("session aborted, broker unreachable: %v", err)
		} else {
			log.Printf("session ended with error: %v", err)
		}
		_ = decisions.Close()
		os.Exit(1)
	}

	log.Printf("bot shutdown complete run_id=%s", runID)
}

func generateRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	return timestamp + "-" + uuid.NewString()[:8]
}
