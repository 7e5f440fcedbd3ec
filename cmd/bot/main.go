package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/telebot.v4"
	"tg-debounce-bot/internal/config"
	"tg-debounce-bot/internal/coordinator"
	"tg-debounce-bot/internal/handler"
	"tg-debounce-bot/internal/logging"
	"tg-debounce-bot/internal/metrics"
	"tg-debounce-bot/internal/responder"
	"tg-debounce-bot/internal/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "bot",
	Short:         "Telegram bot that batches messages and answers with paced replies",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(resolveConfigPath())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CONFIG_PATH or config.toml)")
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return os.Getenv("CONFIG_PATH")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// Initialize logging
	logger, err := logging.Init(cfg.Logging.Level, cfg.Logging.Output)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.Info("Starting buffered reply bot")
	logger.Infof("Allowed users: %v", cfg.Telegram.AllowedUserIDs)
	logger.Infof("History limit: %d messages, wait: %v, pacing: %d wpm",
		cfg.Conversation.MaxHistoryMessages, cfg.Conversation.Wait(), cfg.Conversation.WordsPerMinute)
	if cfg.Conversation.SystemPrompt == "" {
		logger.Info("System prompt: not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(storage.Options{
		Type:        cfg.Storage.Type,
		FilePath:    cfg.Storage.FilePath,
		SQLitePath:  cfg.Storage.SQLitePath,
		PebblePath:  cfg.Storage.PebblePath,
		MaxMessages: cfg.Conversation.MaxHistoryMessages,
	})
	if err != nil {
		return fmt.Errorf("failed to open history storage: %w", err)
	}
	defer store.Close()
	logger.Infof("Using %s history storage", cfg.Storage.Type)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logger.Errorf("Metrics listener failed: %v", err)
			}
		}()
	}

	client := responder.NewClient(responder.Options{
		URL:         cfg.Responder.URL,
		APIKey:      cfg.Responder.APIKey,
		Model:       cfg.Responder.Model,
		Temperature: cfg.Responder.Temperature,
		Timeout:     time.Duration(cfg.Responder.Timeout) * time.Second,
		MaxRetries:  cfg.Responder.Retries(),
		Stream:      cfg.Responder.Stream,
	})
	pool := responder.NewPool(client, cfg.Responder.MaxConcurrent)

	coord := coordinator.New(coordinator.Options{
		Wait:            cfg.Conversation.Wait(),
		WordsPerMinute:  cfg.Conversation.WordsPerMinute,
		SystemPrompt:    cfg.Conversation.SystemPrompt,
		NotifyOnFailure: cfg.Conversation.ShouldNotifyOnFailure(),
		FailureMessage:  cfg.Conversation.FailureMessage,
	}, store, pool, m)

	// Create HTTP client for Telegram bot with proxy if enabled
	tgHTTPClient := &http.Client{
		Timeout: time.Duration(cfg.Telegram.PollingTimeout+10) * time.Second,
	}
	if cfg.Proxy.Enabled && cfg.Proxy.URL != "" {
		logger.Infof("Using proxy: %s", cfg.Proxy.URL)
		proxyURL, err := url.Parse(cfg.Proxy.URL)
		if err != nil {
			return fmt.Errorf("invalid proxy URL: %w", err)
		}
		tgHTTPClient.Transport = &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			IdleConnTimeout: 90 * time.Second,
		}
	}

	tgBot, err := telebot.NewBot(telebot.Settings{
		Token:   cfg.Telegram.Token,
		Poller:  &telebot.LongPoller{Timeout: time.Duration(cfg.Telegram.PollingTimeout) * time.Second},
		Client:  tgHTTPClient,
		Verbose: cfg.Logging.Level == "debug",
		OnError: func(err error, c telebot.Context) {
			logger.Errorf("Telegram handler error: %v", err)
		},
	})
	if err != nil {
		coord.Close()
		return fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	logger.Infof("Telegram bot authorized as @%s", tgBot.Me.Username)

	botHandler := handler.NewBot(cfg, coord, store)
	botHandler.SetTelegramBot(tgBot)
	botHandler.Start()

	go tgBot.Start()
	logger.Info("Bot is now running. Press Ctrl+C to exit.")

	<-ctx.Done()
	logger.Info("Shutting down...")

	// Stop intake first so no message arrives after the coordinator closes
	tgBot.Stop()
	coord.Close()

	logger.Info("Bot shutdown complete")
	return nil
}
