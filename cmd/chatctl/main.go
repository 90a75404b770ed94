// Command chatctl runs operational tasks against the chat backend's stores.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sentiment-chat/internal/cache"
	"github.com/capitalize-ai/sentiment-chat/internal/config"
	"github.com/capitalize-ai/sentiment-chat/internal/llm"
	natsclient "github.com/capitalize-ai/sentiment-chat/internal/nats"
	"github.com/capitalize-ai/sentiment-chat/internal/sentiment"
	"github.com/capitalize-ai/sentiment-chat/internal/service"
	"github.com/capitalize-ai/sentiment-chat/internal/store"
	"github.com/capitalize-ai/sentiment-chat/internal/worker"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
)

var (
	cfg *config.Config
	log *logger.Logger

	eventsUser  string
	eventsLimit int
	tokenUser   string
	tokenTTL    time.Duration
	timeout     time.Duration

	rootCmd = &cobra.Command{
		Use:           "chatctl",
		Short:         "Operational tasks for the sentiment chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			l, err := logger.New(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			log = l
			return nil
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE:  runMigrate,
	}

	warmCacheCmd = &cobra.Command{
		Use:   "warm-cache",
		Short: "Fill the model and sentiment method caches",
		RunE:  runWarmCache,
	}

	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Print recent audit events of a user",
		RunE:  runEvents,
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a user id",
		RunE:  runToken,
	}
)

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for the command")

	eventsCmd.Flags().StringVar(&eventsUser, "user", "", "user id whose events to print")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "maximum number of events")
	_ = eventsCmd.MarkFlagRequired("user")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id to put in the token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(migrateCmd, warmCacheCmd, eventsCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatctl: %v\n", err)
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	pg, err := store.Connect(ctx, cfg.DatabaseURL, store.ConnectOptions{
		MaxConns: 1,
		Retries:  cfg.DBConnectRetries,
	}, log)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	log.Info("database schema applied")
	return nil
}

func runWarmCache(cmd *cobra.Command, args []string) error {
	if cfg.RedisURL == "" {
		return errors.New("REDIS_URL is not set")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	c := cache.New(client, log)
	defer c.Close()

	var adapters []llm.Adapter
	if cfg.OpenAIAPIKey != "" {
		if a, err := llm.NewOpenAIAdapter(cfg.OpenAIAPIKey); err == nil {
			adapters = append(adapters, a)
		}
	}
	if cfg.AnthropicAPIKey != "" {
		if a, err := llm.NewAnthropicAdapter(cfg.AnthropicAPIKey); err == nil {
			adapters = append(adapters, a)
		}
	}

	pool := worker.New(1, timeout, log)
	defer pool.Shutdown(context.Background())

	svc := service.NewConversationService(store.NewMemoryStore(), c, llm.NewRegistry(adapters...), sentiment.NewService(nil), pool, nil, log)
	svc.WarmCaches(ctx)
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return err
	}
	defer client.Close()

	events, err := natsclient.NewStreamManager(client).RecentEvents(ctx, eventsUser, eventsLimit)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return err
		}
	}
	log.Debug("events printed", zap.Int("count", len(events)))
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	signed, err := service.IssueToken([]byte(cfg.JWTSecret), tokenUser, tokenTTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), signed)
	return err
}
