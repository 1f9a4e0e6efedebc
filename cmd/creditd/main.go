package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/voiceledger/internal/events/kafkapub"
	"github.com/MarkoPoloResearchLab/voiceledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	flagDatabaseURL  = "database-url"
	flagStore        = "store"
	flagListenAddr   = "listen-addr"
	flagKafkaBrokers = "kafka-brokers"
	flagKafkaTopic   = "kafka-topic"
	flagGormLogLevel = "gorm-log-level"
	flagEnvFile      = "env-file"
	flagUserID       = "user-id"

	configKeyDatabaseURL  = "database_url"
	configKeyStore        = "store"
	configKeyListenAddr   = "listen_addr"
	configKeyKafkaBrokers = "kafka_brokers"
	configKeyKafkaTopic   = "kafka_topic"
	configKeyGormLogLevel = "gorm_log_level"

	defaultDatabaseURL    = "sqlite:///tmp/voiceledger.db"
	defaultGRPCListenAddr = ":7000"
	defaultEnvFile        = ".env"
)

type runtimeConfig struct {
	DatabaseURL  string
	Store        string
	ListenAddr   string
	KafkaBrokers []string
	KafkaTopic   string
	GormLogLevel string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Voice credit ledger gRPC server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, v, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "database URL (postgres://, sqlite://, mysql:// or a sqlite path)")
	flags.String(flagStore, storeKindGorm, "storage backend: gorm, pgx or memory")
	flags.String(flagListenAddr, defaultGRPCListenAddr, "gRPC listen address")
	flags.String(flagKafkaBrokers, "", "comma-separated Kafka brokers for transaction events (optional)")
	flags.String(flagKafkaTopic, kafkapub.DefaultTopic, "Kafka topic for transaction events")
	flags.String(flagGormLogLevel, "warn", "gorm log level: silent, error, warn or info")
	flags.String(flagEnvFile, defaultEnvFile, "dotenv file loaded before reading the environment")

	cmd.AddCommand(newReconcileCommand(cfg))
	return cmd
}

func newReconcileCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute a user's balance from the transaction log and repair drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawUserID, err := cmd.Flags().GetString(flagUserID)
			if err != nil {
				return err
			}
			userID, err := ledger.NewUserID(rawUserID)
			if err != nil {
				return err
			}
			return runReconcile(cmd.Context(), cfg, userID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String(flagUserID, "", "user to reconcile (required)")
	return cmd
}

func loadConfig(cmd *cobra.Command, v *viper.Viper, cfg *runtimeConfig) error {
	if err := loadEnvFile(cmd); err != nil {
		return err
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:  "DATABASE_URL",
		configKeyStore:        "CREDITD_STORE",
		configKeyListenAddr:   "GRPC_LISTEN_ADDR",
		configKeyKafkaBrokers: "KAFKA_BROKERS",
		configKeyKafkaTopic:   "KAFKA_TOPIC",
		configKeyGormLogLevel: "GORM_LOG_LEVEL",
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}
	flagBindings := map[string]string{
		configKeyDatabaseURL:  flagDatabaseURL,
		configKeyStore:        flagStore,
		configKeyListenAddr:   flagListenAddr,
		configKeyKafkaBrokers: flagKafkaBrokers,
		configKeyKafkaTopic:   flagKafkaTopic,
		configKeyGormLogLevel: flagGormLogLevel,
	}
	for key, flagName := range flagBindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(configKeyDatabaseURL))
	cfg.Store = strings.ToLower(strings.TrimSpace(v.GetString(configKeyStore)))
	cfg.ListenAddr = strings.TrimSpace(v.GetString(configKeyListenAddr))
	cfg.KafkaBrokers = splitList(v.GetString(configKeyKafkaBrokers))
	cfg.KafkaTopic = strings.TrimSpace(v.GetString(configKeyKafkaTopic))
	cfg.GormLogLevel = strings.ToLower(strings.TrimSpace(v.GetString(configKeyGormLogLevel)))
	return cfg.validate()
}

func (cfg *runtimeConfig) validate() error {
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultGRPCListenAddr
	}
	if cfg.Store == "" {
		cfg.Store = storeKindGorm
	}
	switch cfg.Store {
	case storeKindGorm, storeKindPgx, storeKindMemory:
	default:
		return fmt.Errorf("unsupported store %q", cfg.Store)
	}
	if _, err := parseGormLogLevel(cfg.GormLogLevel); err != nil {
		return err
	}
	return nil
}

// loadEnvFile applies a dotenv file without overriding variables already set. A missing default
// file is ignored; a missing explicit file is an error.
func loadEnvFile(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed(flagEnvFile) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	options := []ledger.ServiceOption{ledger.WithOperationLogger(ledger.NewZapOperationLogger(logger))}
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := kafkapub.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("kafka publisher init: %w", err)
		}
		defer func() {
			if closeErr := publisher.Close(); closeErr != nil {
				logger.Warn("kafka publisher close", zap.Error(closeErr))
			}
		}()
		options = append(options, ledger.WithTransactionPublisher(publisher))
	}

	creditService, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() }, options...)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}
	defer creditService.Flush()

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.UnaryLoggingInterceptor(logger)))
	grpcserver.RegisterCreditServiceServer(grpcServer, grpcserver.NewCreditServiceServer(creditService, logger))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.ListenAddr), zap.String("store", cfg.Store))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func runReconcile(ctx context.Context, cfg *runtimeConfig, userID ledger.UserID, out io.Writer) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	creditService, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() }, ledger.WithOperationLogger(ledger.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}
	result, err := creditService.Reconcile(ctx, userID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "user=%s before=%d after=%d adjusted=%t\n", result.UserID, result.Before, result.After, result.Adjusted)
	return err
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
