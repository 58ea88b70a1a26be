// Package main is the entry point for the agentcp binary. It wires every
// internal package into one Agent runtime and brings the identity online
// until it receives a shutdown signal.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load or generate identity credentials
//  4. Open the per-identity message store and the shared metrics store
//  5. Construct the Agent (auth, heartbeat, session manager, scheduler,
//     dispatcher, monitoring)
//  6. Bring the identity online
//  7. Block until SIGINT/SIGTERM, then reset and close
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/agentid"
	"github.com/arkeep-io/agentcp/internal/authclient"
	"github.com/arkeep-io/agentcp/internal/config"
	"github.com/arkeep-io/agentcp/internal/identity"
	"github.com/arkeep-io/agentcp/internal/monitoring"
	"github.com/arkeep-io/agentcp/internal/store"
	"github.com/arkeep-io/agentcp/internal/wire"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	agentID        string
	seed           string
	authServer     string
	messageServer  string
	appDir         string
	skipTLSVerify  bool
	logLevel       string
	metricsRetain  time.Duration
}

func main() {
	_ = godotenv.Load() // best-effort; env vars and flags still win when no .env is present

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "agentcp",
		Short: "agentcp — client runtime for a federated agent messaging fabric",
		Long: `agentcp runs one agent identity: it authenticates to its home
authority, maintains a heartbeat, joins and hosts sessions, and dispatches
inbound messages to registered handlers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("AGENTCP_AGENT_ID", ""), "agent id in name.authority1.authority2 form (required)")
	root.PersistentFlags().StringVar(&cfg.seed, "seed", envOrDefault("AGENTCP_SEED", ""), "passphrase seed used to encrypt/decrypt the private key file")
	root.PersistentFlags().StringVar(&cfg.authServer, "auth-server", envOrDefault("AGENTCP_AUTH_SERVER", ""), "home authority's HTTPS auth endpoint")
	root.PersistentFlags().StringVar(&cfg.messageServer, "message-server", envOrDefault("AGENTCP_MESSAGE_SERVER", ""), "home authority's message server WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.appDir, "app-dir", envOrDefault("AGENTCP_APP_DIR", defaultAppDir()), "directory for credentials, state, and sqlite databases")
	root.PersistentFlags().BoolVar(&cfg.skipTLSVerify, "skip-tls-verify", envOrDefault("AGENTCP_SKIP_TLS_VERIFY", "") == "true", "skip TLS certificate verification on the auth server's HTTPS transport (testing only)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("AGENTCP_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.metricsRetain, "metrics-retention", 7*24*time.Hour, "how long metrics snapshots are kept before pruning")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentcp %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.agentID == "" {
		return fmt.Errorf("agent-id is required (set --agent-id or AGENTCP_AGENT_ID)")
	}
	id := wire.AgentID(cfg.agentID)
	if !id.Valid() {
		return fmt.Errorf("agent-id %q is not a valid name.authority1.authority2 identifier", cfg.agentID)
	}

	logger.Info("starting agentcp",
		zap.String("version", version),
		zap.String("agent_id", cfg.agentID),
		zap.String("auth_server", cfg.authServer),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	paths := identity.Paths{AppDir: cfg.appDir, CertDir: filepath.Join(cfg.appDir, "Certs")}
	creds := identity.New(id, cfg.seed, paths)
	if _, err := creds.Key(); err != nil {
		logger.Info("no existing private key found, generating one", zap.Error(err))
		if err := creds.GenerateAndStore(); err != nil {
			return fmt.Errorf("generate identity key: %w", err)
		}
	}

	var verifier *authclient.IssuerVerifier
	if rootPEM, err := identity.RootCA(paths); err == nil {
		verifier = authclient.NewIssuerVerifier(rootPEM)
	} else {
		logger.Warn("no pinned root CA found, issuer verification disabled", zap.Error(err))
	}

	msgStorePath := filepath.Join(cfg.appDir, "agentcp.db")
	msgStore, err := store.Open(msgStorePath, cfg.agentID, cfg.seed, logger)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}

	metricsStorePath := filepath.Join(cfg.appDir, "metrics.db")
	metricsStore, err := monitoring.OpenSnapshotStore(metricsStorePath)
	if err != nil {
		msgStore.Close() //nolint:errcheck
		return fmt.Errorf("open metrics store: %w", err)
	}

	agent := agentid.New(ctx, agentid.Config{
		ID:                  id,
		Credentials:         creds,
		AuthServerURL:       cfg.authServer,
		MessageServerURL:    cfg.messageServer,
		Verifier:            verifier,
		SkipTLSVerify:       cfg.skipTLSVerify,
		Scheduler:           config.DefaultScheduler(),
		MessageClient:       config.DefaultMessageClient(),
		Store:               msgStore,
		MonitoringStore:     metricsStore,
		MonitoringRetention: cfg.metricsRetain,
		Logger:              logger,
	})

	if err := agent.Online(ctx); err != nil {
		return fmt.Errorf("bring identity online: %w", err)
	}
	logger.Info("identity online, awaiting shutdown signal")

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := agent.Close(shutdownCtx); err != nil {
		logger.Warn("error during shutdown", zap.Error(err))
	}

	logger.Info("agentcp stopped")
	return nil
}

// defaultAppDir returns the platform-appropriate default state directory.
func defaultAppDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".agentcp")
	}
	return ".agentcp"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
