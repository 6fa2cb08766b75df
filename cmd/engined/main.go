package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"signflow/access"
	"signflow/db"
	"signflow/integrity"
	"signflow/notify"
	"signflow/otp"
	"signflow/request"
	"signflow/schedule"
)

const (
	flagDatabaseURL      = "database_url"
	flagArtifactDir      = "artifact_dir"
	flagOTPMasterKey     = "otp_master_key"
	flagTokenSecret      = "token_secret"
	flagLinkBaseURL      = "link_base_url"
	flagDispatchInterval = "dispatch_interval"
	flagSweepInterval    = "sweep_interval"
	flagLogLevel         = "log_level"
)

var rootCmd = &cobra.Command{
	Use:   "engined",
	Short: "runs the signature request workflow engine workers",
	RunE:  runEngine,
}

func init() {
	rootCmd.PersistentFlags().String(flagDatabaseURL, "", "Postgres connection string (falls back to DATABASE_URL)")
	rootCmd.PersistentFlags().String(flagArtifactDir, "./signflow_artifacts", "Directory holding source and finalized artifacts")
	rootCmd.PersistentFlags().String(flagOTPMasterKey, "", "Master key for verification code derivation (falls back to OTP_MASTER_KEY)")
	rootCmd.PersistentFlags().String(flagTokenSecret, "", "Secret for signer link tokens (falls back to TOKEN_SECRET)")
	rootCmd.PersistentFlags().String(flagLinkBaseURL, "http://localhost:8080", "Base URL embedded in signer links")
	rootCmd.PersistentFlags().Duration(flagDispatchInterval, 5*time.Second, "Outbox dispatch interval")
	rootCmd.PersistentFlags().Duration(flagSweepInterval, time.Minute, "Expiration and reminder sweep interval")
	rootCmd.PersistentFlags().String(flagLogLevel, "info", "Log level: debug, info, warn, error")
}

func stringFlag(cmd *cobra.Command, name, envKey string) (string, error) {
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		return "", fmt.Errorf("read flag %s: %w", name, err)
	}
	if v == "" && envKey != "" {
		v = os.Getenv(envKey)
	}
	return v, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runEngine(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connString, err := stringFlag(cmd, flagDatabaseURL, "DATABASE_URL")
	if err != nil {
		return err
	}
	masterKey, err := stringFlag(cmd, flagOTPMasterKey, "OTP_MASTER_KEY")
	if err != nil {
		return err
	}
	tokenSecret, err := stringFlag(cmd, flagTokenSecret, "TOKEN_SECRET")
	if err != nil {
		return err
	}
	artifactDir, err := stringFlag(cmd, flagArtifactDir, "")
	if err != nil {
		return err
	}
	linkBase, err := stringFlag(cmd, flagLinkBaseURL, "")
	if err != nil {
		return err
	}
	logLevel, _ := cmd.Flags().GetString(flagLogLevel)
	dispatchInterval, _ := cmd.Flags().GetDuration(flagDispatchInterval)
	sweepInterval, _ := cmd.Flags().GetDuration(flagSweepInterval)

	log := newLogger(logLevel)
	slog.SetDefault(log)

	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	store, err := integrity.NewDirStore(artifactDir)
	if err != nil {
		return err
	}
	finalizer := integrity.NewService(store)

	gate, err := otp.NewGate(pool, []byte(masterKey), otp.DefaultConfig())
	if err != nil {
		return err
	}

	issuer, err := access.NewIssuer(tokenSecret, 0)
	if err != nil {
		return err
	}

	engine := request.NewService(pool, finalizer, gate)

	dispatcher := notify.NewDispatcher(pool, &notify.LogGateway{Log: log}, log).
		WithLinks(func(requestID, signerID string) (string, error) {
			token, err := issuer.Issue(requestID, signerID)
			if err != nil {
				return "", err
			}
			return linkBase + "/sign?token=" + token, nil
		}).
		OnDelivered(func(ctx context.Context, msg notify.Message) error {
			if msg.Topic != notify.TopicSignerInvited {
				return nil
			}
			signerID := msg.PayloadField("signer_id")
			if signerID == "" {
				return nil
			}
			return engine.MarkSignerNotified(ctx, signerID)
		})
	dispatcher.Interval = dispatchInterval

	sweeper := schedule.NewSweeper(pool, engine, log)
	sweeper.Interval = sweepInterval

	log.InfoContext(ctx, "workflow engine starting",
		slog.Duration("dispatch_interval", dispatchInterval),
		slog.Duration("sweep_interval", sweepInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("workflow engine stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "engined: %v\n", err)
		os.Exit(1)
	}
}
