// Kiosk is the classroom terminal: it signs in with a provider access token, opens attendance for
// a class and shows rotating check-in codes while the session timeout controller runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"schoolhub/backend/internal/kiosk"
	"schoolhub/backend/internal/logger"
	"schoolhub/backend/internal/timeout"
)

const version = "1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("KIOSK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "kiosk --class <id>",
		Short:         "Show live attendance check-in codes for a class",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}
	f := cmd.Flags()
	f.String("server", "http://localhost:8080", "API base URL (KIOSK_SERVER)")
	f.String("class", "", "class to take attendance for (KIOSK_CLASS)")
	f.String("token", "", "auth provider access token (KIOSK_TOKEN)")
	f.String("missing-start", string(timeout.MissingStartFallback), "what to do when the server omits the session start: fallback or deny")
	f.Duration("refresh", 2*time.Second, "how often to fetch a new check-in code")
	f.String("log-file", "kiosk.log", "log destination; the terminal is used by the display")
	f.String("log-level", "info", "zap log level")
	_ = v.BindPFlags(f)
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	classID := v.GetString("class")
	token := v.GetString("token")
	if classID == "" || token == "" {
		return errors.New("--class and --token (or KIOSK_CLASS and KIOSK_TOKEN) are required")
	}
	missing, err := timeout.ParseMissingStartPolicy(v.GetString("missing-start"))
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(v.GetString("log-file"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	log := logger.WithComponent(logger.NewWithWriter(v.GetString("log-level"), "production", zapcore.AddSync(logFile)), "kiosk")
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := kiosk.NewClient(v.GetString("server"), kiosk.TerminalFingerprint(version))
	if err != nil {
		return err
	}
	login, err := client.Login(ctx, token)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	log.Info("signed in", zap.String("session_id", login.SessionID), zap.Bool("new_device", login.IsNewDevice))
	meta, err := client.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("session metadata: %w", err)
	}

	return kiosk.Run(ctx, kiosk.Options{
		API:          client,
		Revoker:      client.Revoker(),
		Metadata:     meta,
		MissingStart: missing,
		ClassID:      classID,
		Refresh:      v.GetDuration("refresh"),
		Logger:       log,
		OnAnomaly: func(a timeout.Anomaly) {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.ReportEvent(rctx, "session_metadata_anomaly", map[string]string{"anomaly": string(a)}); err != nil {
				log.Warn("failed to report anomaly", zap.String("anomaly", string(a)), zap.Error(err))
			}
		},
	})
}
