// Server runs the HTTP API and the internal SessionGuard gRPC server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	attendancehandler "schoolhub/backend/internal/attendance/handler"
	attendancerepo "schoolhub/backend/internal/attendance/repository"
	attendanceservice "schoolhub/backend/internal/attendance/service"
	"schoolhub/backend/internal/audit"
	auditrepo "schoolhub/backend/internal/audit/repository"
	"schoolhub/backend/internal/audit/scan"
	"schoolhub/backend/internal/config"
	"schoolhub/backend/internal/db"
	"schoolhub/backend/internal/db/migrate"
	devicerepo "schoolhub/backend/internal/device/repository"
	healthhandler "schoolhub/backend/internal/health/handler"
	"schoolhub/backend/internal/logger"
	meetinghandler "schoolhub/backend/internal/meeting/handler"
	meetingrepo "schoolhub/backend/internal/meeting/repository"
	meetingservice "schoolhub/backend/internal/meeting/service"
	"schoolhub/backend/internal/platform/ratelimit"
	"schoolhub/backend/internal/policy/engine"
	"schoolhub/backend/internal/qrtoken"
	"schoolhub/backend/internal/security"
	"schoolhub/backend/internal/server"
	sessionhandler "schoolhub/backend/internal/session/handler"
	sessionrepo "schoolhub/backend/internal/session/repository"
	sessionservice "schoolhub/backend/internal/session/service"
	"schoolhub/backend/internal/telemetry"
	oteltelemetry "schoolhub/backend/internal/telemetry/otel"
	"schoolhub/backend/internal/telemetry/producer"
)

const (
	shutdownTimeout = 15 * time.Second
	loginPerMinute  = 20
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

// stores groups the repositories for the selected database driver.
type stores struct {
	conn       *sqlx.DB
	sessions   sessionrepo.Store
	devices    devicerepo.Repository
	audit      auditrepo.Repository
	attendance attendancerepo.Repository
	meetings   meetingrepo.Repository
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	if cfg.DatabaseDriver == "memory" {
		log.Warn("using in-memory stores; data is lost on restart")
		mem := sessionrepo.NewMemoryStore()
		return &stores{
			sessions:   mem,
			devices:    mem.Devices(),
			audit:      auditrepo.NewMemoryRepository(),
			attendance: attendancerepo.NewMemoryRepository(),
			meetings:   meetingrepo.NewMemoryRepository(),
		}, nil
	}
	if err := migrate.Run(cfg.DatabaseDriver, cfg.DatabaseURL, "up"); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	conn, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &stores{
		conn:       conn,
		sessions:   sessionrepo.NewSQLStore(conn),
		devices:    devicerepo.NewSQLRepository(conn),
		audit:      auditrepo.NewSQLRepository(conn),
		attendance: attendancerepo.NewSQLRepository(conn),
		meetings:   meetingrepo.NewSQLRepository(conn),
	}, nil
}

func identityVerifier(cfg *config.Config) (*security.IdentityVerifier, error) {
	if cfg.AuthJWTPublicKey != "" {
		pub, err := security.ParsePublicKey(cfg.AuthJWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("auth public key: %w", err)
		}
		return security.NewKeyIdentityVerifier(pub, cfg.AuthJWTIssuer, cfg.AuthJWTAudience), nil
	}
	return security.NewHMACIdentityVerifier([]byte(cfg.AuthJWTSecret), cfg.AuthJWTIssuer, cfg.AuthJWTAudience), nil
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := oteltelemetry.NewProviders(ctx, cfg.OTelEndpoint, cfg.OTelServiceName, cfg.OTelInsecure, log)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			log.Warn("otel shutdown", zap.Error(err))
		}
	}()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	if st.conn != nil {
		defer st.conn.Close()
	}

	keys, err := security.DeriveKeys(cfg.SessionSecret)
	if err != nil {
		return err
	}
	verifier, err := identityVerifier(cfg)
	if err != nil {
		return err
	}
	policySrc, err := engine.LoadPolicyFile(cfg.PolicyFile)
	if err != nil {
		return err
	}
	policy, err := engine.NewOPAEvaluator(ctx, policySrc, logger.WithComponent(log, "policy"))
	if err != nil {
		return err
	}

	// Security events: persisted first, then fanned out to Kafka and OTel logs when configured.
	var sinks []telemetry.EventEmitter
	if kp := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.SecurityEventsTopic); kp != nil {
		defer kp.Close()
		sinks = append(sinks, kp)
	}
	if cfg.OTelEndpoint != "" {
		sinks = append(sinks, oteltelemetry.NewEventEmitter(providers.LoggerProvider))
	}
	events := audit.NewLogger(st.audit, logger.WithComponent(log, "audit"), audit.WithSink(telemetry.Fanout(sinks...)))
	defer events.Drain(5 * time.Second)

	ipPolicy, err := sessionservice.ParseIPChangePolicy(cfg.IPChangePolicy)
	if err != nil {
		return err
	}
	sessions := sessionservice.NewSessionService(st.sessions, st.devices, keys, events, policy, sessionservice.Config{
		IPChangePolicy:          ipPolicy,
		IdleTimeout:             cfg.SessionIdleTimeout,
		AbsoluteTimeout:         cfg.SessionAbsoluteTimeout,
		ClientInactivityTimeout: cfg.ClientInactivityTimeout,
		ClientAbsoluteTimeout:   cfg.ClientAbsoluteTimeout,
		ClientWarningTime:       cfg.ClientWarningTime,
	}, logger.WithComponent(log, "session"))

	signer := qrtoken.NewSigner(keys.QR, cfg.QRMaxAge, cfg.QRMaxSkew)
	attendance := attendanceservice.NewAttendanceService(st.attendance, signer, cfg.QRMaxAge, logger.WithComponent(log, "attendance"))
	if !cfg.MeetingsEnabled() {
		log.Info("LiveKit credentials not set; meeting join is disabled")
	}
	meetings := meetingservice.NewMeetingService(st.meetings, meetingservice.LiveKitConfig{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
	}, logger.WithComponent(log, "meeting"))

	scanOpts := []scan.Option{}
	if cfg.AlertsEnabled() {
		scanOpts = append(scanOpts, scan.WithAlerter(scan.NewResendAlerter(cfg.ResendAPIKey, cfg.SecurityAlertFrom, cfg.SecurityAlertTo)))
	}
	scanner := scan.New(st.audit, events, scan.Config{
		Interval:           cfg.AuditScanInterval,
		HijackThreshold:    cfg.AuditScanHijackThreshold,
		NewDeviceThreshold: cfg.AuditScanNewDeviceThreshold,
	}, logger.WithComponent(log, "scanner"), scanOpts...)
	scanner.Start(ctx)
	defer scanner.Stop()

	if cfg.GRPCAddr != "" && cfg.GRPCServiceToken == "" {
		if cfg.Env == "production" {
			return errors.New("GRPC_SERVICE_TOKEN must be set in production")
		}
		log.Warn("GRPC_SERVICE_TOKEN is empty; SessionGuard accepts unauthenticated calls")
	}

	var pinger healthhandler.Pinger
	if st.conn != nil {
		pinger = st.conn
	}
	httpLog := logger.WithComponent(log, "http")
	handler := server.NewHTTPHandler(cfg.CORSOrigins(), server.HTTPDeps{
		Sessions: sessionhandler.NewHTTPHandler(sessions, verifier, sessionhandler.CookieConfig{
			Name:   cfg.SessionCookieName,
			Secure: cfg.SessionCookieSecure,
			MaxAge: cfg.SessionAbsoluteTimeout,
		}, httpLog),
		Attendance:   attendancehandler.NewHTTPHandler(attendance, httpLog),
		Meetings:     meetinghandler.NewHTTPHandler(meetings, httpLog),
		Health:       healthhandler.NewServer(pinger, policy, httpLog),
		LoginLimit:   ratelimit.PerMinute(loginPerMinute),
		CheckInLimit: ratelimit.PerMinute(cfg.CheckinRatePerMinute),
	}, httpLog)
	httpSrv := server.NewHTTPServer(cfg.HTTPAddr, handler)

	errCh := make(chan error, 2)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var grpcStop func()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv, health := server.NewGRPCServer(server.GRPCDeps{
			Guard:        sessionhandler.NewGuardServer(sessions, logger.WithComponent(log, "guard")),
			ServiceToken: cfg.GRPCServiceToken,
		}, logger.WithComponent(log, "grpc"))
		go func() {
			log.Info("grpc server listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
		grpcStop = func() {
			health.Shutdown()
			grpcSrv.GracefulStop()
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server failed", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if grpcStop != nil {
		grpcStop()
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}
