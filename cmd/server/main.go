// Command server runs the voice-call relay: an HTTP control plane plus
// the WebSocket media-stream endpoint that bridges each call to the
// conversational-AI peer (C8: Process Supervisor).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vossbridge/relay/internal/audit"
	"github.com/vossbridge/relay/internal/clock"
	"github.com/vossbridge/relay/internal/config"
	"github.com/vossbridge/relay/internal/httpapi"
	"github.com/vossbridge/relay/internal/logging"
	"github.com/vossbridge/relay/internal/metrics"
	"github.com/vossbridge/relay/internal/ratelimit"
	"github.com/vossbridge/relay/internal/registry"
	"github.com/vossbridge/relay/internal/shutdown"
	"github.com/vossbridge/relay/internal/transcript"
	"github.com/vossbridge/relay/pkg/aiprovider"
	"github.com/vossbridge/relay/pkg/telephony"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		return 1
	}

	logger, err := logging.New(cfg.IsDevelopment())
	if err != nil {
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	clk := clock.New()
	counters := metrics.New()
	prom := metrics.NewPrometheus()
	transcripts := transcript.New()
	reg := registry.New(logger)

	auditLog, err := audit.Connect(ctx, cfg.Audit.DatabaseURL, logger)
	if err != nil {
		logger.Warn("audit log disabled, continuing without persistence", zap.Error(err))
	}

	telephonyClient := telephony.New(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, "https://api.twilio.com/2010-04-01", logger)
	fetcher := aiprovider.New(aiprovider.Config{
		AgentID: cfg.ElevenLabs.AgentID,
		APIKey:  cfg.ElevenLabs.APIKey,
		Base:    cfg.ElevenLabs.SignedURLBase,
		Method:  cfg.ElevenLabs.SignedURLMethod,
	}, logger)
	limiter := ratelimit.New(cfg.RateLimit.CallsPerMinute, cfg.RateLimit.Burst)
	sessions := httpapi.NewSessionTracker()

	router := httpapi.NewRouter(httpapi.Deps{
		Telephony:      telephonyClient,
		Fetcher:        fetcher,
		Registry:       reg,
		Transcripts:    transcripts,
		Metrics:        counters,
		Prom:           prom,
		Audit:          auditLog,
		RateLimit:      limiter,
		Clock:          clk,
		Logger:         logger,
		PublicHost:     os.Getenv("PUBLIC_HOST"),
		StatusCallback: os.Getenv("STATUS_CALLBACK_URL"),
		FromNumber:     cfg.Twilio.PhoneNumber,
		MaxAIRetries:   cfg.MaxAIRetries,
		IdleTimeout:    cfg.MediaStreamTimeout,
		Port:           cfg.Port,
		Env:            cfg.Env,
		Sessions:       sessions,
	})

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}

	coordinator := shutdown.NewCoordinator(shutdownTimeout, logger)
	coordinator.RegisterFunc(shutdown.PhaseStopAccepting, "http-server", func(ctx context.Context) error {
		return httpServer.Shutdown(ctx)
	})
	coordinator.RegisterFunc(shutdown.PhaseDrainSessions, "bridge-sessions", sessions.Drain)
	coordinator.RegisterFunc(shutdown.PhaseStopSchedules, "call-registry", func(ctx context.Context) error {
		reg.Stop()
		return nil
	})
	coordinator.RegisterFunc(shutdown.PhaseCloseResources, "audit-log", func(ctx context.Context) error {
		auditLog.Close()
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
		exitCode = 1
	}

	coordinator.Shutdown()
	if coordinator.TimedOut() {
		return 1
	}
	return exitCode
}
