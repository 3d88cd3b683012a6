package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/chatrelay/internal/auth"
	"github.com/pliu/chatrelay/internal/config"
	"github.com/pliu/chatrelay/internal/email"
	"github.com/pliu/chatrelay/internal/handlers"
	"github.com/pliu/chatrelay/internal/logger"
	"github.com/pliu/chatrelay/internal/metrics"
	"github.com/pliu/chatrelay/internal/middleware"
	"github.com/pliu/chatrelay/internal/store/sqlstore"
	"github.com/pliu/chatrelay/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var (
	configPath = flag.String("config", "", "path to a YAML config file")
	addr       = flag.String("addr", "", "http service address (overrides config)")
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New(os.Stderr, "error", "text").Error("load config", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Database
	store, err := sqlstore.New(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("store ready", "driver", cfg.DB.Driver)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := ws.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AuthTimeout:    cfg.AuthTimeout,
		PingInterval:   cfg.PingInterval,
		SweepInterval:  cfg.SweepInterval,
		IdleTimeout:    cfg.IdleTimeout,
		HistoryLimit:   cfg.HistoryLimit,
		SendBuffer:     cfg.SendBuffer,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		RateLimit:      rate.Limit(cfg.Rate.RPS),
		RateBurst:      cfg.Rate.Burst,
		Logger:         log,
		Metrics:        metrics.New(reg),
	}
	if cfg.TokenSecret != "" {
		opts.Tokens = auth.NewSigner(cfg.TokenSecret)
	}
	if cfg.InviteEmails {
		opts.Notifier = email.NewSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	}

	// Initialize WebSocket Hub
	hub := ws.NewHub(store, opts)
	metrics.RegisterGauges(reg,
		func() float64 { return float64(hub.Stats().ActiveConversations) },
		func() float64 { return float64(hub.Stats().OnlineUsers) },
	)
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	status := &handlers.StatusHandler{Hub: hub, Store: store, Logger: log}

	r := mux.NewRouter()
	r.Use(middleware.Recover(log))
	r.Use(middleware.LoggingMiddleware(log))

	r.HandleFunc("/ws/chat", hub.ServeWS)
	r.HandleFunc("/stats", status.GetStats).Methods("GET")
	r.HandleFunc("/healthz", status.Health).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		<-hubDone
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	<-hubDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
