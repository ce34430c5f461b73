package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyberinferno/ecos-remote/cacher"
	"github.com/cyberinferno/ecos-remote/config"
	"github.com/cyberinferno/ecos-remote/controller"
	"github.com/cyberinferno/ecos-remote/logger"
	"github.com/cyberinferno/ecos-remote/metrics"
	"github.com/cyberinferno/ecos-remote/session"
)

const serviceName = "ecosremote"

type rootOptions struct {
	configPath string
	host       string
	port       int
	logLevel   string
}

// loadConfig layers the flags over the file and environment.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	if o.host != "" {
		cfg.Station.Host = o.host
	}
	if o.port != 0 {
		cfg.Station.Port = o.port
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}

	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Logging.Format == "json" {
		return logger.NewJSONLogger(os.Stderr, serviceName, level), nil
	}

	return logger.NewConsoleLogger(os.Stderr, serviceName, level), nil
}

// app is one connected client: session, controller and metrics.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	recorder *metrics.Recorder
	session  *session.Session
	ctrl     *controller.Controller
}

func newApp(opts *rootOptions, policy func(*controller.Policy)) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	recorder := metrics.New(metrics.WithConstLabels(prometheus.Labels{"station": cfg.Address()}))
	sess := session.New(cfg.SessionConfig(), session.WithLogger(log), session.WithRecorder(recorder))

	p := cfg.Policy()
	if policy != nil {
		policy(&p)
	}

	ctrlOpts := []controller.Option{
		controller.WithPolicy(p),
		controller.WithLogger(log),
		controller.WithMaxStatusLines(cfg.Controller.MaxStatusLines),
		controller.WithStatusHook(func(line controller.StatusLine) {
			fmt.Fprintln(os.Stderr, line.String())
		}),
	}
	if cfg.Controller.FunctionCacheTTL > 0 {
		ctrlOpts = append(ctrlOpts, controller.WithFunctionCache(cacher.NewFunctionCache(cfg.Controller.FunctionCacheTTL)))
	}

	ctrl := controller.New(sess, ctrlOpts...)
	sess.OnEvent(ctrl.HandleEvent)
	sess.OnConnectionState(ctrl.HandleConnectionState)

	return &app{cfg: cfg, log: log, recorder: recorder, session: sess, ctrl: ctrl}, nil
}

func (r *app) Close() {
	r.ctrl.Close()
	_ = r.session.Close()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveMetrics serves /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, handler http.Handler, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", logger.Field{Key: "addr", Value: addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}

	return nil
}
