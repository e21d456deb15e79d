// Command entitle runs the entitlement service: provider webhooks in,
// entitlement sets and sink notifications out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/api"
	audithook "github.com/xraph/entitle/audit_hook"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/observability"
	"github.com/xraph/entitle/provider/stripe"
	"github.com/xraph/entitle/store/redis"
	"github.com/xraph/entitle/tier"
)

// Version is set at build time with -ldflags.
var Version = "dev"

type serveFlags struct {
	addr          string
	tiersPath     string
	databaseURL   string
	stripeSecret  string
	stripeAPIKey  string
	genericSecret string
	redisURL      string
	sinkURL       string
	sinkSecret    string
	logLevel      string
	workers       int
}

func main() {
	_ = godotenv.Load() //nolint:errcheck // .env is optional

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "entitle",
		Short:         "Entitlements driven by billing provider subscription state",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newValidateTiersCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway, engine and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", env("ENTITLE_ADDR", ":8080"), "HTTP listen address")
	fl.StringVar(&f.tiersPath, "tiers", env("ENTITLE_TIERS", "tiers.yaml"), "tier configuration file")
	fl.StringVar(&f.databaseURL, "database-url", env("ENTITLE_DATABASE_URL", ""), "postgres:// or sqlite:// URL; empty keeps state in memory")
	fl.StringVar(&f.stripeSecret, "stripe-webhook-secret", env("STRIPE_WEBHOOK_SECRET", ""), "Stripe webhook signing secret")
	fl.StringVar(&f.stripeAPIKey, "stripe-api-key", env("STRIPE_API_KEY", ""), "Stripe API key, enables reconciliation")
	fl.StringVar(&f.genericSecret, "webhook-secret", env("ENTITLE_WEBHOOK_SECRET", ""), "HMAC secret for the generic webhook format")
	fl.StringVar(&f.redisURL, "redis-url", env("ENTITLE_REDIS_URL", ""), "Redis URL for the shared entitlement cache and sink")
	fl.StringVar(&f.sinkURL, "sink-url", env("ENTITLE_SINK_URL", ""), "HTTP endpoint notified of entitlement changes")
	fl.StringVar(&f.sinkSecret, "sink-secret", env("ENTITLE_SINK_SECRET", ""), "HMAC secret for the HTTP sink")
	fl.StringVar(&f.logLevel, "log-level", env("ENTITLE_LOG_LEVEL", "info"), "debug, info, warn or error")
	fl.IntVar(&f.workers, "workers", 4, "event processing workers")
	return cmd
}

func newValidateTiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-tiers <path>",
		Short: "Validate a tier configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			cfg, err := tier.Parse(data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %s: %s\n", cfg.Version, strings.Join(cfg.TierNames(), ", "))
			return nil
		},
	}
}

func serve(ctx context.Context, f serveFlags) error {
	logger := newLogger(f.logLevel)
	slog.SetDefault(logger)

	tiers, err := tier.NewLoader(f.tiersPath, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []entitle.Option{
		entitle.WithLogger(logger),
		entitle.WithWorkers(f.workers),
		entitle.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))),
		entitle.WithPlugin(audithook.New(auditLog(logger), audithook.WithLogger(logger))),
	}

	var sinks []notify.Sink
	var cache *redis.Cache
	if f.redisURL != "" {
		if cache, err = redis.Dial(ctx, f.redisURL); err != nil {
			return err
		}
		defer cache.Close() //nolint:errcheck // shutdown
		opts = append(opts, entitle.WithEntitlementCache(cache))
		sinks = append(sinks, notify.NewRedisSink("redis", cache.Client(), "entitle:notifications", "entitle:changes"))
	} else {
		opts = append(opts, entitle.WithEntitlementCache(entitlement.NewLRUCache(10000, 10*time.Minute)))
	}
	if f.sinkURL != "" {
		sinks = append(sinks, notify.NewHTTPSink("http", f.sinkURL, f.sinkSecret))
	}
	if len(sinks) > 0 {
		opts = append(opts, entitle.WithSinks(sinks, notify.WithLogger(logger)))
	}
	if f.stripeAPIKey != "" {
		opts = append(opts, entitle.WithReconciliation(stripe.NewProvider(f.stripeAPIKey)))
	}

	st, backend, err := openStore(ctx, f.databaseURL)
	if err != nil {
		return err
	}
	if backend == backendMemory {
		logger.Warn("no database configured, ledger and subscriptions are kept in memory only")
	}
	eng := entitle.New(st, tiers, opts...)

	gwOpts := []gateway.Option{gateway.WithLogger(logger), gateway.WithPlugins(eng.Plugins())}
	if f.genericSecret != "" {
		gwOpts = append(gwOpts, gateway.WithDecoder("generic", gateway.NewHMACDecoder(f.genericSecret, 0)))
	}
	if f.stripeSecret != "" {
		gwOpts = append(gwOpts, gateway.WithDecoder("stripe", stripe.NewDecoder(f.stripeSecret, 0)))
	}
	gw := gateway.New(eng, gwOpts...)
	if len(gw.Providers()) == 0 {
		logger.Warn("no webhook secrets configured, webhook routes will reject every provider")
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	stopWatch, err := tiers.Watch()
	if err != nil {
		logger.Warn("tier hot reload disabled", "path", f.tiersPath, "error", err)
	} else {
		defer stopWatch()
	}

	srv := &http.Server{
		Addr:              f.addr,
		Handler:           api.NewRouter(api.NewHandlers(eng, gw, api.WithGatherer(reg), api.WithLogger(logger))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("entitle listening", "addr", f.addr, "version", Version, "store", backend, "providers", gw.Providers())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = eng.Stop() //nolint:errcheck // already failing
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs entitle.MultiError
	errs.Add(srv.Shutdown(shutdownCtx))
	errs.Add(eng.Stop())
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// auditLog records audit events as structured log lines.
func auditLog(logger *slog.Logger) audithook.RecorderFunc {
	return func(ctx context.Context, ev *audithook.AuditEvent) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("action", ev.Action),
			slog.String("resource", ev.Resource),
			slog.String("resource_id", ev.ResourceID),
			slog.String("outcome", ev.Outcome),
			slog.String("severity", ev.Severity),
		)
		return nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
