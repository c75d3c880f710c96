package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goliatone/go-print"
	auth "github.com/goliatone/go-storefront-auth"
	"github.com/goliatone/go-storefront-auth/activitymap"
	"github.com/goliatone/go-storefront-auth/config"
	"github.com/goliatone/go-storefront-auth/metrics"
	"github.com/goliatone/go-storefront-auth/provider/local"
	"github.com/goliatone/go-storefront-auth/transport/redisfeed"
	"github.com/goliatone/go-storefront-auth/transport/wsfeed"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const shutdownTimeout = 5 * time.Second

type app struct {
	config    *config.Config
	logger    auth.Logger
	db        *bun.DB
	provider  *local.Provider
	transport auth.Transport
	publisher auth.Publisher
	recorder  *metrics.Recorder
	servers   []*http.Server
	closers   []func()
}

func main() {
	cfg, err := config.Load(getEnv("STOREFRONT_CONFIG", ""), getEnv("STOREFRONT_ENV_FILE", ".env"))
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logger := auth.NewLogrusLogger(logrus.WithField("app", "storefront-sync"))

	redacted := *cfg
	redacted.Auth.SigningKey = "********"
	redacted.Transport.RedisPassword = ""
	fmt.Println(print.MaybeHighlightJSON(redacted))
	fmt.Println("============")

	ctx := context.Background()

	a := &app{config: cfg, logger: logger}
	defer a.close()

	if err := a.setupDatabase(ctx); err != nil {
		logrus.WithError(err).Fatal("failed to setup database")
	}
	if err := a.setupProvider(); err != nil {
		logrus.WithError(err).Fatal("failed to setup auth provider")
	}
	if err := a.setupTransport(); err != nil {
		logrus.WithError(err).Fatal("failed to setup change feed transport")
	}
	a.setupMetrics()

	svc := auth.NewService(ctx, a.provider, auth.NewRepositoryManager(a.db), a.transport,
		auth.WithConfig(cfg),
		auth.WithLogger(logger),
		auth.WithLocation(cfg.Location()),
		auth.WithMetrics(a.recorder),
		auth.WithResetRedirect(cfg.Auth.ResetRedirect),
		auth.WithPublisher(a.publisher),
		auth.WithActivitySink(activityLogger(logger)),
	)
	a.closers = append(a.closers, svc.Close)

	unsubscribe := svc.Store.OnChange(func() {
		fmt.Println(print.MaybeHighlightJSON(svc.State()))
	})
	a.closers = append(a.closers, unsubscribe)

	a.serve()
	svc.Start(ctx)

	logger.Info("storefront sync running", "transport", cfg.Transport.Kind)

	sig := WaitExitSignal()
	logger.Info("shutting down", "signal", sig.String())
}

func (a *app) setupDatabase(ctx context.Context) error {
	sqldb, err := sql.Open(sqliteshim.ShimName, a.config.Database.DSN)
	if err != nil {
		return err
	}
	a.db = bun.NewDB(sqldb, sqlitedialect.New())
	a.closers = append(a.closers, func() {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	})
	return auth.Migrate(ctx, a.db)
}

func (a *app) setupProvider() error {
	opts := []local.Option{
		local.WithLogger(a.logger),
	}

	if url := a.config.Auth.JWKSURL; url != "" {
		jwks, err := local.NewJWKSValidator(url, a.config.Auth.JWKSIssuer, func(err error) {
			a.logger.Warn("jwks refresh failed", "error", err)
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, jwks.Close)
		opts = append(opts, local.WithTokenValidator(jwks))
	}

	a.provider = local.New(local.Config{
		SigningKey: []byte(a.config.Auth.SigningKey),
		Issuer:     a.config.Auth.Issuer,
		TokenTTL:   a.config.Auth.TokenTTL,
		SocialURLs: a.config.Auth.SocialURLs,
	}, local.NewStore(a.db), opts...)
	return nil
}

func (a *app) setupTransport() error {
	tc := a.config.Transport
	switch tc.Kind {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     tc.RedisAddr,
			Password: tc.RedisPassword,
			DB:       tc.RedisDB,
		})
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("failed to close redis client", "error", err)
			}
		})

		opts := []redisfeed.Option{redisfeed.WithLogger(a.logger)}
		if tc.Prefix != "" {
			opts = append(opts, redisfeed.WithPrefix(tc.Prefix))
		}
		a.transport = redisfeed.NewTransport(client, opts...)
		a.publisher = redisfeed.NewPublisher(client, opts...)
		return nil

	case "ws", "":
		a.transport = wsfeed.New(tc.URL,
			wsfeed.WithLogger(a.logger),
			wsfeed.WithTokenSource(a.accessToken),
		)
		if tc.Listen == "" {
			return nil
		}

		hub := wsfeed.NewHub(
			wsfeed.WithAuthenticator(a.authenticate),
			wsfeed.WithHubLogger(a.logger),
		)
		a.closers = append(a.closers, hub.Close)
		a.publisher = hub

		mux := http.NewServeMux()
		mux.Handle("/feed", hub)
		a.servers = append(a.servers, &http.Server{
			Addr:              tc.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
		return nil

	default:
		return fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}

func (a *app) setupMetrics() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.recorder = metrics.NewRecorder(registry)

	if a.config.Metrics.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	a.servers = append(a.servers, &http.Server{
		Addr:              a.config.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	})
}

func (a *app) serve() {
	for _, server := range a.servers {
		go func(server *http.Server) {
			a.logger.Info("listening", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("server stopped", "address", server.Addr, "error", err)
			}
		}(server)
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, server := range a.servers {
		if err := server.Shutdown(ctx); err != nil {
			a.logger.Warn("server shutdown failed", "address", server.Addr, "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// accessToken is sent with websocket subscribe frames.
func (a *app) accessToken(ctx context.Context) string {
	session, err := a.provider.CurrentSession(ctx)
	if err != nil || session == nil {
		return ""
	}
	return session.AccessToken
}

func (a *app) authenticate(token string) (string, error) {
	claims, err := a.provider.Tokens().ValidatePurpose(token, local.PurposeSession)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func activityLogger(logger auth.Logger) auth.ActivitySink {
	return auth.ActivitySinkFunc(func(ctx context.Context, event auth.ActivityEvent) error {
		record := activitymap.Normalize(event)
		logger.Info("activity",
			"verb", record.Verb,
			"actor", record.ActorID,
			"object_type", record.ObjectType,
			"object_id", record.ObjectID,
			"metadata", record.Metadata,
		)
		return nil
	})
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
