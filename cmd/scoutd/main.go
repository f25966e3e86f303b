// Command scoutd runs the scout pipeline: the minute dispatcher, the stale-run
// reaper and the HTTP executor surface, all in one process.
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

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/scout/config"
	analyticspulse "goa.design/scout/features/analytics/pulse"
	clientspulse "goa.design/scout/features/analytics/pulse/clients/pulse"
	"goa.design/scout/features/model/openai"
	"goa.design/scout/features/notify/resend"
	"goa.design/scout/features/search/firecrawl"
	"goa.design/scout/runtime/agent"
	"goa.design/scout/runtime/analytics"
	"goa.design/scout/runtime/credentials"
	"goa.design/scout/runtime/dedup"
	"goa.design/scout/runtime/dispatch"
	"goa.design/scout/runtime/notify"
	"goa.design/scout/runtime/server"
	storemongo "goa.design/scout/store/mongo"
	"goa.design/scout/telemetry"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	ctx = log.With(ctx, log.KV{K: "svc", V: "scoutd"})

	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	mongoClient, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "mongo disconnect failed"})
		}
	}()
	store, err := storemongo.New(storemongo.Options{Client: mongoClient, Database: cfg.MongoDB})
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	// Analytics, on when Redis is configured.
	var sink analytics.Sink = analytics.Nop{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("init pulse client: %w", err)
		}
		pulseSink, err := analyticspulse.NewSink(ctx, analyticspulse.Options{Client: pulseClient})
		if err != nil {
			return fmt.Errorf("init analytics sink: %w", err)
		}
		defer pulseSink.Close()
		sink = pulseSink
	}

	// Model access.
	var model *openai.Client
	switch cfg.LLM.Mode {
	case config.ModeDeployment:
		model, err = openai.NewDeployment(openai.DeploymentConfig{
			APIKey:              cfg.LLM.APIKey,
			Endpoint:            cfg.LLM.Endpoint,
			APIVersion:          cfg.LLM.APIVersion,
			Deployment:          cfg.LLM.Deployment,
			EmbeddingDeployment: cfg.LLM.EmbeddingDeployment,
		})
	default:
		model, err = openai.NewDirect(openai.DirectConfig{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
		})
	}
	if err != nil {
		return fmt.Errorf("init model client: %w", err)
	}

	// Per-user search clients share one rate limiter so a burst of scouts
	// cannot hammer the provider.
	var limiter *rate.Limiter
	if cfg.Search.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Search.RatePerSecond), 1)
	}
	searchFactory := func(key string) (agent.Searcher, error) {
		c, err := firecrawl.New(firecrawl.Options{
			APIKey:    key,
			BaseURL:   cfg.Search.BaseURL,
			Limiter:   limiter,
			Blacklist: cfg.Search.Blacklist,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	resolver, err := credentials.New(store)
	if err != nil {
		return fmt.Errorf("init credential resolver: %w", err)
	}

	var notifier agent.Notifier
	if cfg.Email.APIKey != "" {
		mailer, err := resend.New(resend.Options{APIKey: cfg.Email.APIKey, From: cfg.Email.From})
		if err != nil {
			return fmt.Errorf("init mailer: %w", err)
		}
		notifier, err = notify.New(notify.Options{
			Mailer:     mailer,
			Recipients: store,
			Analytics:  sink,
			AppURL:     cfg.AppURL,
		})
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
	}

	metrics, err := telemetry.New()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	executor, err := agent.New(agent.Options{
		Store:       store,
		Model:       model,
		Search:      searchFactory,
		Credentials: resolver,
		Detector:    dedup.New(cfg.DedupThreshold),
		Notifier:    notifier,
		Analytics:   sink,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}

	var dispatcher *dispatch.Dispatcher
	if !cfg.DisableDispatcher {
		dispatcher, err = dispatch.New(dispatch.Options{
			Store:        store,
			Runner:       runnerFunc(executor.Execute),
			Interval:     cfg.DispatchInterval,
			ReapInterval: cfg.ReapInterval,
			Metrics:      metrics,
		})
		if err != nil {
			return fmt.Errorf("init dispatcher: %w", err)
		}
		dispatcher.Start(ctx)
	}

	handler, err := server.Handler(server.Options{
		Executor:       executor,
		Pingers:        []health.Pinger{store},
		AllowedOrigins: corsOrigins(cfg.AppURL),
	})
	if err != nil {
		return fmt.Errorf("init http handler: %w", err)
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           log.HTTP(ctx)(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, log.KV{K: "msg", V: "http server listening"},
			log.KV{K: "addr", V: cfg.HTTPAddr})
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info(ctx, log.KV{K: "msg", V: "shutting down"})
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "http shutdown failed"})
	}
	if dispatcher != nil {
		dispatcher.Wait()
	}
	return nil
}

// runnerFunc adapts the executor's Execute signature to the dispatcher's
// Runner interface.
type runnerFunc func(ctx context.Context, scoutID string) (*agent.Result, error)

func (f runnerFunc) Run(ctx context.Context, scoutID string) error {
	_, err := f(ctx, scoutID)
	return err
}

func corsOrigins(appURL string) []string {
	if appURL == "" {
		return nil
	}
	return []string{appURL}
}
