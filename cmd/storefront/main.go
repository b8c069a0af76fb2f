package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"example.com/refurb-storefront/internal/checkout"
	"example.com/refurb-storefront/internal/config"
	"example.com/refurb-storefront/internal/logging"
	"example.com/refurb-storefront/internal/offers"
	"example.com/refurb-storefront/internal/storefront"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		envFile    = flag.String("env", ".env", "optional dotenv file loaded before the environment overrides")
		addr       = flag.String("addr", "", "HTTP listen address for the storefront API (overrides config)")
		backendURL = flag.String("backend", "", "base URL of the marketplace backend (overrides config)")
		tokenFor   = flag.Int64("token-for", 0, "print a bearer token for this buyer id and exit")
		tokenEmail = flag.String("token-email", "", "email embedded in the token printed by -token-for")
	)
	flag.Parse()

	logger := logging.New()

	if err := config.LoadEnvFile(*envFile); err != nil {
		logger.Error("load env file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Storefront.Addr = *addr
	}
	if *backendURL != "" {
		cfg.Storefront.BackendURL = *backendURL
	}

	auth := storefront.NewAuthenticator(cfg.Storefront.JWTSecret)
	if *tokenFor > 0 {
		token, err := auth.Issue(checkout.Buyer{ID: *tokenFor, Email: *tokenEmail}, 24*time.Hour)
		if err != nil {
			logger.Error("issue token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backendClient := storefront.NewBackendClient(cfg.Storefront.BackendURL, logger.With("component", "backend_client"))

	var cache offers.Cache = offers.NewMemoryCache()
	if cfg.Redis.URL != "" {
		redisCache, err := offers.NewRedisCache(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		cache = redisCache
	}
	ranker := offers.NewRanker(cache, cfg.Redis.RankingTTL, logger.With("component", "offers.ranker"))

	policy := checkout.Policy{
		FreeShippingThreshold: cfg.Checkout.Threshold(),
		HomeDeliveryFee:       cfg.Checkout.Fee(),
		Currency:              cfg.Checkout.Currency,
		OrderPrefix:           cfg.Checkout.OrderNumberPrefix,
	}
	orch := checkout.NewOrchestrator(checkout.Dependencies{
		Payments: backendClient,
		Orders:   backendClient,
		Carts:    backendClient,
		Mailer:   backendClient,
	}, policy, logger.With("component", "checkout"))
	defer orch.Wait()

	var runner storefront.CheckoutRunner = orch
	if cfg.Temporal.Enabled {
		temporalClient, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			Logger:    tlog.NewStructuredLogger(logger.With("component", "temporal")),
		})
		if err != nil {
			logger.Error("connect temporal", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()

		checkoutWorker := storefront.RegisterCheckoutWorker(temporalClient, orch, logger)
		if err := checkoutWorker.Start(); err != nil {
			logger.Error("start checkout worker", "error", err)
			os.Exit(1)
		}
		defer checkoutWorker.Stop()
		runner = storefront.NewTemporalCheckoutRunner(temporalClient, logger)
		logger.Info("checkout runs through temporal", "task_queue", storefront.CheckoutTaskQueue(), "host_port", cfg.Temporal.HostPort)
	}

	sessions := storefront.NewSessionRegistry(cfg.Storefront.SessionTTL)
	go sessions.Run(ctx, time.Minute)

	server := &http.Server{
		Addr:              cfg.Storefront.Addr,
		Handler:           storefront.NewServer(backendClient, ranker, sessions, runner, auth, policy, logger.With("component", "storefront")).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("storefront API listening", "addr", cfg.Storefront.Addr, "backend", cfg.Storefront.BackendURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("storefront server error", "error", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(logger, server)
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
