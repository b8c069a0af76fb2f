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

	"github.com/shopspring/decimal"

	"example.com/refurb-storefront/internal/backend"
	"example.com/refurb-storefront/internal/config"
	"example.com/refurb-storefront/internal/logging"
	"example.com/refurb-storefront/internal/mail"
	"example.com/refurb-storefront/internal/sqliteutil"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		envFile    = flag.String("env", ".env", "optional dotenv file loaded before the environment overrides")
		addr       = flag.String("addr", "", "HTTP listen address for the backend API (overrides config)")
		dbPath     = flag.String("db", "", "path to the backend sqlite database file (overrides config)")
		seed       = flag.Bool("seed", false, "insert demo listings when the catalogue is empty")
	)
	flag.Parse()

	logger := logging.New().With("component", "backend")

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
		cfg.Backend.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Backend.DBPath = *dbPath
	}

	ctx := context.Background()

	db, err := sqliteutil.Open(cfg.Backend.DBPath)
	if err != nil {
		logger.Error("open backend db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := backend.NewStore(db)
	if err := store.Init(ctx); err != nil {
		logger.Error("init backend schema", "error", err)
		os.Exit(1)
	}
	if *seed {
		if err := seedCatalogue(ctx, store); err != nil {
			logger.Error("seed catalogue", "error", err)
			os.Exit(1)
		}
	}

	var sender mail.Sender
	if cfg.Mail.SendGridAPIKey != "" {
		sender = mail.NewSendGridSender(cfg.Mail.SendGridAPIKey, cfg.Mail.From, logger.With("component", "mail.sendgrid"))
	} else {
		logger.Warn("SENDGRID_API_KEY not set, emails stay in the outbox")
	}

	server := &http.Server{
		Addr:              cfg.Backend.Addr,
		Handler:           backend.NewServer(store, sender, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("backend API listening", "addr", cfg.Backend.Addr, "db", cfg.Backend.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("backend server error", "error", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(logger, server)
}

// seedCatalogue fills an empty catalogue with a few competing offers per
// product so the ranking can be tried out locally.
func seedCatalogue(ctx context.Context, store *backend.Store) error {
	page, err := store.ListListings(ctx, 0, 1, 1)
	if err != nil {
		return err
	}
	if page.Total > 0 {
		return nil
	}
	demo := []backend.Listing{
		{ProductID: 1, ProductTitle: "iPhone 13 128 Go", ProductBrand: "Apple", SellerShopName: "ReCell Lyon", Price: decimal.RequireFromString("429"), Quantity: 12, ConditionNote: "Excellent état, batterie 92%"},
		{ProductID: 1, ProductTitle: "iPhone 13 128 Go", ProductBrand: "Apple", SellerShopName: "PhoneBack", Price: decimal.RequireFromString("389"), Quantity: 3, ConditionNote: "Bon état, légères rayures"},
		{ProductID: 1, ProductTitle: "iPhone 13 128 Go", ProductBrand: "Apple", SellerShopName: "TechSeconde", Price: decimal.RequireFromString("349"), Quantity: 1, ConditionNote: "Traces d'usure visibles"},
		{ProductID: 2, ProductTitle: "MacBook Air M1", ProductBrand: "Apple", SellerShopName: "ReCell Lyon", Price: decimal.RequireFromString("699"), Quantity: 4, ConditionNote: "Comme neuf"},
		{ProductID: 2, ProductTitle: "MacBook Air M1", ProductBrand: "Apple", SellerShopName: "InfoPlus", Price: decimal.RequireFromString("649"), Quantity: 8, ConditionNote: "Très bon état"},
		{ProductID: 3, ProductTitle: "Galaxy S22", ProductBrand: "Samsung", SellerShopName: "PhoneBack", Price: decimal.RequireFromString("319"), Quantity: 6, ConditionNote: "Neuf, jamais utilisé"},
	}
	for _, l := range demo {
		l.Active = true
		if _, err := store.CreateListing(ctx, l); err != nil {
			return err
		}
	}
	return nil
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
