/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the entitlement engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, .env for local dev)
  2. Open the configured store (memory, sqlite, or postgres)
  3. Wire ledger, grants, subscriptions, resolver, payments, engagement
  4. Configure HTTP router
  5. Start server with graceful shutdown

CONFIGURATION:
  SERVER_ADDR           Listen address (default :8080)
  DATABASE_DRIVER       memory | sqlite | postgres (default sqlite)
  SQLITE_PATH           SQLite database path (default entitlement.db)
  DATABASE_URL          Postgres connection string
  KARMA_PRIORITY        Comma-separated karma debit order
  TIME_UNLOCK_HOURS     Free-unlock countdown (default 24)
  STRIPE_SECRET_KEY     Enables the Stripe gateway
  PAYPAL_CLIENT_ID,
  PAYPAL_CLIENT_SECRET  Enable the PayPal gateway

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the store
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - config/config.go: Environment loading
*/
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkgate/entitlement-engine/api"
	"github.com/inkgate/entitlement-engine/catalog"
	"github.com/inkgate/entitlement-engine/config"
	"github.com/inkgate/entitlement-engine/engagement"
	"github.com/inkgate/entitlement-engine/entitlement"
	"github.com/inkgate/entitlement-engine/grant"
	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/payment"
	"github.com/inkgate/entitlement-engine/promo"
	"github.com/inkgate/entitlement-engine/store/memory"
	"github.com/inkgate/entitlement-engine/store/postgres"
	"github.com/inkgate/entitlement-engine/store/sqlite"
	"github.com/inkgate/entitlement-engine/subscription"
)

// engineStore is the union of the persistence interfaces a driver must
// provide.
type engineStore interface {
	ledger.Store
	grant.Store
	subscription.Store
	payment.IntentStore
}

func main() {
	cfg := config.Load()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.DatabaseDriver, err)
	}
	defer closeStore()

	// Domain services.
	led := ledger.New(store)
	grants := grant.NewService(store)
	grants.TimeUnlockDuration = cfg.TimeUnlockDuration()
	subs := subscription.NewManager(store, subscription.DefaultTiers)

	cat := catalog.NewMemory()
	promos := &promo.StaticFinder{}

	resolver := entitlement.NewResolver(cat, led, grants, subs, promos)
	resolver.KarmaPriority = cfg.KarmaPriority

	coordinator := payment.NewCoordinator(store, gateways(cfg), led, grants, subs)
	feed := engagement.NewFeed(led)

	handler := api.NewHandler(resolver, subs, coordinator, feed)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Entitlement engine listening on %s (%s store)", cfg.ServerAddr, cfg.DatabaseDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func openStore(cfg config.Config) (engineStore, func(), error) {
	switch cfg.DatabaseDriver {
	case "memory":
		return memory.New(), func() {}, nil
	case "postgres":
		s, err := postgres.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}

// gateways builds the provider map from configured credentials. Missing
// credentials leave a scripted fake in place so local development works
// end to end without provider accounts.
func gateways(cfg config.Config) payment.Gateways {
	gws := payment.Gateways{
		payment.ProviderStripe: payment.NewFakeGateway(),
		payment.ProviderPayPal: payment.NewFakeGateway(),
	}
	if cfg.StripeSecretKey != "" {
		gws[payment.ProviderStripe] = payment.NewStripeGateway(cfg.StripeSecretKey)
	}
	if cfg.PayPalClientID != "" && cfg.PayPalClientSecret != "" {
		gws[payment.ProviderPayPal] = payment.NewPayPalGateway(cfg.PayPalBaseURL, cfg.PayPalClientID, cfg.PayPalClientSecret)
	}
	return gws
}
