// Command walletcore runs the transaction-lifecycle and wallet-connection
// service.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/poolpilot/walletcore/internal/app"
	"github.com/poolpilot/walletcore/internal/app/httpapi"
	"github.com/poolpilot/walletcore/internal/app/services/txflow"
	"github.com/poolpilot/walletcore/internal/app/storage/postgres"
	"github.com/poolpilot/walletcore/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	log := logger.New(logger.LoggingConfig{
		Component: "walletcore",
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
	})

	stores, closeStores, err := buildStores(log)
	if err != nil {
		log.WithError(err).Error("configure storage")
		os.Exit(1)
	}
	defer closeStores()

	var network txflow.Network
	if rpcURL := strings.TrimSpace(os.Getenv("RPC_URL")); rpcURL != "" {
		network, err = app.NewChainNetwork(rpcURL, 30*time.Second)
		if err != nil {
			log.WithError(err).Error("configure chain client")
			os.Exit(1)
		}
	} else {
		log.Warn("RPC_URL not set; network operations will fail")
	}

	application, err := app.New(stores, network, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start services")
		os.Exit(1)
	}

	addr := strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewHandler(application, httpapi.Config{AuthSecret: os.Getenv("AUTH_SECRET")}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("walletcore listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop services")
	}
}

// buildStores selects the durable store once at startup: postgres when
// DATABASE_URL is set, in-memory otherwise. The two are never mixed.
func buildStores(log *logger.Logger) (app.Stores, func(), error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		log.Warn("DATABASE_URL not set; using in-memory storage")
		return app.Stores{}, func() {}, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}

	store := postgres.New(db)
	log.Info("using postgres storage")
	return app.Stores{
		Identities:   store,
		Sessions:     store,
		Transactions: store,
	}, func() { db.Close() }, nil
}
