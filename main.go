package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vexaportal/internal/admin"
	"vexaportal/internal/billing"
	"vexaportal/internal/config"
	"vexaportal/internal/db"
	httpapi "vexaportal/internal/http"
	"vexaportal/internal/store"

	"github.com/joho/godotenv"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("load .env failed: %v", err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		log.Printf("stat .env failed: %v", err)
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.CleanupExpiredSignups(ctx); err != nil {
					log.Printf("[WARN] beta signup cleanup failed: %v", err)
				}
			}
		}
	}()

	if cfg.AdminAPIToken == "" {
		log.Printf("[WARN] ADMIN_API_TOKEN not set, admin directory calls will fail")
	}
	directory := admin.New(cfg.AdminAPIURL, cfg.AdminAPIToken)

	var provider billing.Provider
	if cfg.StripeSecretKey != "" {
		provider = billing.NewStripeProvider(cfg.StripeSecretKey)
	} else {
		log.Printf("[WARN] STRIPE_SECRET_KEY not set, billing endpoints are disabled")
	}
	billingSvc := billing.New(provider, cfg)

	server := httpapi.NewServer(cfg, billingSvc, directory, st)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: server.Routes(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
