// Package main is the entry point for the antigravity-claude-proxy server:
// an Anthropic-compatible Messages API that multiplexes requests across a
// pool of Google Cloud Code OAuth accounts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	log "github.com/sirupsen/logrus"

	"github.com/ruwiss/antigravity-claude-proxy/internal/accountstore"
	"github.com/ruwiss/antigravity-claude-proxy/internal/api"
	"github.com/ruwiss/antigravity-claude-proxy/internal/config"
	"github.com/ruwiss/antigravity-claude-proxy/internal/dispatch"
	"github.com/ruwiss/antigravity-claude-proxy/internal/httpclient"
	"github.com/ruwiss/antigravity-claude-proxy/internal/logging"
	"github.com/ruwiss/antigravity-claude-proxy/internal/metrics"
	"github.com/ruwiss/antigravity-claude-proxy/internal/pool"
	"github.com/ruwiss/antigravity-claude-proxy/internal/sigcache"
	"github.com/ruwiss/antigravity-claude-proxy/internal/tokencache"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file path")
	flag.Parse()

	fmt.Printf("antigravity-claude-proxy %s (%s, %s)\n", Version, Commit, BuildDate)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logging.ConfigureLogOutput(cfg.Logging.File, cfg.Logging.GetLogMaxSizeMB(), cfg.Logging.GetLogMaxBackups())
	logging.SetLogLevel(cfg.Logging.Level)

	p := pool.New(cfg.GetMaxAccounts())

	store := accountstore.New(cfg.AccountsPath, p)
	if err := store.Load(); err != nil {
		log.Fatalf("failed to load accounts: %v", err)
	}

	httpClient, err := httpclient.New(httpclient.Options{
		ProxyURL: cfg.ProxyURL,
		Timeout:  120 * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to build upstream http client: %v", err)
	}

	oauthCfg := &oauth2.Config{Endpoint: google.Endpoint}
	tokens := tokencache.New(oauthCfg, httpClient)
	sigCache := sigcache.New(time.Duration(cfg.GetThinkingSignatureTTLMs()) * time.Millisecond)
	defer sigCache.Close()

	m := metrics.New()
	engine := dispatch.New(p, tokens, sigCache, httpClient, m, cfg)
	server := api.New(cfg, engine, p, store, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.IsHotReloadEnabled() {
		if err := store.Watch(ctx); err != nil {
			log.Warnf("account file watch disabled: %v", err)
		}
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnf("failed to close account store: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.GetPort()),
		Handler: server.Engine(),
	}

	go func() {
		log.Infof("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
}
