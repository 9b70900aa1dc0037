package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loyaltyrelay/callback"
	"loyaltyrelay/chain"
	"loyaltyrelay/config"
	"loyaltyrelay/observability/logging"
	"loyaltyrelay/relayapi"
	"loyaltyrelay/scheduler"
	"loyaltyrelay/signer"
	"loyaltyrelay/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "relayd.yaml", "path to the relay configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup("relayd", cfg.Environment, cfg.LogLevel)

	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Error("open store", "err", err)
		os.Exit(1)
	}

	ledger, err := chain.Dial(cfg.Chain.RPCURL,
		common.HexToAddress(cfg.Chain.LedgerAddress),
		common.HexToAddress(cfg.Chain.ShopAddress))
	if err != nil {
		log.Error("dial chain", "err", err)
		os.Exit(1)
	}

	managerKeys, err := cfg.Keys.ManagerKeys()
	if err != nil {
		log.Error("manager keys", "err", err)
		os.Exit(1)
	}
	managers, err := signer.ParseManagerKeys(managerKeys)
	if err != nil {
		log.Error("parse manager keys", "err", err)
		os.Exit(1)
	}
	cipherKey, err := cfg.Keys.DelegateCipherKey()
	if err != nil {
		log.Error("delegate cipher key", "err", err)
		os.Exit(1)
	}
	cipher, err := signer.NewCipher(cipherKey)
	if err != nil {
		log.Error("delegate cipher", "err", err)
		os.Exit(1)
	}
	resolver := signer.NewResolver(managers, store, ledger, cipher)
	pool, err := signer.NewPool(managers)
	if err != nil {
		log.Error("signer pool", "err", err)
		os.Exit(1)
	}
	log.Info("signing configured", "managers", len(managers), logging.MaskField("delegate_cipher_key", cipherKey))

	relayKey, err := cfg.Relay.AccessKey()
	if err != nil {
		log.Error("relay access key", "err", err)
		os.Exit(1)
	}
	relay := relayapi.New(cfg.Relay.BaseURL, relayKey)

	callbackKey, err := cfg.Callback.AccessKey()
	if err != nil {
		log.Error("callback access key", "err", err)
		os.Exit(1)
	}
	notifier := callback.New(cfg.Callback.Endpoint, callbackKey, log)

	approval, err := scheduler.NewApproval(scheduler.ApprovalConfig{
		Store:    store,
		Ledger:   ledger,
		Relay:    relay,
		Signers:  resolver,
		ChainID:  big.NewInt(cfg.Chain.ChainID),
		Interval: cfg.Scheduler.ApprovalInterval(),
		Wait:     cfg.Scheduler.ApprovalWait(),
		Logger:   log.With("scheduler", "approval"),
	})
	if err != nil {
		log.Error("approval scheduler", "err", err)
		os.Exit(1)
	}
	closer, err := scheduler.NewClose(scheduler.CloseConfig{
		Store:      store,
		Ledger:     ledger,
		Relay:      relay,
		CloseAfter: cfg.Scheduler.ForcedCloseAfter(),
		Interval:   cfg.Scheduler.CloseInterval(),
		Logger:     log.With("scheduler", "close"),
	})
	if err != nil {
		log.Error("close scheduler", "err", err)
		os.Exit(1)
	}
	watch, err := scheduler.NewWatch(scheduler.WatchConfig{
		Store:    store,
		Ledger:   ledger,
		Pool:     pool,
		Notifier: notifier,
		Interval: cfg.Scheduler.WatchInterval(),
		Logger:   log.With("scheduler", "watch"),
	})
	if err != nil {
		log.Error("watch scheduler", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for name, run := range map[string]func(context.Context){
		"approval": approval.Run,
		"close":    closer.Run,
		"watch":    watch.Run,
	} {
		wg.Add(1)
		go func(name string, run func(context.Context)) {
			defer wg.Done()
			log.Info("scheduler started", "scheduler", name)
			run(ctx)
		}(name, run)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("relay daemon listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down relay daemon")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}
}
