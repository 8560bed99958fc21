package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/promptmux/promptmux/pkg/api"
	"github.com/promptmux/promptmux/pkg/balancer"
	"github.com/promptmux/promptmux/pkg/banword"
	"github.com/promptmux/promptmux/pkg/config"
	"github.com/promptmux/promptmux/pkg/lifecycle"
	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/notify"
	"github.com/promptmux/promptmux/pkg/orchestrator"
	"github.com/promptmux/promptmux/pkg/shutdown"
	"github.com/promptmux/promptmux/pkg/store"
	"github.com/promptmux/promptmux/pkg/tracing"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "promptmux.yaml", "Path to configuration file")
	flag.Parse()

	initial, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	prov := config.NewProvider(initial)
	cfg := prov.Snapshot()

	var log *logging.Logger
	if cfg.Log.File {
		log, err = logging.NewFileLogger("promptmuxd", logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
	} else {
		log = logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	}

	log.Info("starting promptmuxd", map[string]interface{}{
		"store":    cfg.Store.Type,
		"accounts": len(cfg.Accounts),
		"rule":     cfg.SelectionRule,
	})

	st, err := store.New(store.Config{
		Type:          cfg.Store.Type,
		DSN:           cfg.Store.DSN,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
	})
	if err != nil {
		log.Fatal("create store", map[string]interface{}{"error": err.Error()})
	}

	sd := shutdown.New(30 * time.Second)
	sd.Register(shutdown.CloseResource(st, "store"))

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "promptmuxd",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, log)
	if err != nil {
		log.Fatal("init tracing", map[string]interface{}{"error": err.Error()})
	}
	sd.Register(tracer.Shutdown)

	bal := balancer.New(balancer.NewRule(cfg.SelectionRule))
	banned := banword.NewCache(cfg.BannedWords, cfg.Domains)
	notifier := notify.NewNotifier(cfg.NotifyURL, log)

	// SIGHUP republishes the config snapshot and refreshes the word lists.
	// Store, server and account wiring keep their boot-time values.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			next, err := config.Load(*configPath)
			if err != nil {
				log.Error("reload config", map[string]interface{}{"error": err.Error()})
				continue
			}
			prov.Swap(next)
			banned.Reload(next.BannedWords, next.Domains)
			log.Info("config reloaded", map[string]interface{}{
				"banned_words": len(next.BannedWords),
				"domains":      len(next.Domains),
			})
		}
	}()

	manager := lifecycle.NewManager(bal, st, notifier, log, lifecycle.Options{
		Retention: cfg.Retention.Std(),
	})

	// Bootstrap accounts from the config file; the admin API owns the rest.
	for _, account := range cfg.Accounts {
		if _, err := st.GetAccount(account.ChannelID); err == nil {
			continue // already persisted from a previous run
		}
		if err := st.SaveAccount(account); err != nil {
			log.Error("bootstrap account", map[string]interface{}{
				"channel_id": account.ChannelID,
				"error":      err.Error(),
			})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		log.Fatal("start account manager", map[string]interface{}{"error": err.Error()})
	}
	sd.Register(func(context.Context) error {
		manager.Stop()
		return nil
	})

	orch := orchestrator.New(bal, st, notifier, banned, manager.SessionFor, log)

	handler := api.NewHandler(orch, st, manager, bal, cfg.APISecret, cfg.SubmitRPS, log)
	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tracer))
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	sd.Register(shutdown.StopHTTPServer(srv, "api"))

	go func() {
		log.Info("api listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("api server", map[string]interface{}{"error": err.Error()})
		}
	}()

	sd.Wait()
	sd.Shutdown()
	log.Info("promptmuxd stopped")
}
