package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokligence/chatrelay/internal/cancel"
	"github.com/tokligence/chatrelay/internal/config"
	"github.com/tokligence/chatrelay/internal/contract"
	"github.com/tokligence/chatrelay/internal/filecache"
	"github.com/tokligence/chatrelay/internal/health"
	"github.com/tokligence/chatrelay/internal/httpserver"
	"github.com/tokligence/chatrelay/internal/logging"
	"github.com/tokligence/chatrelay/internal/metrics"
	"github.com/tokligence/chatrelay/internal/relay"
	"github.com/tokligence/chatrelay/internal/sideeffect"
	"github.com/tokligence/chatrelay/internal/store"
	"github.com/tokligence/chatrelay/internal/store/postgres"
	"github.com/tokligence/chatrelay/internal/store/sqlite"
	"github.com/tokligence/chatrelay/internal/upstream"
	"github.com/tokligence/chatrelay/internal/version"
)

func main() {
	root := flag.String("config-root", ".", "directory containing config/setting.ini")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.FullInfo())
		return
	}

	cfg, err := config.LoadRelayConfig(*root)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	out, err := logging.Setup(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer out.Close()
	log.SetOutput(out.Writer())
	log.SetFlags(logging.Flags)
	log.SetPrefix("[chatrelayd] ")
	log.Printf("chatrelay %s env=%s", version.Info(), cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	backend, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer backend.Close()
	log.Printf("contract store driver=%s", cfg.StoreDriver)

	collector := metrics.NewCollector(prometheus.NewRegistry())

	client, err := upstream.New(upstream.Config{
		BaseURL:  cfg.UpstreamBaseURL,
		APIKey:   cfg.UpstreamAPIKey,
		Retry:    upstream.NewRetryPolicy(cfg.RetryMax, cfg.RetryBaseDelay),
		Logger:   out.Logger("chatrelayd/upstream"),
		Recorder: collector,
	})
	if err != nil {
		log.Fatalf("init upstream client: %v", err)
	}

	exclusions, pathPrefix := loadRules(cfg)

	fileBase := cfg.FileBaseURL
	if fileBase == "" {
		fileBase = upstream.FileBaseURL(cfg.UpstreamBaseURL)
	}
	cache, err := filecache.New(filecache.Config{
		Dir:        cfg.FileCacheDir,
		BaseURL:    fileBase,
		PathPrefix: pathPrefix,
		Timeout:    cfg.DownloadTimeout,
		Records:    backend,
		Logger:     out.Logger("chatrelayd/files"),
		Recorder:   collector,
	})
	if err != nil {
		log.Fatalf("init file cache: %v", err)
	}
	log.Printf("file cache dir=%s base=%s prefix=%s", cache.Dir(), fileBase, pathPrefix)

	sweeper := filecache.NewSweeper(cache, cfg.PartialSweepSchedule, cfg.PartialMaxAge, out.Logger("chatrelayd/sweeper"))
	if err := sweeper.Start(ctx); err != nil {
		log.Fatalf("start partial sweeper: %v", err)
	}
	defer sweeper.Stop()

	contracts := contract.New(backend, out.Logger("chatrelayd/contracts"), collector)

	dispatcher := sideeffect.New(sideeffect.Config{
		Workers:    cfg.DispatcherWorkers,
		QueueSize:  cfg.DispatcherQueueSize,
		JobTimeout: cfg.SideEffectJobTimeout(),
		Files:      cache,
		Contracts:  contracts,
		Exclusions: exclusions,
		Logger:     out.Logger("chatrelayd/sideeffects"),
		Recorder:   collector,
	})
	defer dispatcher.Close()

	if cfg.SideEffectRulesFile != "" {
		watcher, err := config.NewRulesWatcher(cfg.SideEffectRulesFile, 500*time.Millisecond, out.Logger("chatrelayd/rules"), func(rules config.SideEffectRules) {
			ex, err := sideeffect.NewExclusions(rules.Exclusions)
			if err != nil {
				log.Printf("ignoring rules reload: %v", err)
				return
			}
			dispatcher.SetExclusions(ex)
			log.Printf("side-effect exclusions reloaded (%d pattern(s))", ex.Len())
		})
		if err != nil {
			log.Fatalf("watch rules file: %v", err)
		}
		if err := watcher.Start(ctx); err != nil {
			log.Fatalf("watch rules file: %v", err)
		}
		defer watcher.Stop()
	}

	registry := cancel.New(client, out.Logger("chatrelayd/cancel"))
	defer registry.Wait()

	rl, err := relay.New(relay.Config{
		Upstream:   client,
		Dispatcher: dispatcher,
		Registry:   registry,
		Logger:     out.Logger("chatrelayd/relay"),
		Recorder:   collector,
		Debug:      out.Debug(),
	})
	if err != nil {
		log.Fatalf("init relay: %v", err)
	}

	deps := httpserver.Deps{
		Relay:     rl,
		Tasks:     registry,
		Uploader:  client,
		Contracts: contracts,
		Health: health.New(health.Config{
			StoreDB:     backend.DB(),
			UpstreamURL: cfg.UpstreamBaseURL,
			CacheDir:    cache.Dir(),
			Queue:       dispatcher,
		}),
		UploadMaxBytes: cfg.UploadMaxBytes,
	}
	if cfg.MetricsEnabled {
		deps.Metrics = collector.Handler()
	}
	httpSrv, err := httpserver.New(deps)
	if err != nil {
		log.Fatalf("init http server: %v", err)
	}
	httpSrv.SetLogger(cfg.LogLevel, out.Logger("chatrelayd/http"))

	// Chat streams derive from streamCtx so shutdown can end them.
	streamCtx, stopStreams := context.WithCancel(context.Background())
	defer stopStreams()
	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}

	go func() {
		log.Printf("chatrelay listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	stopStreams()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	stats := dispatcher.Stats()
	log.Printf("side effects completed=%d failed=%d dropped=%d pending=%d", stats.Completed, stats.Failed, stats.Dropped, stats.Pending)
}

func openStore(cfg config.RelayConfig) (store.Store, error) {
	if cfg.StoreDriver == "postgres" {
		pg, err := postgres.New(cfg.StoreDSN, postgres.Options{
			MaxOpenConns:    cfg.StoreMaxOpenConns,
			MaxIdleConns:    cfg.StoreMaxIdleConns,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := sqlite.New(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	return lite, nil
}

// loadRules returns the initial exclusions and the cache path prefix. A rules
// file, when configured, takes precedence over the ini settings.
func loadRules(cfg config.RelayConfig) (*sideeffect.Exclusions, string) {
	patterns := cfg.SideEffectExclusions
	prefix := cfg.FilePathPrefix
	if cfg.SideEffectRulesFile != "" {
		rules, err := config.LoadSideEffectRules(cfg.SideEffectRulesFile)
		if err != nil {
			log.Fatalf("load side-effect rules: %v", err)
		}
		patterns = rules.Exclusions
		if rules.PathPrefix != "" {
			prefix = rules.PathPrefix
		}
	}
	if len(patterns) == 0 {
		patterns = sideeffect.DefaultExclusions
	}
	ex, err := sideeffect.NewExclusions(patterns)
	if err != nil {
		log.Fatalf("side-effect exclusions: %v", err)
	}
	return ex, prefix
}
