package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"sfbridge/config"
	"sfbridge/internal/cache"
	"sfbridge/internal/logger"
	"sfbridge/internal/metrics"
	"sfbridge/internal/output/loghttp"
	"sfbridge/internal/output/logjson"
	"sfbridge/internal/pipeline"
	"sfbridge/internal/salesforce"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("sfbridge.yml"); err == nil {
		return "sfbridge.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "sfbridge.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "sfbridge.yml"
}

func applyDefaults(cfg *config.Config) {
	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		if inst.APIVer == "" {
			inst.APIVer = "52.0"
		}
		if inst.PollInterval <= 0 {
			inst.PollInterval = 60 * time.Second
		}
	}

	if cfg.Cache.Addr == "" {
		cfg.Cache.Addr = "127.0.0.1:6379"
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "sfbridge"
	}
	if cfg.Cache.Expire <= 0 {
		cfg.Cache.Expire = 48 * time.Hour
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = "file"
	}
	if cfg.Output.File.Path == "" {
		cfg.Output.File.Path = "output/logs.jsonl"
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9109"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func main() {
	configArg := ""
	if len(os.Args) > 1 {
		configArg = os.Args[1]
	}
	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)

	if err := logger.Init(cfg.Logging.Enabled, cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Infof("sfbridge starting")
	logger.Infof("Config loaded from: %s", configPath)

	if len(cfg.Instances) == 0 {
		log.Fatalf("No salesforce instances configured")
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Errorf("Metrics listener failed: %v", err)
			}
		}()
		logger.Infof("Metrics listening on %s", cfg.Metrics.Addr)
	}

	var writer pipeline.BatchWriter
	switch cfg.Output.Mode {
	case "file":
		w, err := logjson.NewWriter(cfg.Output.File.Path)
		if err != nil {
			logger.Errorf("Failed to create file writer: %v", err)
			log.Fatalf("Failed to create file writer: %v", err)
		}
		writer = w
		logger.Infof("Output mode: file (%s)", cfg.Output.File.Path)
	case "http":
		w, err := loghttp.NewWriter(loghttp.Config{
			URL:     cfg.Output.HTTP.URL,
			Timeout: cfg.Output.HTTP.Timeout,
			Headers: cfg.Output.HTTP.Headers,
		})
		if err != nil {
			logger.Errorf("Failed to create HTTP writer: %v", err)
			log.Fatalf("Failed to create HTTP writer: %v", err)
		}
		writer = w
		logger.Infof("Output mode: http (%s)", cfg.Output.HTTP.URL)
	default:
		log.Fatalf("Unknown output mode: %s", cfg.Output.Mode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var caches []*cache.RedisCache

	for _, instCfg := range cfg.Instances {
		opts := salesforce.Options{}
		if cfg.Cache.Enabled {
			rc, err := cache.NewRedisCache(instCfg.Name, cache.Config{
				Addr:      cfg.Cache.Addr,
				Password:  cfg.Cache.Password,
				DB:        cfg.Cache.DB,
				KeyPrefix: cfg.Cache.KeyPrefix,
				Expire:    cfg.Cache.Expire,
			})
			if err != nil {
				logger.Errorf("Failed to create cache for instance %s: %v", instCfg.Name, err)
				log.Fatalf("Failed to create cache for instance %s: %v", instCfg.Name, err)
			}
			caches = append(caches, rc)
			opts.Store = rc
			opts.Ledger = rc
		}

		inst, err := salesforce.NewInstance(instCfg, opts)
		if err != nil {
			logger.Errorf("Failed to create instance %s: %v", instCfg.Name, err)
			log.Fatalf("Failed to create instance %s: %v", instCfg.Name, err)
		}

		poller := pipeline.NewPoller(inst, writer, instCfg.PollInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := poller.Run(ctx); err != nil && err != context.Canceled {
				logger.Errorf("Poller error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	cancel()
	wg.Wait()

	if err := writer.Close(); err != nil {
		logger.Errorf("Error closing writer: %v", err)
	}
	for _, rc := range caches {
		if err := rc.Close(); err != nil {
			logger.Errorf("Error closing cache: %v", err)
		}
	}

	logger.Infof("sfbridge stopped")
}
