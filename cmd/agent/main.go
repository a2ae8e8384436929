package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/technosupport/camguard/internal/agentconfig"
	"github.com/technosupport/camguard/internal/cloudclient"
	"github.com/technosupport/camguard/internal/devicestore"
	"github.com/technosupport/camguard/internal/dispatcher"
	"github.com/technosupport/camguard/internal/eventbuffer"
	"github.com/technosupport/camguard/internal/httphealth"
	"github.com/technosupport/camguard/internal/onviflisten"
	"github.com/technosupport/camguard/internal/orchestrator"
	"github.com/technosupport/camguard/internal/scanner"
	"github.com/technosupport/camguard/internal/streammgr"
)

func main() {
	configPath := flag.String("config", "./agent.yaml", "path to the optional YAML config file")
	flag.Parse()

	// 1. Configuration
	cfgStore, err := agentconfig.Load(*configPath)
	if err != nil {
		log.Printf("[agent] %v", err)
		os.Exit(1)
	}
	cfg := cfgStore.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgStore.WatchReload(ctx)

	// 2. Components
	cloud := cloudclient.New(cfg.CloudURL, cfg.DeviceToken)
	streams := streammgr.NewManager(cfg.RelayWebSocketURL)
	pool := onviflisten.NewPool()
	dedup := onviflisten.NewDedup()
	buffer := eventbuffer.New(0, cloud)
	devices := devicestore.New()

	disp := &dispatcher.Dispatcher{
		Reporter:  cloud,
		Streams:   streams,
		ONVIFPool: pool,
		Dedup:     dedup,
		Devices:   devices,
		Scanner:   scanner.New(),
		OnEvent:   buffer.Append,
	}

	// 3. Health / metrics surface
	var ready httphealth.Ready
	mux := httphealth.NewMux(ready.IsReady)
	go func() {
		if err := http.ListenAndServe(cfg.HealthAddr, mux); err != nil {
			log.Printf("[agent] health server stopped: %v", err)
		}
	}()

	// 4. Orchestrator holds the main thread
	orch := orchestrator.New(orchestrator.Options{
		Cloud:             cloud,
		Streams:           streams,
		ONVIFPool:         pool,
		Buffer:            buffer,
		Dispatcher:        disp,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		NetworkRange:      cfg.ScanCIDR,
		OnReady:           func() { ready.SetReady(true) },
	})

	if err := orch.Run(ctx); err != nil {
		log.Printf("[agent] fatal: %v", err)
		os.Exit(1)
	}
}
