package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/technosupport/camguard/internal/httphealth"
	"github.com/technosupport/camguard/internal/relay"
)

func main() {
	// 1. Configuration
	addr := os.Getenv("RELAY_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	redisURL := os.Getenv("RELAY_REDIS_URL")
	natsURL := os.Getenv("RELAY_NATS_URL")
	jwtSecret := os.Getenv("RELAY_VIEWER_JWT_SECRET")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Optional scale-out dependencies
	var rdb *goredis.Client
	if redisURL != "" {
		opts, err := goredis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("[relay] bad RELAY_REDIS_URL: %v", err)
		}
		rdb = goredis.NewClient(opts)
	}

	var nc *nats.Conn
	if natsURL != "" {
		var err error
		nc, err = nats.Connect(natsURL, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
		if err != nil {
			log.Fatalf("[relay] NATS connect failed: %v", err)
		}
		defer nc.Drain()
	}

	instanceID := uuid.NewString()
	presence := relay.NewPresenceRegistry(rdb, nc, instanceID)

	// 3. Server
	srv := &relay.Server{
		Rooms:    relay.NewRegistry(),
		Presence: presence,
	}
	if jwtSecret != "" {
		srv.ViewerAuth = &relay.ViewerAuth{SigningKey: []byte(jwtSecret)}
	}

	// 4. Routing: WebSocket endpoints plus the health/metrics surface on
	// one listener.
	var ready httphealth.Ready
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	httphealth.Register(r, ready.IsReady)
	srv.Routes(r)

	httpServer := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	// Ready once Redis (when configured) answers a ping.
	go func() {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := presence.Ping(pingCtx); err != nil {
			log.Printf("[relay] redis not reachable at startup: %v", err)
			return
		}
		ready.SetReady(true)
	}()

	log.Printf("[relay] instance %s listening on %s", instanceID, addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[relay] server error: %v", err)
	}
}
