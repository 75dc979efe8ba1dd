package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillreader/quill-core/internal/agentrt"
	"github.com/quillreader/quill-core/internal/api"
	"github.com/quillreader/quill-core/internal/config"
	"github.com/quillreader/quill-core/internal/dispatch"
	"github.com/quillreader/quill-core/internal/lifecycle"
	"github.com/quillreader/quill-core/internal/state"
	"github.com/quillreader/quill-core/internal/taskqueue"
	"github.com/quillreader/quill-core/internal/telemetry"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := state.NewStore(db)

	registry := prometheus.NewRegistry()
	metrics := telemetry.New("quill", registry)

	policies := make(map[lifecycle.RuntimeKind]agentrt.Policy, len(cfg.WaitingCapacity))
	for rk, capacity := range cfg.WaitingCapacity {
		policies[rk] = agentrt.Policy{
			WaitingCapacity: capacity,
			Mode:            agentrt.WaitingMode(cfg.WaitingMode),
		}
	}

	dispatcher := dispatch.New(dispatch.Config{
		Limits: taskqueue.Limits{
			MaxConcurrent: cfg.MaxConcurrentTasks,
			PerKind:       cfg.KindLimits,
			KindTimeout:   cfg.KindTimeouts,
		},
		Policies: policies,
		Store:    store,
		Metrics:  metrics,
	})

	apiServer := &api.Server{
		Queue:      dispatcher.Queue(),
		Engine:     dispatcher.Engine(),
		Store:      store,
		Dispatcher: dispatcher,
		Operations: builtinOperations(),
		StartedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("quillcored listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()

	if err := dispatcher.Shutdown(ctx); err != nil {
		log.Printf("dispatcher shutdown error: %v", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
