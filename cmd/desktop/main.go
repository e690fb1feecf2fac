// Package main provides the desktop harness: the offline core embedded
// behind a localhost REST/WebSocket server, the way an Electron or
// Tauri shell would host it.
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

	"go.uber.org/zap"

	peatedcore "github.com/peatedapp/peated-core"
	"github.com/peatedapp/peated-core/cmd/desktop/handlers"
	"github.com/peatedapp/peated-core/internal/cache"
	"github.com/peatedapp/peated-core/internal/config"
	"github.com/peatedapp/peated-core/internal/logging"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/remote"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	apiBase := flag.String("api", "https://api.peated.com/v1", "upstream API base URL")
	token := flag.String("token", "", "bearer token for the upstream API")
	configDir := flag.String("config", "", "directory containing config.yaml")
	dataDir := flag.String("data", "", "override store.data_dir")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Store.DataDir = *dataDir
	}

	if err := logging.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logging.Log.Info("starting desktop harness",
		zap.String("addr", *addr),
		zap.String("api", *apiBase))

	var httpOpts []remote.HTTPOption
	if *token != "" {
		httpOpts = append(httpOpts, remote.WithToken(*token))
	}
	api := remote.NewHTTPClient(*apiBase, httpOpts...)

	core, err := peatedcore.New(peatedcore.Options{
		Config:  cfg,
		Fetcher: api,
		Mutator: api,
		Logger:  logging.Log,
	})
	if err != nil {
		logging.Log.Fatal("core init failed", zap.Error(err))
	}

	ctx := context.Background()
	if err := core.Start(ctx); err != nil {
		logging.Log.Fatal("core start failed", zap.Error(err))
	}

	// A desktop host has no reachability framework; assume connected
	// until POST /network says otherwise.
	core.PushNetworkState(models.NetworkState{IsConnected: true})

	hub := NewWSHub()
	core.OnFeedRefresh(func(result *cache.FeedResult) {
		hub.Broadcast(EventFeedRefreshed, map[string]interface{}{
			"partition": result.Partition,
			"total":     len(result.Records),
			"has_more":  result.HasMore,
		})
	})
	core.OnOperationSettled(func(op *models.OfflineOperation, err error) {
		if err != nil {
			hub.Broadcast(EventOperationFailed, map[string]interface{}{
				"operation_id": op.ID,
				"type":         op.Type,
				"error":        err.Error(),
			})
			return
		}
		hub.Broadcast(EventOperationCompleted, map[string]interface{}{
			"operation_id": op.ID,
			"type":         op.Type,
		})
	})
	onNetwork := func(state models.NetworkState) {
		hub.Broadcast(EventNetworkChanged, map[string]interface{}{
			"is_connected":   state.IsConnected,
			"is_expensive":   state.IsExpensive,
			"is_constrained": state.IsConstrained,
		})
	}

	mux := http.NewServeMux()
	handlers.Register(mux, core, onNetwork)
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"peated-desktop"}`))
	})

	server := &http.Server{
		Addr:    *addr,
		Handler: mux,
	}

	go func() {
		logging.Log.Info("listening", zap.String("addr", *addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Log.Warn("server shutdown", zap.Error(err))
	}
	if err := core.Stop(); err != nil {
		logging.Log.Warn("core stop", zap.Error(err))
	}
}
