// Command gateway serves the memory write/query path (C12), the
// reliability report (C14), and the MCP JSON-RPC tool surface over
// HTTP, following the teacher's cmd/server bootstrap shape: load
// config, construct every dependency explicitly, wire it into the HTTP
// server, then block on ListenAndServe.
package main

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onlyfeng/engram-sub002/internal/card"
	"github.com/onlyfeng/engram-sub002/internal/config"
	"github.com/onlyfeng/engram-sub002/internal/events"
	"github.com/onlyfeng/engram-sub002/internal/extmemory"
	"github.com/onlyfeng/engram-sub002/internal/gateway"
	"github.com/onlyfeng/engram-sub002/internal/httpserver"
	"github.com/onlyfeng/engram-sub002/internal/monitoring"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("ENGRAM_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Database.DSN, cfg.Database.Schema, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	memory := extmemory.NewClient(cfg.Gateway.ExternalMemoryBaseURL, time.Duration(cfg.Gateway.RequestTimeoutSec)*time.Second)

	limits := card.DefaultLimits()
	gw := gateway.New(st, memory, st, store.ActorResolver{Store: st}, limits)

	registry := prometheus.NewRegistry()
	_ = monitoring.New(registry)

	var bus events.EventEmitter
	if cfg.PubSub.Enabled {
		pubsubBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			slog.Warn("pubsub event bus unavailable, falling back to in-memory bus", "error", err)
			bus = events.NewEventBus()
		} else {
			bus = pubsubBus
		}
	} else {
		bus = events.NewEventBus()
	}

	srv := httpserver.New(gw, st, st, bus, cfg.Database.PgvectorAutoInit, registry)

	port, err := strconv.Atoi(cfg.Server.Port)
	if err != nil {
		port = 8080
	}
	slog.Info("starting memory gateway", "port", port, "gate_profile", cfg.Gateway.GateProfile)
	if err := srv.Start(port); err != nil {
		slog.Error("gateway server exited", "error", err)
		os.Exit(1)
	}
}
