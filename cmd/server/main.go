package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/knikolov/sfumesh/internal/adapters/http"
	"github.com/knikolov/sfumesh/internal/adapters/rtc"
	sig "github.com/knikolov/sfumesh/internal/adapters/signal"
	"github.com/knikolov/sfumesh/internal/app/negotiate"
	"github.com/knikolov/sfumesh/internal/app/orch"
	"github.com/knikolov/sfumesh/internal/app/placement"
	"github.com/knikolov/sfumesh/internal/app/topology"
	"github.com/knikolov/sfumesh/internal/config"
	"github.com/knikolov/sfumesh/internal/core"
	"github.com/knikolov/sfumesh/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "sfu-" + uuid.NewString()[:8]
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Heartbeats keep retrying; placement stays unavailable until the
		// registry is reachable.
		log.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}

	reg := core.NewRegistry()
	fanout := rtc.NewFanout()
	engine := rtc.NewEngine(cfg.ICEServers, fanout)

	place := &placement.Service{
		Store:    placement.NewRedisStore(rdb, cfg.LivenessWindow),
		Clock:    placement.SystemClock,
		Self:     domain.NodeInfo{NodeID: cfg.NodeID, Host: cfg.Host, Port: cfg.Port},
		MaxLoad:  cfg.MaxLoad,
		Liveness: cfg.LivenessWindow,
		Interval: cfg.HeartbeatInterval,
		Sample:   placement.SampleResources,
	}

	coord := negotiate.NewCoordinator(engine, nil, negotiate.DefaultRetryPolicy())
	topo := topology.NewManager(coord, reg)
	o := orch.New(reg, topo, coord, place)
	ctrl := sig.NewController(o)

	// Late wiring: the controller both feeds the coordinator and delivers
	// its outbound signaling.
	coord.Signal = ctrl
	o.Media = fanout
	place.LinkCount = coord.ActiveCount
	engine.OnConnectivity = coord.OnConnectivity
	engine.OnCandidate = ctrl.DeliverCandidate
	engine.OnPublisherTrack = func(room domain.RoomID, user domain.UserID) {
		o.OnPublisherTrack(ctx, room, user)
	}

	go place.Run(ctx)

	r := router.SetupRouter(ctx, cfg, o, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("node", cfg.NodeID).Msg("sfumesh node started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
