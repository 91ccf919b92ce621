package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"sandboxengine/bridge"
	"sandboxengine/config"
	"sandboxengine/executor"
	"sandboxengine/lang"
	"sandboxengine/logger"
	"sandboxengine/pkg"
	"sandboxengine/routes"
	"sandboxengine/service"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	log, flush, err := logger.New(logger.Options{
		Environment:            cfg.Environment,
		BetterStackSourceToken: cfg.BetterStackSourceToken,
		BetterStackUploadURL:   cfg.BetterStackUploadURL,
	})
	if err != nil {
		panic(err)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Docker runtime
	dockerLog := logrus.New()
	if cfg.Environment == "development" {
		dockerLog.SetLevel(logrus.DebugLevel)
	}
	rt, err := executor.NewDockerRuntime(dockerLog)
	if err != nil {
		log.Fatal("Failed to create Docker client", zap.Error(err))
	}
	defer rt.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rt.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Fatal("Docker daemon is not reachable", zap.Error(err))
	}

	languages := lang.NewRegistry()

	poolCfg := executor.DefaultPoolConfig()
	poolCfg.MinIdle = cfg.PoolMinIdle
	poolCfg.MaxSize = cfg.PoolMaxSize
	poolCfg.AcquireTimeout = cfg.PoolAcquireTimeout
	poolCfg.ReclaimInterval = cfg.PoolReclaimInterval
	poolCfg.Workdir = cfg.SandboxWorkdir
	poolCfg.User = cfg.SandboxUser
	poolCfg.MemoryBytes = int64(cfg.SandboxMemoryMB) * 1024 * 1024
	poolCfg.NanoCPUs = cfg.SandboxNanoCPUs
	pool := executor.NewPoolRegistry(rt, languages, poolCfg, log.Named("pool"))

	engineCfg := executor.DefaultEngineConfig()
	engineCfg.Workdir = cfg.SandboxWorkdir
	engineCfg.User = cfg.SandboxUser
	engine := executor.NewEngine(rt, languages, engineCfg, log.Named("engine"))

	// Redis holds session records, and the command/output bus when BUSDRIVER=redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	var bus bridge.Bus
	switch cfg.BusDriver {
	case "redis":
		bus = bridge.NewRedisBus(rdb)
	case "nats":
		nb, err := bridge.NewNATSBus(cfg.NatsURL, log.Named("nats"))
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.String("url", cfg.NatsURL), zap.Error(err))
		}
		bus = nb
	default:
		log.Fatal("Unknown bus driver", zap.String("driver", cfg.BusDriver))
	}
	br := bridge.New(bus, bridge.NewRedisStore(rdb, cfg.SessionTTL), log.Named("bridge"))
	defer br.Close()

	smCfg := service.DefaultConfig()
	smCfg.QuickWait = cfg.QuickWait
	smCfg.HardWait = cfg.HardWait
	smCfg.InputWait = cfg.InputWait
	smCfg.Inactivity = cfg.SessionInactivity
	smCfg.CleanupInterval = cfg.SessionCleanupInterval
	smCfg.MaxCodeBytes = cfg.MaxCodeBytes
	smCfg.MaxOutputBytes = cfg.MaxOutputBytes
	sessions := service.NewSessionManager(pool, engine, languages, br, smCfg, log.Named("sessions"))

	// Restore before orphan cleanup so containers of persisted sessions are tracked
	restored := sessions.RestoreAll(ctx)
	removed := pool.CleanupOrphans(ctx)
	log.Info("Recovered previous state", zap.Int("restored", restored), zap.Int("orphansRemoved", removed))

	pool.Initialize(ctx)
	pool.Start()
	sessions.Start()

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), routes.Logger(log.Named("http")))
	r.Use(pkg.NewRateLimiter(cfg.Ratelimit, cfg.RatelimitBurst, log.Named("ratelimit")).Middleware())
	routes.SetupRoutes(r, routes.NewHandler(sessions, pool, languages, cfg.MaxCodeBytes, log.Named("api")))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Sandbox engine listening", zap.String("port", cfg.Port), zap.String("bus", cfg.BusDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	sessions.Stop(shutdownCtx)
	pool.Stop(shutdownCtx)
}
