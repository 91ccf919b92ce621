package main

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sandboxengine/bridge"
	"sandboxengine/config"
	"sandboxengine/executor"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Operate a sandbox engine host",
	Long: `sandboxctl - inspect and maintain the containers and session records
behind a sandbox engine.

Settings come from the same environment (and .env file) as the service;
flags override them.`,
	SilenceUsage: true,
}

// Swapped in tests.
var (
	newRuntime = dockerRuntime
	newStore   = redisStore
)

func dockerRuntime(cfg config.Config) (executor.Runtime, func(), error) {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	rt, err := executor.NewDockerRuntime(log)
	if err != nil {
		return nil, nil, err
	}
	if err := rt.Ping(context.Background()); err != nil {
		rt.Close()
		return nil, nil, err
	}
	return rt, func() { rt.Close() }, nil
}

func redisStore(cfg config.Config) (bridge.Store, func(), error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return bridge.NewRedisStore(rdb, cfg.SessionTTL), func() { rdb.Close() }, nil
}

// loadConfig applies persistent flag overrides on top of the environment.
func loadConfig(cmd *cobra.Command) config.Config {
	cfg := config.LoadConfig()
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		cfg.RedisAddr = addr
	}
	return cfg
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("redis", "", "Redis address (default: REDISADDR)")
}

func main() {
	Execute()
}
