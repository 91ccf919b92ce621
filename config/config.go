package config

import (
	"log"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Environment string

	BusDriver     string // "nats" or "redis"
	NatsURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BetterStackUploadURL   string
	BetterStackSourceToken string

	PoolMinIdle         int
	PoolMaxSize         int
	PoolAcquireTimeout  time.Duration
	PoolReclaimInterval time.Duration

	SessionInactivity      time.Duration
	SessionCleanupInterval time.Duration
	SessionTTL             time.Duration

	MaxCodeBytes   int
	MaxOutputBytes int
	QuickWait      time.Duration
	HardWait       time.Duration
	InputWait      time.Duration

	SandboxUser     string
	SandboxWorkdir  string
	SandboxMemoryMB int
	SandboxNanoCPUs int64

	Ratelimit      int
	RatelimitBurst int
}

func LoadConfig() Config {
	err := godotenv.Load(".env")
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	return Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "production"),

		BusDriver:     getEnv("BUSDRIVER", "nats"),
		NatsURL:       getEnv("NATSURL", "nats://localhost:4222"),
		RedisAddr:     getEnv("REDISADDR", "localhost:6379"),
		RedisPassword: getEnv("REDISPASSWORD", ""),
		RedisDB:       getEnvInt("REDISDB", 0),

		BetterStackUploadURL:   getEnv("BETTERSTACKUPLOADURL", ""),
		BetterStackSourceToken: getEnv("BETTERSTACKSOURCETOKEN", ""),

		PoolMinIdle:         getEnvInt("POOLMINIDLE", 1),
		PoolMaxSize:         getEnvInt("POOLMAXSIZE", 5),
		PoolAcquireTimeout:  getEnvDuration("POOLACQUIRETIMEOUT", 10*time.Second),
		PoolReclaimInterval: getEnvDuration("POOLRECLAIMINTERVAL", 30*time.Second),

		SessionInactivity:      getEnvDuration("SESSIONINACTIVITY", 5*time.Minute),
		SessionCleanupInterval: getEnvDuration("SESSIONCLEANUPINTERVAL", 30*time.Second),
		SessionTTL:             getEnvDuration("SESSIONTTL", time.Hour),

		MaxCodeBytes:   getEnvInt("MAXCODEBYTES", 50*1024),
		MaxOutputBytes: getEnvInt("MAXOUTPUTBYTES", 1024*1024),
		QuickWait:      getEnvDuration("QUICKWAIT", 500*time.Millisecond),
		HardWait:       getEnvDuration("HARDWAIT", 5*time.Second),
		InputWait:      getEnvDuration("INPUTWAIT", 500*time.Millisecond),

		SandboxUser:     getEnvUser("SANDBOXUSER", "1000:1000"),
		SandboxWorkdir:  getEnv("SANDBOXWORKDIR", "/sandbox"),
		SandboxMemoryMB: getEnvInt("SANDBOXMEMORYMB", 256),
		SandboxNanoCPUs: int64(getEnvInt("SANDBOXNANOCPUS", 500_000_000)),

		Ratelimit:      getEnvInt("RATELIMIT", 5),
		RatelimitBurst: getEnvInt("RATELIMITBURST", 10),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms") or plain seconds ("10").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

var numericUser = regexp.MustCompile(`^[0-9]+(:[0-9]+)?$`)

// getEnvUser only accepts numeric "uid" or "uid:gid". The workdir tmpfs is
// mounted with these ids and the process reaper matches them against /proc.
func getEnvUser(key, defaultValue string) string {
	value := getEnv(key, defaultValue)
	if !numericUser.MatchString(value) {
		log.Printf("Warning: %s=%q is not a numeric uid[:gid], using %s", key, value, defaultValue)
		return defaultValue
	}
	return value
}
