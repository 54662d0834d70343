// Package config loads gateway and agent tunables from the environment,
// following the defaults fixed by the wire specification.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Gateway holds configuration for the cloud-side gateway process.
type Gateway struct {
	ListenAddr        string
	DatabasePath      string
	TelegramBotToken  string
	AgentPassword     string
	AdminChatID       int64
	QueueTTL          time.Duration
	StreamInterval    time.Duration
	MaxSnapshotChars  int
	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration
	TaskTimeout       time.Duration
	MetricsAddr       string
}

// Agent holds configuration for the worker-side agent process.
type Agent struct {
	GatewayURL           string
	AgentID              string
	APIKey               string
	ProjectRoots         []string
	MaxConcurrentTasks   int
	MaxContinuations     int
	MaxTurnsPerInvocation int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	CircuitBreakerMax    int
	CircuitBreakerLong   time.Duration
	KeepaliveInterval    time.Duration
	AuthTimeout          time.Duration
	TaskTimeout          time.Duration
	MetricsAddr          string
}

// LoadGateway loads gateway configuration from the environment, overlaying a
// .env file if present. Defaults mirror the tunables table in the spec.
func LoadGateway() *Gateway {
	_ = godotenv.Overload()

	return &Gateway{
		ListenAddr:        getEnv("GATEWAY_LISTEN_ADDR", ":8081"),
		DatabasePath:      getEnv("GATEWAY_DATABASE_PATH", "./gateway.db"),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		AgentPassword:     os.Getenv("AGENT_API_KEY"),
		AdminChatID:       int64(getEnvInt("ADMIN_CHAT_ID", 0)),
		QueueTTL:          getEnvDurationMs("OFFLINE_QUEUE_TTL", 86_400_000),
		StreamInterval:    getEnvDurationMs("STREAM_UPDATE_INTERVAL", 3_000),
		MaxSnapshotChars:  getEnvInt("STREAM_MAX_SNAPSHOT_CHARS", 3900),
		HeartbeatInterval: getEnvDurationMs("WS_HEARTBEAT_INTERVAL", 30_000),
		AuthTimeout:       getEnvDurationMs("WS_AUTH_TIMEOUT", 10_000),
		TaskTimeout:       getEnvDurationMs("TASK_TIMEOUT", 1_800_000),
		MetricsAddr:       getEnv("GATEWAY_METRICS_ADDR", ":9090"),
	}
}

// LoadAgent loads agent configuration from the environment.
func LoadAgent() *Agent {
	_ = godotenv.Overload()

	hostname, _ := os.Hostname()

	return &Agent{
		GatewayURL:            getEnv("AGENT_GATEWAY_URL", "ws://localhost:8081/agent"),
		AgentID:               getEnv("AGENT_ID", hostname),
		APIKey:                os.Getenv("AGENT_API_KEY"),
		ProjectRoots:          splitNonEmpty(os.Getenv("AGENT_PROJECT_ROOTS")),
		MaxConcurrentTasks:    getEnvInt("MAX_CONCURRENT_TASKS", 5),
		MaxContinuations:      getEnvInt("MAX_CONTINUATIONS", 3),
		MaxTurnsPerInvocation: getEnvInt("MAX_TURNS_PER_INVOCATION", 200),
		ReconnectBase:         getEnvDurationMs("WS_RECONNECT_BASE", 1_000),
		ReconnectMax:          getEnvDurationMs("WS_RECONNECT_MAX", 30_000),
		CircuitBreakerMax:     getEnvInt("CIRCUIT_BREAKER_MAX_FAILURES", 10),
		CircuitBreakerLong:    getEnvDurationMs("CIRCUIT_BREAKER_LONG_BACKOFF", 300_000),
		KeepaliveInterval:     getEnvDurationMs("AGENT_KEEPALIVE", 20_000),
		AuthTimeout:           getEnvDurationMs("WS_AUTH_TIMEOUT", 10_000),
		TaskTimeout:           getEnvDurationMs("TASK_TIMEOUT", 1_800_000),
		MetricsAddr:           getEnv("AGENT_METRICS_ADDR", ":9091"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDurationMs(key string, defMs int) time.Duration {
	return time.Duration(getEnvInt(key, defMs)) * time.Millisecond
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
