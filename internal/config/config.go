package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by TENANTFLOW_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("TENANTFLOW_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

func MigrationsPath() string {
	p := os.Getenv("MIGRATIONS_PATH")
	if p == "" {
		return "migrations"
	}
	return p
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 20
	}
	return burst
}

// ContainerImage returns the flow-engine image started for each tenant.
func ContainerImage() string {
	img := os.Getenv("CONTAINER_IMAGE")
	if img == "" {
		return "nodered/node-red:latest"
	}
	return img
}

// EngineTimeout bounds every container-engine and broker call.
// Defaults to 10s if not set.
func EngineTimeout() time.Duration {
	secs, err := strconv.Atoi(os.Getenv("ENGINE_TIMEOUT_SECONDS"))
	if err != nil || secs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(secs) * time.Second
}

// DeviceCredentialLimit is the per-tenant quota of device credentials.
// Defaults to 10 if not set.
func DeviceCredentialLimit() int {
	limit, err := strconv.Atoi(os.Getenv("DEVICE_CREDENTIAL_LIMIT"))
	if err != nil || limit <= 0 {
		return 10
	}
	return limit
}

func MosquittoPasswdPath() string {
	p := os.Getenv("MOSQUITTO_PASSWD_PATH")
	if p == "" {
		return "/etc/mosquitto/tenantflow_passwd"
	}
	return p
}

func MosquittoACLPath() string {
	p := os.Getenv("MOSQUITTO_ACL_PATH")
	if p == "" {
		return "/etc/mosquitto/tenantflow_acl"
	}
	return p
}

// MosquittoReloadCommand is the command run after rewriting broker files.
func MosquittoReloadCommand() string {
	cmd := os.Getenv("MOSQUITTO_RELOAD_COMMAND")
	if cmd == "" {
		return "systemctl reload mosquitto"
	}
	return cmd
}

// BrokerAddr is the host:port the tenant containers reach the broker on.
func BrokerAddr() string {
	addr := os.Getenv("BROKER_ADDR")
	if addr == "" {
		return "127.0.0.1:1883"
	}
	return addr
}

func NginxRoutesPath() string {
	p := os.Getenv("NGINX_ROUTES_PATH")
	if p == "" {
		return "/etc/nginx/conf.d/tenantflow-routes.conf"
	}
	return p
}

func NginxReloadCommand() string {
	cmd := os.Getenv("NGINX_RELOAD_COMMAND")
	if cmd == "" {
		return "systemctl reload nginx"
	}
	return cmd
}

func InfluxURL() string {
	u := os.Getenv("INFLUX_URL")
	if u == "" {
		return "http://127.0.0.1:8086"
	}
	return u
}

func InfluxToken() string {
	return os.Getenv("INFLUX_TOKEN")
}

func InfluxOrgID() string {
	return os.Getenv("INFLUX_ORG_ID")
}
