// Package config provides configuration loading for the gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the gateway.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Auth settings — the gateway validates an already-established session's
	// bearer token; it does not issue tokens itself.
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// PTY settings
	DefaultShell string
	DefaultRows  int
	DefaultCols  int
	PTYGracePeriod time.Duration
	PTYOutputBufferSize int

	// UserIsolation settings
	MaxInstancesPerUser int // live terminals + assistants, counted together

	// AssistantMux settings
	AssistantBinaryPath  string
	AssistantBinaryNames []string
	AssistantIdleQuiesce time.Duration

	// FeatureCache settings
	FeaturesSettingsPath string
	FeaturesToolPath     string

	// FileOpsHandler settings
	ForbiddenPathPrefixes []string
	WatchDebounce         time.Duration

	// WorkspaceQuery settings
	GlobalWorkspace string
	UserConfigPath  string

	// Container settings — exec into devcontainer instead of host shell
	ContainerMode       bool
	ContainerUser       string
	ContainerWorkDir    string
	ContainerLabelKey   string
	ContainerLabelValue string
	ContainerCacheTTL   time.Duration

	// Persistence settings (optional SyncHub/UserIsolation durability)
	PersistenceEnabled bool
	PersistenceDBPath  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	home, _ := os.UserHomeDir()

	cfg := &Config{
		Port:           getEnvInt("GATEWAY_PORT", 8080),
		Host:           getEnv("GATEWAY_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "remote-gateway"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		DefaultShell:         getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:          getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:          getEnvInt("DEFAULT_COLS", 80),
		PTYGracePeriod:       getEnvDuration("PTY_ORPHAN_GRACE_PERIOD", 0),
		PTYOutputBufferSize:  getEnvInt("PTY_OUTPUT_BUFFER_SIZE", 262144),

		MaxInstancesPerUser: getEnvInt("MAX_INSTANCES_PER_USER", 8),

		AssistantBinaryPath:  getEnv("ASSISTANT_BINARY_PATH", ""),
		AssistantBinaryNames: getEnvStringSlice("ASSISTANT_BINARY_NAMES", []string{"assistant", "assistant-cli"}),
		AssistantIdleQuiesce: getEnvDuration("ASSISTANT_IDLE_QUIESCE", 800*time.Millisecond),

		FeaturesSettingsPath: getEnv("FEATURES_SETTINGS_PATH", joinIfSet(home, ".assistant/settings.json")),
		FeaturesToolPath:     getEnv("FEATURES_TOOL_PATH", ""),

		ForbiddenPathPrefixes: getEnvStringSlice("FORBIDDEN_PATH_PREFIXES", defaultForbiddenPrefixes(home)),
		WatchDebounce:         getEnvDuration("WATCH_DEBOUNCE", 300*time.Millisecond),

		GlobalWorkspace: getEnv("GLOBAL_WORKSPACE", ""),
		UserConfigPath:  getEnv("USER_CONFIG_PATH", joinIfSet(home, "userData/config.json")),

		ContainerMode:       getEnvBool("CONTAINER_MODE", false),
		ContainerUser:       getEnv("CONTAINER_USER", ""),
		ContainerWorkDir:    getEnv("CONTAINER_WORK_DIR", "/workspace"),
		ContainerLabelKey:   getEnv("CONTAINER_LABEL_KEY", "devcontainer.local_folder"),
		ContainerLabelValue: getEnv("CONTAINER_LABEL_VALUE", ""),
		ContainerCacheTTL:   getEnvDuration("CONTAINER_CACHE_TTL", 30*time.Second),

		PersistenceEnabled: getEnvBool("PERSISTENCE_ENABLED", false),
		PersistenceDBPath:  getEnv("PERSISTENCE_DB_PATH", "/var/lib/remote-gateway/state.db"),
	}

	if cfg.JWKSEndpoint == "" {
		return nil, fmt.Errorf("JWKS_ENDPOINT is required")
	}

	return cfg, nil
}

func joinIfSet(home, rel string) string {
	if home == "" {
		return ""
	}
	return home + "/" + rel
}

// defaultForbiddenPrefixes returns the built-in forbidden prefix list,
// expanded with the user's resolved home directory so `$HOME/.ssh` etc.
// are concrete paths rather than literal `$HOME`.
func defaultForbiddenPrefixes(home string) []string {
	prefixes := []string{"/etc", "/sys", "/proc"}
	if home != "" {
		prefixes = append(prefixes, home+"/.ssh", home+"/.aws", home+"/.config")
	}
	return prefixes
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
