// Package config loads iflow2web settings from defaults, an optional config
// file, a .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/204313508/iflow2web/internal/agent"
)

// Config keys. Each is also the environment variable that overrides it.
const (
	KeyServerHost         = "SERVER_HOST"
	KeyServerPort         = "SERVER_PORT"
	KeyWSMaxConnections   = "WS_MAX_CONNECTIONS"
	KeyWSPingInterval     = "WS_PING_INTERVAL"
	KeyWSPingTimeout      = "WS_PING_TIMEOUT"
	KeyWSReceiveTimeout   = "WS_RECEIVE_TIMEOUT"
	KeyDefaultWorkingDir  = "IFLOW_DEFAULT_WORKING_DIR"
	KeyApprovalMode       = "IFLOW_APPROVAL_MODE"
	KeyDefaultModel       = "IFLOW_DEFAULT_MODEL"
	KeyAvailableModels    = "IFLOW_AVAILABLE_MODELS"
	KeyAllowedWorkingDirs = "ALLOWED_WORKING_DIRS"
	KeyCommand            = "IFLOW_COMMAND"
	KeyACPURL             = "IFLOW_ACP_URL"
	KeyStartupTimeout     = "IFLOW_STARTUP_TIMEOUT"
	KeySettingsPath       = "IFLOW_SETTINGS_PATH"
	KeyLogLevel           = "LOG_LEVEL"
	KeyLogPretty          = "LOG_PRETTY"
	KeyStaticDir          = "STATIC_DIR"
)

// DefaultModels is the built-in model allow-list.
var DefaultModels = []string{
	"iflow-rome-30ba3b",
	"qwen3-coder-plus",
	"qwen3-max",
	"qwen3-vl-plus",
	"kimi-k2-0905",
	"qwen3-max-preview",
	"glm-4.6",
	"kimi-k2",
	"deepseek-v3.2",
	"deepseek-r1",
	"deepseek-v3",
	"qwen3-32b",
	"qwen3-235b-a22b-thinking-2507",
	"qwen3-235b-a22b-instruct",
	"qwen3-235b",
	"glm-4.7",
	"DeepSeek-V3.2",
	"Qwen3-Coder-Plus",
	"Kimi-K2-Thinking",
	"MiniMax-M2.1",
	"Kimi-K2.5",
}

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Agent     AgentConfig
	Log       LogConfig
	StaticDir string
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WebSocketConfig holds browser connection settings. A zero duration disables
// the corresponding timer.
type WebSocketConfig struct {
	MaxConnections int
	PingInterval   time.Duration
	PingTimeout    time.Duration
	ReceiveTimeout time.Duration
}

// AgentConfig holds settings for the agent CLI and sessions.
type AgentConfig struct {
	DefaultWorkingDir  string
	ApprovalMode       agent.ApprovalMode
	DefaultModel       string
	AvailableModels    []string
	AllowedWorkingDirs []string
	Command            string
	URL                string
	StartupTimeout     time.Duration
	SettingsPath       string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Pretty bool
}

// SetDefaults registers every key with its default and binds it to the
// environment variable of the same name.
func SetDefaults(v *viper.Viper) {
	defaults := map[string]any{
		KeyServerHost:         "0.0.0.0",
		KeyServerPort:         8000,
		KeyWSMaxConnections:   10,
		KeyWSPingInterval:     20,
		KeyWSPingTimeout:      60,
		KeyWSReceiveTimeout:   30,
		KeyDefaultWorkingDir:  "",
		KeyApprovalMode:       string(agent.ApprovalYolo),
		KeyDefaultModel:       "glm-4.7",
		KeyAvailableModels:    DefaultModels,
		KeyAllowedWorkingDirs: []string{},
		KeyCommand:            "iflow",
		KeyACPURL:             "",
		KeyStartupTimeout:     30,
		KeySettingsPath:       "~/.iflow/settings.json",
		KeyLogLevel:           "INFO",
		KeyLogPretty:          false,
		KeyStaticDir:          "static",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
}

// LoadEnvFile loads variables from a .env file into the process environment.
// Variables already set are left alone. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ReadFile merges a YAML/TOML/JSON config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from v. SetDefaults must have been called on v.
func Load(v *viper.Viper) (*Config, error) {
	mode, err := agent.ParseApprovalMode(v.GetString(KeyApprovalMode))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString(KeyServerHost),
			Port: v.GetInt(KeyServerPort),
		},
		WebSocket: WebSocketConfig{
			MaxConnections: v.GetInt(KeyWSMaxConnections),
			PingInterval:   seconds(v, KeyWSPingInterval),
			PingTimeout:    seconds(v, KeyWSPingTimeout),
			ReceiveTimeout: seconds(v, KeyWSReceiveTimeout),
		},
		Agent: AgentConfig{
			DefaultWorkingDir:  v.GetString(KeyDefaultWorkingDir),
			ApprovalMode:       mode,
			DefaultModel:       strings.TrimSpace(v.GetString(KeyDefaultModel)),
			AvailableModels:    stringList(v.Get(KeyAvailableModels)),
			AllowedWorkingDirs: stringList(v.Get(KeyAllowedWorkingDirs)),
			Command:            v.GetString(KeyCommand),
			URL:                v.GetString(KeyACPURL),
			StartupTimeout:     seconds(v, KeyStartupTimeout),
			SettingsPath:       expandHome(v.GetString(KeySettingsPath)),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Pretty: v.GetBool(KeyLogPretty),
		},
		StaticDir: v.GetString(KeyStaticDir),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", KeyServerPort, c.Server.Port)
	}
	if c.WebSocket.MaxConnections < 1 {
		return fmt.Errorf("%s must be positive, got %d", KeyWSMaxConnections, c.WebSocket.MaxConnections)
	}
	if c.WebSocket.ReceiveTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyWSReceiveTimeout)
	}
	if len(c.Agent.AvailableModels) == 0 {
		return fmt.Errorf("%s must not be empty", KeyAvailableModels)
	}
	if !slices.Contains(c.Agent.AvailableModels, c.Agent.DefaultModel) {
		return fmt.Errorf("%s %q is not in %s", KeyDefaultModel, c.Agent.DefaultModel, KeyAvailableModels)
	}
	if c.Agent.URL == "" && strings.TrimSpace(c.Agent.Command) == "" {
		return fmt.Errorf("one of %s or %s is required", KeyCommand, KeyACPURL)
	}
	return nil
}

// WorkingDir returns dir, or the configured default, or the process
// working directory, in that order.
func (a AgentConfig) WorkingDir(dir string) string {
	if dir != "" {
		return dir
	}
	if a.DefaultWorkingDir != "" {
		return a.DefaultWorkingDir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetFloat64(key) * float64(time.Second))
}

// stringList accepts a list from a config file or a comma separated string
// from the environment.
func stringList(raw any) []string {
	var items []string
	switch val := raw.(type) {
	case nil:
		return nil
	case []string:
		items = val
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	case string:
		items = strings.Split(val, ",")
	default:
		items = []string{fmt.Sprint(val)}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
