package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for coursechat.
type Config struct {
	General    GeneralConfig             `json:"general"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Courses    map[string]CourseConfig   `json:"courses"`
	Engine     EngineConfig              `json:"engine"`
	Routing    RoutingConfig             `json:"routing"`
	Memory     MemoryConfig              `json:"memory"`
	Knowledge  KnowledgeConfig           `json:"knowledge"`
	Vision     VisionConfig              `json:"vision"`
	Tools      ToolsConfig               `json:"tools"`
	MessageLog MessageLogConfig          `json:"messageLog"`
	Heartbeat  HeartbeatConfig           `json:"heartbeat"`
	Metrics    MetricsConfig             `json:"metrics"`
	Server     ServerConfig              `json:"server"`
}

type GeneralConfig struct {
	Workspace         string   `json:"workspace"`
	LogLevel          string   `json:"logLevel"`
	LogFile           string   `json:"logFile,omitempty"` // optional log file path
	DefaultCourse     string   `json:"defaultCourse,omitempty"`
	DefaultProvider   string   `json:"defaultProvider"`
	DefaultModel      string   `json:"defaultModel,omitempty"`
	FailoverChain     []string `json:"failoverChain,omitempty"` // provider failover order
	HistoryLimit      int      `json:"historyLimit"`            // messages sent to the model
	MaxContextChars   int      `json:"maxContextChars,omitempty"`
	ThinkingLevel     string   `json:"thinkingLevel,omitempty"`     // "concise" | "normal" | "detailed"
	SystemPromptExtra string   `json:"systemPromptExtra,omitempty"` // custom text appended to system prompt
}

type ProviderConfig struct {
	Enabled      bool     `json:"enabled"`
	APIBase      string   `json:"apiBase,omitempty"`
	APIKey       string   `json:"apiKey,omitempty"`
	DefaultModel string   `json:"defaultModel,omitempty"`
	Models       []string `json:"models,omitempty"`
}

// CourseConfig is everything the routing endpoint and the orchestrator know
// about one course.
type CourseConfig struct {
	APIKey          string            `json:"apiKey,omitempty"`
	Prompt          string            `json:"prompt,omitempty"`
	DocGroups       FlexStringList    `json:"docGroups,omitempty"` // enabled by default
	Tools           CourseToolsConfig `json:"tools"`
	RateLimitPerMin int               `json:"rateLimitPerMinute,omitempty"`
}

type CourseToolsConfig struct {
	Enabled bool     `json:"enabled"`
	Allowed []string `json:"allowed,omitempty"`
	Denied  []string `json:"denied,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["lectures", 2024] become "lectures", "2024").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// EngineConfig configures the local model engine (an Ollama server).
type EngineConfig struct {
	Enabled            bool     `json:"enabled"`
	BaseURL            string   `json:"baseUrl"`
	Models             []string `json:"models,omitempty"`
	KeepAlive          string   `json:"keepAlive,omitempty"`
	LoadTimeoutSeconds int      `json:"loadTimeoutSeconds"`
}

// RoutingConfig points the orchestrator at the hosted routing endpoint.
type RoutingConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type MemoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// KnowledgeConfig selects the retriever: the local FTS index or a remote
// contexts service.
type KnowledgeConfig struct {
	Mode         string `json:"mode"` // "local" | "remote" | "off"
	RemoteURL    string `json:"remoteUrl,omitempty"`
	TokenLimit   int    `json:"tokenLimit,omitempty"`
	ChunkSize    int    `json:"chunkSize"`    // words per chunk
	ChunkOverlap int    `json:"chunkOverlap"` // overlapping words
	SearchTopK   int    `json:"searchTopK"`
	FileBaseURL  string `json:"fileBaseUrl,omitempty"` // prefix for citation links to stored files
}

type VisionConfig struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

type ToolsConfig struct {
	Dir            string `json:"dir"`
	Watch          bool   `json:"watch"`
	Provider       string `json:"provider,omitempty"` // function-calling model for tool selection
	Model          string `json:"model,omitempty"`
	MaxParallel    int    `json:"maxParallel"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type MessageLogConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

type HeartbeatConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"intervalSeconds"`
	TimeoutSeconds  int  `json:"timeoutSeconds"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// ServerConfig configures the routing endpoint and websocket feed.
type ServerConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	WebsocketPath string `json:"websocketPath"`
}

// DefaultConfigDir returns the default config directory (~/.coursechat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coursechat"
	}
	return filepath.Join(home, ".coursechat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Course returns the configuration of the named course.
func (c *Config) Course(name string) (CourseConfig, bool) {
	cc, ok := c.Courses[name]
	return cc, ok
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = expandPath(cfg.General.Workspace)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = expandPath(cfg.Memory.DBPath)
	cfg.Tools.Dir = expandPath(cfg.Tools.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads a .env file beside the config, then one in the working
// directory. Variables already set in the environment win.
func loadDotEnv(beside string) error {
	for _, p := range []string{beside, ".env"} {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.HistoryLimit < 1 || cfg.General.HistoryLimit > 200 {
		errs = append(errs, "general.historyLimit must be between 1 and 200")
	}
	switch cfg.General.ThinkingLevel {
	case "", "concise", "normal", "detailed":
		// valid
	default:
		errs = append(errs, "general.thinkingLevel must be one of: concise, normal, detailed")
	}
	if cfg.General.DefaultCourse != "" {
		if _, ok := cfg.Courses[cfg.General.DefaultCourse]; !ok {
			errs = append(errs, fmt.Sprintf("general.defaultCourse references unknown course: %s", cfg.General.DefaultCourse))
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	if cfg.Engine.Enabled && cfg.Engine.BaseURL == "" {
		errs = append(errs, "engine.baseUrl is required when the engine is enabled")
	}
	if cfg.Engine.LoadTimeoutSeconds < 1 {
		errs = append(errs, "engine.loadTimeoutSeconds must be >= 1")
	}

	switch cfg.Knowledge.Mode {
	case "local", "off":
	case "remote":
		if cfg.Knowledge.RemoteURL == "" {
			errs = append(errs, "knowledge.remoteUrl is required in remote mode")
		}
	default:
		errs = append(errs, "knowledge.mode must be one of: local, remote, off")
	}
	if cfg.Knowledge.SearchTopK < 1 {
		errs = append(errs, "knowledge.searchTopK must be >= 1")
	}
	if cfg.Knowledge.ChunkOverlap < 0 || cfg.Knowledge.ChunkOverlap >= cfg.Knowledge.ChunkSize {
		errs = append(errs, "knowledge.chunkOverlap must be >= 0 and smaller than knowledge.chunkSize")
	}

	if cfg.Tools.MaxParallel < 1 {
		errs = append(errs, "tools.maxParallel must be >= 1")
	}
	if cfg.Tools.TimeoutSeconds < 1 {
		errs = append(errs, "tools.timeoutSeconds must be >= 1")
	}
	if cfg.Heartbeat.Enabled && cfg.Heartbeat.IntervalSeconds < 1 {
		errs = append(errs, "heartbeat.intervalSeconds must be >= 1")
	}

	// Validate failover chain references exist in providers.
	for _, provName := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", provName))
		}
	}

	for name, cc := range cfg.Courses {
		if cc.RateLimitPerMin < 0 {
			errs = append(errs, fmt.Sprintf("courses.%s.rateLimitPerMinute must be >= 0", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func expandPath(path string) string {
	return ExpandPath(path)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
