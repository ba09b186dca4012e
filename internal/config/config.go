package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/basket/go-paw/internal/otel"
	"gopkg.in/yaml.v3"
)

// Execution backend variants.
const (
	BackendOpenInterpreter = "open_interpreter"
	BackendClaudeCode      = "claude_code"
)

// Chat provider selectors.
const (
	ProviderAuto      = "auto"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const (
	DefaultBindAddr       = "127.0.0.1:8888"
	DefaultOllamaHost     = "http://localhost:11434"
	DefaultOllamaModel    = "llama3.2"
	DefaultOpenAIModel    = "gpt-4o"
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
)

type SandboxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

type CodeAssistantConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Settings is the persisted, process-wide configuration. It is written in
// full on every save.
type Settings struct {
	HomeDir string `yaml:"-"`

	TelegramBotToken string `yaml:"telegram_bot_token"`
	// AllowedUserID is the paired owner. Zero means no owner yet.
	AllowedUserID int64 `yaml:"allowed_user_id"`

	AgentBackend string `yaml:"agent_backend"`
	LLMProvider  string `yaml:"llm_provider"`

	OllamaHost      string `yaml:"ollama_host"`
	OllamaModel     string `yaml:"ollama_model"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIModel     string `yaml:"openai_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AnthropicModel  string `yaml:"anthropic_model"`

	FileJailPath string `yaml:"file_jail_path"`
	BindAddr     string `yaml:"bind_addr"`
	// SetupURL receives the pairing-complete notification. Empty derives it from BindAddr.
	SetupURL string `yaml:"setup_url"`
	// AllowOrigins lists Origin patterns accepted for browser websocket connections.
	AllowOrigins []string `yaml:"allow_origins"`

	BypassPermissions bool   `yaml:"bypass_permissions"`
	LogLevel          string `yaml:"log_level"`

	SkillsDirs    []string            `yaml:"skills_dirs"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	CodeAssistant CodeAssistantConfig `yaml:"code_assistant"`
	Telemetry     otel.Config         `yaml:"telemetry"`

	NeedsSetup bool `yaml:"-"`
}

// Paired reports whether an owner identity is bound.
func (s Settings) Paired() bool {
	return s.AllowedUserID != 0
}

// SetupEndpoint is the base URL for the pairing-complete notification.
func (s Settings) SetupEndpoint() string {
	if u := strings.TrimSpace(s.SetupURL); u != "" {
		return strings.TrimSuffix(u, "/")
	}
	return "http://" + s.BindAddr
}

// JailRoot returns the absolute jail root with ~ expanded.
func (s Settings) JailRoot() string {
	return ExpandHome(s.FileJailPath)
}

func (s Settings) clone() Settings {
	out := s
	out.AllowOrigins = append([]string(nil), s.AllowOrigins...)
	out.SkillsDirs = append([]string(nil), s.SkillsDirs...)
	out.CodeAssistant.Args = append([]string(nil), s.CodeAssistant.Args...)
	return out
}

// ValidAgentBackend reports whether v names a known execution backend.
func ValidAgentBackend(v string) bool {
	return v == BackendOpenInterpreter || v == BackendClaudeCode
}

// ValidLLMProvider reports whether v names a known chat provider selector.
func ValidLLMProvider(v string) bool {
	switch v {
	case ProviderAuto, ProviderOllama, ProviderOpenAI, ProviderAnthropic:
		return true
	}
	return false
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Defaults() Settings {
	return Settings{
		AgentBackend:   BackendOpenInterpreter,
		LLMProvider:    ProviderAuto,
		OllamaHost:     DefaultOllamaHost,
		OllamaModel:    DefaultOllamaModel,
		OpenAIModel:    DefaultOpenAIModel,
		AnthropicModel: DefaultAnthropicModel,
		FileJailPath:   userHome(),
		BindAddr:       DefaultBindAddr,
		LogLevel:       "info",
		Sandbox: SandboxConfig{
			Image:    "alpine:3.20",
			MemoryMB: 256,
			Network:  "none",
		},
		CodeAssistant: CodeAssistantConfig{Command: "claude"},
		Telemetry:     otel.Config{Exporter: "none", ServiceName: "gopaw"},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOPAW_HOME"); override != "" {
		return override
	}
	return filepath.Join(userHome(), ".gopaw")
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return home
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(p string) string {
	p = strings.TrimSpace(p)
	switch {
	case p == "" || p == "~":
		return userHome()
	case strings.HasPrefix(p, "~/"):
		return filepath.Join(userHome(), p[2:])
	}
	return p
}

// Load reads settings from HomeDir().
func Load() (Settings, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <home>/config.yaml over the defaults, applies environment
// overrides and normalizes. A missing file is not an error; NeedsSetup is set.
func LoadFrom(home string) (Settings, error) {
	file, err := readFile(home)
	if err != nil {
		return file, err
	}
	return effective(file), nil
}

// LoadFile reads <home>/config.yaml over the defaults without environment
// overrides, for callers that edit and save the file.
func LoadFile(home string) (Settings, error) {
	return readFile(home)
}

// readFile returns the settings exactly as persisted, without env overrides.
func readFile(home string) (Settings, error) {
	cfg := Defaults()
	cfg.HomeDir = home

	if err := os.MkdirAll(home, 0o755); err != nil {
		return cfg, fmt.Errorf("create gopaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(home))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsSetup = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = home
	normalize(&cfg)
	return cfg, nil
}

func effective(file Settings) Settings {
	cfg := file.clone()
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg
}

// Save marshals the full settings document and atomically replaces config.yaml.
func Save(home string, s Settings) error {
	out, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("create gopaw home: %w", err)
	}
	path := ConfigPath(home)
	tmp, err := os.CreateTemp(home, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config.yaml: %w", err)
	}
	return nil
}

func normalize(cfg *Settings) {
	cfg.AgentBackend = strings.ToLower(strings.TrimSpace(cfg.AgentBackend))
	if !ValidAgentBackend(cfg.AgentBackend) {
		cfg.AgentBackend = BackendOpenInterpreter
	}
	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if !ValidLLMProvider(cfg.LLMProvider) {
		cfg.LLMProvider = ProviderAuto
	}
	if strings.TrimSpace(cfg.OllamaHost) == "" {
		cfg.OllamaHost = DefaultOllamaHost
	}
	cfg.OllamaHost = strings.TrimSuffix(cfg.OllamaHost, "/")
	if cfg.OllamaModel == "" {
		cfg.OllamaModel = DefaultOllamaModel
	}
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = DefaultOpenAIModel
	}
	if cfg.AnthropicModel == "" {
		cfg.AnthropicModel = DefaultAnthropicModel
	}
	if strings.TrimSpace(cfg.FileJailPath) == "" {
		cfg.FileJailPath = userHome()
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "alpine:3.20"
	}
	if cfg.Sandbox.MemoryMB <= 0 {
		cfg.Sandbox.MemoryMB = 256
	}
	if cfg.Sandbox.Network == "" {
		cfg.Sandbox.Network = "none"
	}
	if cfg.CodeAssistant.Command == "" {
		cfg.CodeAssistant.Command = "claude"
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = nil
	}
	if len(cfg.SkillsDirs) == 0 {
		cfg.SkillsDirs = nil
	}
	if len(cfg.CodeAssistant.Args) == 0 {
		cfg.CodeAssistant.Args = nil
	}
}

func applyEnvOverrides(cfg *Settings) {
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.TelegramBotToken = raw
	}
	if raw := os.Getenv("GOPAW_ALLOWED_USER_ID"); raw != "" && cfg.AllowedUserID == 0 {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.AllowedUserID = v
		}
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" {
		cfg.OpenAIAPIKey = raw
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		cfg.AnthropicAPIKey = raw
	}
	if raw := os.Getenv("OLLAMA_HOST"); raw != "" {
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		cfg.OllamaHost = raw
	}
	if raw := os.Getenv("GOPAW_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GOPAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOPAW_JAIL_PATH"); raw != "" {
		cfg.FileJailPath = raw
	}
	if raw := os.Getenv("GOPAW_SETUP_URL"); raw != "" {
		cfg.SetupURL = raw
	}
}
