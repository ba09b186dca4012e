package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/persistence"
	"github.com/basket/go-paw/internal/tools"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Check is one diagnostic. cfg is nil when the configuration failed to load.
type Check func(ctx context.Context, cfg *config.Settings) CheckResult

// DefaultChecks is the list run by Run.
var DefaultChecks = []Check{
	checkConfig,
	checkPermissions,
	checkJail,
	checkTelegram,
	checkLLM,
	checkDatabase,
	checkAudit,
	checkSandbox,
	checkNetwork,
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Settings, version string) Diagnosis {
	return RunChecks(ctx, cfg, version, DefaultChecks)
}

func RunChecks(ctx context.Context, cfg *config.Settings, version string, checks []Check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Settings) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsSetup {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing", Detail: "Run `gopaw setup`"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPermissions(_ context.Context, cfg *config.Settings) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Home", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Home", Status: StatusPass, Message: cfg.HomeDir + " is writable"}
}

func checkJail(_ context.Context, cfg *config.Settings) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "File Jail", Status: StatusSkip, Message: "Config missing"}
	}
	root := cfg.JailRoot()
	fi, err := os.Stat(root)
	switch {
	case err != nil:
		return CheckResult{Name: "File Jail", Status: StatusFail, Message: fmt.Sprintf("%s: %v", root, err)}
	case !fi.IsDir():
		return CheckResult{Name: "File Jail", Status: StatusFail, Message: root + " is not a directory"}
	}
	if _, err := os.ReadDir(root); err != nil {
		return CheckResult{Name: "File Jail", Status: StatusFail, Message: fmt.Sprintf("%s is not readable: %v", root, err)}
	}
	return CheckResult{Name: "File Jail", Status: StatusPass, Message: root}
}

func checkTelegram(_ context.Context, cfg *config.Settings) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.TelegramBotToken == "" {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "No bot token; only the web dashboard is available"}
	}
	if cfg.Paired() {
		return CheckResult{Name: "Telegram", Status: StatusPass, Message: fmt.Sprintf("Token set, paired with user %d", cfg.AllowedUserID)}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: "Token set, waiting for /start to pair"}
}

// checkLLM verifies that the selected chat provider can be used: Ollama must
// answer, hosted providers need a key.
func checkLLM(ctx context.Context, cfg *config.Settings) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "LLM", Status: StatusSkip, Message: "Config missing"}
	}
	ollamaErr := pingOllama(ctx, cfg.OllamaHost)

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		if ollamaErr != nil {
			return CheckResult{Name: "LLM", Status: StatusFail, Message: "Ollama unreachable at " + cfg.OllamaHost, Detail: ollamaErr.Error()}
		}
		return CheckResult{Name: "LLM", Status: StatusPass, Message: fmt.Sprintf("Ollama reachable (%s)", cfg.OllamaModel)}
	case config.ProviderOpenAI:
		return keyResult("OpenAI", "OPENAI_API_KEY", cfg.OpenAIAPIKey)
	case config.ProviderAnthropic:
		return keyResult("Anthropic", "ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	}

	var found []string
	if ollamaErr == nil {
		found = append(found, "ollama")
	}
	if cfg.OpenAIAPIKey != "" {
		found = append(found, "openai")
	}
	if cfg.AnthropicAPIKey != "" {
		found = append(found, "anthropic")
	}
	if len(found) == 0 {
		return CheckResult{
			Name:    "LLM",
			Status:  StatusFail,
			Message: "No backend available",
			Detail:  "Start Ollama or set OPENAI_API_KEY / ANTHROPIC_API_KEY",
		}
	}
	return CheckResult{Name: "LLM", Status: StatusPass, Message: "Auto: " + found[0] + " will be used", Detail: "available: " + strings.Join(found, ", ")}
}

func keyResult(label, envVar, key string) CheckResult {
	if key == "" {
		return CheckResult{
			Name:    "LLM",
			Status:  StatusFail,
			Message: label + " selected but no API key configured",
			Detail:  fmt.Sprintf("Set %s or run `gopaw setup`", envVar),
		}
	}
	return CheckResult{Name: "LLM", Status: StatusPass, Message: label + " API key configured"}
}

func pingOllama(ctx context.Context, host string) error {
	if host == "" {
		host = config.DefaultOllamaHost
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(host, "/")+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func checkDatabase(ctx context.Context, cfg *config.Settings) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	path := filepath.Join(cfg.HomeDir, "gopaw.db")
	store, err := persistence.Open(path)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: path}
}

// checkAudit warns when recent audit entries include denials: someone other
// than the owner has been talking to the bot.
func checkAudit(ctx context.Context, cfg *config.Settings) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Audit", Status: StatusSkip, Message: "Config missing"}
	}
	path := filepath.Join(cfg.HomeDir, "gopaw.db")
	if _, err := os.Stat(path); err != nil {
		return CheckResult{Name: "Audit", Status: StatusSkip, Message: "No database yet"}
	}
	store, err := persistence.Open(path)
	if err != nil {
		return CheckResult{Name: "Audit", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	entries, err := store.RecentAudit(ctx, 50)
	if err != nil {
		return CheckResult{Name: "Audit", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	var denied []persistence.AuditEntry
	for _, e := range entries {
		if e.Decision == "deny" {
			denied = append(denied, e)
		}
	}
	if len(denied) == 0 {
		return CheckResult{Name: "Audit", Status: StatusPass, Message: fmt.Sprintf("%d recent entries, no denials", len(entries))}
	}
	latest := denied[0]
	return CheckResult{
		Name:    "Audit",
		Status:  StatusWarn,
		Message: fmt.Sprintf("%d denied actions in the last %d entries", len(denied), len(entries)),
		Detail:  fmt.Sprintf("latest: %s by %s at %s (trace %s)", latest.Action, latest.Subject, latest.CreatedAt.Format(time.RFC3339), latest.TraceID),
	}
}

func checkSandbox(ctx context.Context, cfg *config.Settings) CheckResult {
	if cfg == nil || !cfg.Sandbox.Enabled {
		return CheckResult{Name: "Sandbox", Status: StatusSkip, Message: "Docker sandbox disabled"}
	}
	sb, err := tools.NewDockerSandbox(cfg.Sandbox, cfg.JailRoot())
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: err.Error()}
	}
	defer sb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sb.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: "Docker daemon unreachable", Detail: err.Error()}
	}
	return CheckResult{Name: "Sandbox", Status: StatusPass, Message: "Docker reachable, image " + cfg.Sandbox.Image}
}

func checkNetwork(ctx context.Context, cfg *config.Settings) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	endpoints := map[string]string{
		config.ProviderOpenAI:    "api.openai.com",
		config.ProviderAnthropic: "api.anthropic.com",
	}
	host, ok := endpoints[cfg.LLMProvider]
	if !ok {
		host = "api.telegram.org"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.LLMProvider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", cfg.LLMProvider, addrs),
	}
}
