package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/llm"
	"github.com/basket/go-paw/internal/tui"
)

// health is the /healthz body.
type health struct {
	Healthy bool `json:"healthy"`
	DBOK    bool `json:"db_ok"`
	Paired  bool `json:"paired"`
	Clients int  `json:"clients"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "show a live view of the running gateway")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: gopaw status [-watch]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	healthURL := healthzURL(cfg.BindAddr)

	if *watch {
		start := time.Now()
		err := tui.Run(ctx, func() tui.Snapshot {
			snap := tui.Snapshot{
				Addr:     cfg.BindAddr,
				Provider: cfg.LLMProvider,
				Backend:  cfg.AgentBackend,
				Watching: time.Since(start),
			}
			h, err := fetchHealth(ctx, healthURL)
			if err != nil {
				snap.LastError = err.Error()
				return snap
			}
			snap.Healthy, snap.DBOK, snap.Paired, snap.Clients = h.Healthy, h.DBOK, h.Paired, h.Clients
			return snap
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		return 0
	}

	printConfigSummary(ctx, os.Stdout, cfg)

	h, err := fetchHealth(ctx, healthURL)
	if err != nil {
		fmt.Printf("Gateway:        not reachable (%v)\n", err)
		return 1
	}
	fmt.Printf("Gateway:        healthy=%t db_ok=%t dashboards=%d\n", h.Healthy, h.DBOK, h.Clients)
	if !h.Healthy {
		return 1
	}
	return 0
}

func printConfigSummary(ctx context.Context, w io.Writer, cfg config.Settings) {
	telegram := "not configured"
	if cfg.TelegramBotToken != "" {
		telegram = "configured"
	}
	owner := "not paired (first /start pairs)"
	if cfg.Paired() {
		owner = fmt.Sprintf("user %d", cfg.AllowedUserID)
	}
	detected := llm.Select(ctx, cfg, nil, nil)
	if detected == llm.BackendNone {
		detected = "none available"
	}

	fmt.Fprintf(w, "Home:           %s\n", cfg.HomeDir)
	fmt.Fprintf(w, "Config:         %s\n", config.ConfigPath(cfg.HomeDir))
	fmt.Fprintf(w, "Telegram:       %s\n", telegram)
	fmt.Fprintf(w, "Owner:          %s\n", owner)
	fmt.Fprintf(w, "LLM provider:   %s (detected: %s)\n", cfg.LLMProvider, detected)
	fmt.Fprintf(w, "Agent backend:  %s\n", cfg.AgentBackend)
	fmt.Fprintf(w, "File jail:      %s\n", cfg.JailRoot())
	fmt.Fprintf(w, "Bind address:   %s\n", cfg.BindAddr)
}

func healthzURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func fetchHealth(ctx context.Context, url string) (health, error) {
	var h health
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return h, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decode /healthz (%s): %w", resp.Status, err)
	}
	return h, nil
}
