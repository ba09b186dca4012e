package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/tui"
)

func runSetupCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gopaw setup")
		return 2
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprintln(os.Stderr, "gopaw setup needs an interactive terminal; edit config.yaml instead")
		return 2
	}

	home := config.HomeDir()
	current, err := config.LoadFile(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	updated, err := tui.RunSetup(ctx, current)
	if errors.Is(err, tui.ErrSetupCancelled) || errors.Is(err, context.Canceled) {
		fmt.Println("Setup cancelled; nothing was written.")
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		return 1
	}
	if err := config.Save(home, updated); err != nil {
		fmt.Fprintf(os.Stderr, "save config: %v\n", err)
		return 1
	}
	fmt.Printf("Saved %s\n", config.ConfigPath(home))
	return 0
}
