package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/armorclaw/syncengine/pkg/config"
)

func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	out := fs.String("out", "", "path to write the example config (default: ~/.syncengine/config.toml)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	path := *out
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "syncengine init: %v\n", err)
			return exitInternal
		}
		path = filepath.Join(homeDir, ".syncengine", "config.toml")
	}

	if err := config.GenerateExampleConfig(path); err != nil {
		fmt.Fprintf(os.Stderr, "syncengine init: %v\n", err)
		return exitInternal
	}

	fmt.Printf("wrote example configuration to %s\n", path)
	fmt.Println("edit client.base_url and the oauth_* (or static_bearer_token) fields before running daemon")
	return exitOK
}
