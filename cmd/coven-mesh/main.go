// ABOUTME: Entry point for the coven-mesh coordination server
// ABOUTME: Hosts the protocol registry, session manager, router, and meeting coordinator

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-mesh/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___   ___  ___| |__
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \ / _ \/ __| '_ \
| (_| (_) \ V /  __/ | | |_____| | | | | |  __/\__ \ | | |
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\___||___/_| |_|
`

// getConfigPath returns the path to the mesh config file.
// Priority: COVEN_MESH_CONFIG env var > XDG_CONFIG_HOME/coven/mesh.yaml > ~/.config/coven/mesh.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_MESH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "mesh.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "mesh.yaml")
}

func main() {
	root := &cobra.Command{
		Use:           "coven-mesh",
		Short:         "Real-time coordination core for autonomous agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string) error {
	if configPath == "" {
		configPath = getConfigPath()
	}

	var cfg *config.Config
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg = config.Default()
		configPath = "(defaults)"
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:   %s\n", cfg.Database.Backend)
	fmt.Println()

	logger := setupLogger(cfg.Logging)
	logger.Info("starting coven-mesh",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Database.Backend,
	)

	srv, err := newServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}
