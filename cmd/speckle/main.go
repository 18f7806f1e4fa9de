// Package main provides the speckle CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/specklesystems/speckle-server-sub009/config"
)

// Version is the current speckle CLI version
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "speckle",
	Short: "Speckle - send and receive content-addressed object graphs",
	Long: `speckle decomposes JSON object graphs into content-addressed records,
uploads them to an object server, and loads them back into full trees.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

// Global flags
var (
	configPath string
	serverURL  string
	streamID   string
	token      string
	cacheDir   string
	verbose    bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&serverURL, "server", "", "Object server URL (env SPECKLE_SERVER)")
	pf.StringVarP(&streamID, "stream", "s", "", "Stream id (env SPECKLE_STREAM)")
	pf.StringVar(&token, "token", "", "Bearer token (env SPECKLE_TOKEN)")
	pf.StringVar(&cacheDir, "cache-dir", "", "Local object cache directory (env SPECKLE_CACHE_DIR)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Log progress details to stderr")

	rootCmd.AddCommand(sendCmd, receiveCmd, tokenCmd, versionCmd)
}

// loadConfig layers the config file, the environment and the flags that
// were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.ClientConfig, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server = serverURL
	}
	if flags.Changed("stream") {
		cfg.Stream = streamID
	}
	if flags.Changed("token") {
		cfg.Token = token
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir = cacheDir
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
