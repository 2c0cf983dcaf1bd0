package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Veraticus/agent-ledger/internal/common"
	"github.com/Veraticus/agent-ledger/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	version = "dev"
	rootCmd = &cobra.Command{
		Use:   "ledgerbot",
		Short: "📒 Ledger bot for a payment agent's chat messages",
		Long: `ledgerbot: files the messages you forward from your payment agent into a
ledger of balance, pending payments and messages that need a decision,
and sends you a report every morning.`,
		PersistentPreRunE: initConfig,
		SilenceUsage:      true,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.config/ledgerbot/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().String("database", "", "ledger database path (default: data/ledger.db)")

	// Bind flags to viper
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("database"))

	// Add commands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received interrupt signal, shutting down gracefully...")
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel() // Always cleanup

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	// Set up config file
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}

		// Search for config in standard locations
		viper.AddConfigPath(fmt.Sprintf("%s/.config/ledgerbot", home))
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Environment variables
	config.ConfigureEnv(viper.GetViper())

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	// Set up logging
	if err := common.SetupLogger(viper.GetString("logging.level"), viper.GetString("logging.format")); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	return nil
}

// loadConfig returns the validated configuration of this invocation.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			slog.Info("ledgerbot version", "version", version)
		},
	}
}
