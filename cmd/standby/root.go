package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/standby-db/standby"
)

var (
	cfgLocalPath  string
	cfgRemoteHost string
	cfgRemotePort string
	cfgRemoteUser string
	cfgRemotePass string
	cfgRemoteName string
)

var rootCmd = &cobra.Command{
	Use:   "standby",
	Short: "Standby - offline failover engine for the primary store",
	Long: `Standby keeps the application operable when the primary MySQL store is
unreachable by failing over to a local SQLite replica and reconciling
divergent state once connectivity returns.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgLocalPath, "local-path", "", "Path to local SQLite database (default: ./data/standby.db)")
	rootCmd.PersistentFlags().StringVar(&cfgRemoteHost, "remote-host", "", "Primary store host")
	rootCmd.PersistentFlags().StringVar(&cfgRemotePort, "remote-port", "", "Primary store port")
	rootCmd.PersistentFlags().StringVar(&cfgRemoteUser, "remote-user", "", "Primary store user")
	rootCmd.PersistentFlags().StringVar(&cfgRemotePass, "remote-password", "", "Primary store password")
	rootCmd.PersistentFlags().StringVar(&cfgRemoteName, "remote-name", "", "Primary store database name")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(discardsCmd)
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (standby.Config, error) {
	// Best-effort; a missing .env file is not an error.
	_ = godotenv.Load()

	cfg, err := standby.ConfigFromEnv()
	if err != nil {
		return standby.Config{}, fmt.Errorf("read environment: %w", err)
	}
	cfg.Tables = standby.DefaultTables()

	if cfgLocalPath != "" {
		cfg.LocalPath = cfgLocalPath
	}
	if cfgRemoteHost != "" {
		cfg.Remote.Host = cfgRemoteHost
	}
	if cfgRemotePort != "" {
		cfg.Remote.Port = cfgRemotePort
	}
	if cfgRemoteUser != "" {
		cfg.Remote.User = cfgRemoteUser
	}
	if cfgRemotePass != "" {
		cfg.Remote.Password = cfgRemotePass
	}
	if cfgRemoteName != "" {
		cfg.Remote.Name = cfgRemoteName
	}

	return cfg, nil
}

func openManager() (*standby.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	m, err := standby.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}
	return m, nil
}
