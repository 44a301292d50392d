package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/lpkeeper/config"
)

var rootCmd = &cobra.Command{
	Use:   "lpkeeper",
	Short: "Budgeted automation for concentrated liquidity positions",
	Long: `lpkeeper watches liquidity positions and acts on them within a budget.

Each wallet has a policy that decides when to:
  - Claim accumulated fees
  - Rebalance a position that drifted out of range
  - Open a position when the wallet has none

Every action passes a safety gate and the budget ledger, and costly
actions wait for a human approval before anything is signed.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	cfgFile  string
	dbPath   string
	logLevel string
	noColor  bool
	userID   string
	wallet   string

	cfg *config.Config
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "path to SQLite store (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("LPKEEPER_USER"), "user id")
	rootCmd.PersistentFlags().StringVarP(&wallet, "wallet", "w", "", "wallet address")
}

func setup(cmd *cobra.Command, args []string) error {
	if noColor {
		color.NoColor = true
	}

	c := config.Default()
	if cfgFile != "" {
		var err error
		if c, err = config.LoadFromFile(cfgFile); err != nil {
			return err
		}
	}
	if dbPath != "" {
		c.Store.Driver = "sqlite"
		c.Store.DBPath = dbPath
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg = c

	slog.SetDefault(newLogger(cfg.Log))
	return nil
}

func newLogger(lc config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(lc.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func requireUser() error {
	if userID == "" {
		return fmt.Errorf("--user is required (or set LPKEEPER_USER)")
	}
	return nil
}
