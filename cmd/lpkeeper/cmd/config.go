package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/lpkeeper/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage lpkeeper configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  lpkeeper config init --output lpkeeper.yaml
  lpkeeper config validate --file lpkeeper.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE:  runConfigValidate,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "lpkeeper.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	c := config.Default()
	if err := c.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("%s Created default configuration: %s\n", okMark, configInitOutput)
	fmt.Println("\nEdit the file and run with:")
	fmt.Printf("  lpkeeper daemon --config %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	c, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	source := c.Protocol.SnapshotFile
	if c.Protocol.BaseURL != "" {
		source = fmt.Sprintf("%s (%d pools)", c.Protocol.BaseURL, len(c.Protocol.Pools))
	}
	broker := c.Broker.BaseURL
	if c.Broker.DryRun {
		broker = "dry run"
	}

	fmt.Printf("%s Configuration valid: %s\n", okMark, configValidatePath)
	fmt.Printf("  Store: %s %s\n", c.Store.Driver, c.Store.DBPath)
	fmt.Printf("  Positions: %s\n", source)
	fmt.Printf("  Broker: %s\n", broker)
	fmt.Printf("  Schedule: %s (max %d in parallel)\n", c.Schedule.CycleCron, c.Schedule.MaxParallel)
	return nil
}
