package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lpkeeper version %s\n", version)
		fmt.Println("https://github.com/rustyeddy/lpkeeper")
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
