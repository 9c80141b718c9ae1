package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "coronet",
	Short: "Coronet - parallel-run crown arbitration daemon",
	Long: `Coronet runs a task across several parallel agent execution branches,
elects exactly one winning run once they settle, and reclaims the compute
containers backing finished runs.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the coronet version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("coronet " + version)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
