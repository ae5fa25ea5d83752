package main

import (
	"fmt"
	"os"

	"github.com/fgeck/wol-gameproxy/internal/config"
	"github.com/spf13/cobra"
)

var exampleOutput string

var exampleConfigCmd = &cobra.Command{
	Use:   "example-config",
	Short: "Print an annotated example configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exampleOutput == "" {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.ExampleYAML)
			return err
		}
		if _, err := os.Stat(exampleOutput); err == nil {
			return fmt.Errorf("refusing to overwrite %s", exampleOutput)
		}
		if err := os.WriteFile(exampleOutput, []byte(config.ExampleYAML), 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", exampleOutput, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Example configuration written to %s\n", exampleOutput)
		return nil
	},
}

func init() {
	exampleConfigCmd.Flags().StringVarP(&exampleOutput, "output", "o", "", "write to this file instead of stdout")
}
