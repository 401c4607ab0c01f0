package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmcdole/stacks/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, v, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		if file := v.ConfigFileUsed(); file != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", file)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
