package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dosewatch/internal/config"
)

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(cfgPath).Load(cmd.Context())
			if err != nil {
				return err
			}
			ch := config.Summarize(nil, cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (storage=%s, sections=%v)\n", cfgPath, cfg.Storage.Driver, ch.Sections)
			return nil
		},
	}
}
