package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `The config command prints the configuration in use, after defaults
and validation, in strata.toml form.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOut {
				return printJSON(cfg)
			}
			if cfg.Dir != "" {
				fmt.Printf("# from %s\n", cfg.Dir)
			} else {
				fmt.Println("# defaults, no strata.toml found")
			}
			return toml.NewEncoder(os.Stdout).Encode(cfg)
		},
	})
}
