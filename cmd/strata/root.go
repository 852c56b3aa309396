package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/chazu/strata/manifest"
	"github.com/chazu/strata/vm"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var (
	// Global flags
	configDir string
	verbose   int
	jsonOut   bool

	cfg *manifest.Config
)

var log = commonlog.GetLogger("strata.cli")

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Run and inspect a transactional object store",
	Long: `strata runs objects whose state lives in dataspaces: every call
is a nested transaction that commits into its caller or is discarded on error,
and idle dataspaces are swapped out to a SQLite sector store.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", ".", "Directory to search upward for strata.toml")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "Increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func setup() error {
	c, err := manifest.FindAndLoad(configDir)
	if err != nil {
		return err
	}
	if c == nil {
		c = manifest.Default()
	}
	cfg = c

	verbosity := cfg.Log.Verbosity + verbose
	var path *string
	if cfg.Log.File != "" {
		path = &cfg.Log.File
	}
	commonlog.Configure(verbosity, path)
	if cfg.Dir != "" {
		log.Debugf("configuration from %s", cfg.Dir)
	}
	return nil
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// guard runs fn, turning a fatal error of the core into a returned error.
// Anything else keeps panicking.
func guard(fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fe, ok := r.(*vm.FatalError)
		if !ok {
			panic(r)
		}
		log.Criticalf("%s", fe.Message)
		err = fe
	}()
	return fn()
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
