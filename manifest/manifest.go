// Package manifest handles strata.toml configuration.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked for by FindAndLoad.
const FileName = "strata.toml"

//go:embed schema.cue
var schemaSource string

// Config represents a strata.toml configuration.
type Config struct {
	Store   Store   `toml:"store" json:"store"`
	Runtime Runtime `toml:"runtime" json:"runtime"`
	Log     Log     `toml:"log" json:"log"`

	// Dir is the directory containing the strata.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// Store configures the sector store holding swapped out dataspaces.
type Store struct {
	Path       string `toml:"path" json:"path"`
	SectorSize int    `toml:"sector-size" json:"sector-size"`
}

// Runtime configures the persistence core.
type Runtime struct {
	ErrorStack   int `toml:"error-stack" json:"error-stack"`
	MaxCallouts  int `toml:"max-callouts" json:"max-callouts"`
	SwapFraction int `toml:"swap-fraction" json:"swap-fraction"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// Default returns the configuration used when no strata.toml exists.
func Default() *Config {
	return &Config{
		Store:   Store{Path: "strata.db", SectorSize: 512},
		Runtime: Runtime{ErrorStack: 64, MaxCallouts: 1024, SwapFraction: 4},
		Log:     Log{Verbosity: 1},
	}
}

// Load parses a strata.toml file from the given directory. Missing keys keep
// their defaults; the result is validated against the schema.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a strata.toml file,
// then loads and returns the configuration. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks c against the embedded CUE schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// StorePath returns the store path, resolved against the config directory
// when relative.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Store.Path) || c.Dir == "" {
		return c.Store.Path
	}
	return filepath.Join(c.Dir, c.Store.Path)
}
