/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package config

import (
	"fmt"
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/mandiant/pclnhdr/pcheader"
)

const (
	defaultPageSize   = 4096
	defaultCachePages = 256
)

// Config defines all options available to be set through the config file.
// Command line flags override the values read here.
type Config struct {
	// Symbol names tried, in order, to locate the pcHeader.
	AnchorSymbols []string `yaml:"anchor-symbols"`

	// What to do when a table would be typed over existing data:
	// skip, clear or fail.
	ConflictPolicy string `yaml:"conflict-policy"`

	// Header layout: v0 reads nfunc and nfiles as 4 bytes, native reads
	// them pointer sized like the runtime does.
	Layout string `yaml:"layout"`

	// Number of files analyzed in parallel.
	Jobs int `yaml:"jobs"`

	// Page size and number of cached pages of the file reader.
	PageSize   int `yaml:"page-size"`
	CachePages int `yaml:"cache-pages"`

	// Log layers, see --log-output.
	Log       bool   `yaml:"log"`
	LogOutput string `yaml:"log-output,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		AnchorSymbols:  append([]string(nil), pcheader.DefaultAnchorSymbols...),
		ConflictPolicy: pcheader.ConflictSkip.String(),
		Layout:         "native",
		Jobs:           1,
		PageSize:       defaultPageSize,
		CachePages:     defaultCachePages,
	}
}

// LoadConfig reads the YAML file at path on top of the defaults. An empty
// path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return c, nil
}

// Validate checks values that the YAML decoder cannot.
func (c *Config) Validate() error {
	if len(c.AnchorSymbols) == 0 {
		return fmt.Errorf("anchor-symbols must not be empty")
	}
	if _, err := pcheader.ParseConflictPolicy(c.ConflictPolicy); err != nil {
		return err
	}
	if _, err := pcheader.RegistryForLayout(c.Layout); err != nil {
		return err
	}
	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1, got %d", c.Jobs)
	}
	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page-size must be a power of two, got %d", c.PageSize)
	}
	if c.CachePages < 1 {
		return fmt.Errorf("cache-pages must be at least 1, got %d", c.CachePages)
	}
	if c.LogOutput != "" && !c.Log {
		return fmt.Errorf("log-output set without log")
	}
	return nil
}

// Policy returns the parsed conflict policy.
func (c *Config) Policy() (pcheader.ConflictPolicy, error) {
	return pcheader.ParseConflictPolicy(c.ConflictPolicy)
}

// Registry returns the registry for the configured layout.
func (c *Config) Registry() (*pcheader.Registry, error) {
	return pcheader.RegistryForLayout(c.Layout)
}

// SaveConfig writes conf to path.
func SaveConfig(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}
