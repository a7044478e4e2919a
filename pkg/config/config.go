// Package config holds the configuration of the jsondb daemon.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of the environment variables read by Load.
const EnvPrefix = "JSONDB"

// Config is the daemon configuration.
type Config struct {
	// DataDir is the directory of the table files. Empty keeps the partition in memory.
	DataDir string
	// Partition names the partition.
	Partition string
	// LogLevel is the logr verbosity.
	LogLevel int
	// Development enables human readable logs.
	Development bool
	// ScriptTimeout bounds a single user function call. Zero disables the limit.
	ScriptTimeout time.Duration
	// MetricsAddr is the address of the prometheus endpoint. Empty disables it.
	MetricsAddr string
	// Definitions lists YAML or JSON object files loaded at startup.
	Definitions []string
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Partition:     "default",
		ScriptTimeout: 5 * time.Second,
		MetricsAddr:   ":9090",
	}
}

// BindFlags registers the flags of the configuration. The flag values point into c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Directory of the table files, empty for in-memory.")
	fs.StringVar(&c.Partition, "partition", c.Partition, "Name of the partition.")
	fs.IntVarP(&c.LogLevel, "log-level", "v", c.LogLevel, "Log verbosity.")
	fs.BoolVar(&c.Development, "development", c.Development, "Human readable logs.")
	fs.DurationVar(&c.ScriptTimeout, "script-timeout", c.ScriptTimeout,
		"Time limit of a single user function call, 0 disables the limit.")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr,
		"The address the metric endpoint binds to, empty disables it.")
	fs.StringSliceVar(&c.Definitions, "definitions", c.Definitions,
		"Object files (YAML or JSON) loaded at startup.")
}

// Load applies the environment and the config file (if given) to the flags, in this order of
// priority: command line, environment, config file. Environment variables are the upper-cased flag
// names with dashes replaced by underscores, prefixed with EnvPrefix and an underscore.
func Load(v *viper.Viper, flags *pflag.FlagSet, file string) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType(strings.TrimPrefix(filepath.Ext(file), "."))
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %w", file, err)
		}

		valid := map[string]bool{}
		flags.VisitAll(func(f *pflag.Flag) { valid[f.Name] = true })
		for _, key := range v.AllKeys() {
			if !valid[key] {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			value = strings.Join(v.GetStringSlice(f.Name), ",")
			if value == "" {
				return
			}
		} else {
			value = v.GetString(f.Name)
		}
		flagErr = f.Value.Set(value)
	})

	return flagErr
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Partition == "" {
		return errors.New("partition name must not be empty")
	}
	if strings.ContainsAny(c.Partition, `/\`) {
		return fmt.Errorf("invalid partition name %q", c.Partition)
	}
	if c.ScriptTimeout < 0 {
		return fmt.Errorf("negative script timeout %s", c.ScriptTimeout)
	}
	return nil
}
