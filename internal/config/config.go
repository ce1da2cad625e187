// ABOUTME: Server configuration loaded from flags, environment and a TOML file
// ABOUTME: Flags define every option; viper layers the other sources underneath them

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nainya/indexedcollections/internal/logger"
	"github.com/nainya/indexedcollections/pkg/engine"
	"github.com/nainya/indexedcollections/pkg/store"
	toml "github.com/pelletier/go-toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. INDEXD_DATA_DIR
const EnvPrefix = "INDEXD"

// Config is the complete server configuration
type Config struct {
	DataDir string `toml:"data-dir"`
	Backend string `toml:"backend"`

	Regions struct {
		Entities     string `toml:"entities"`
		Collections  string `toml:"collections"`
		Index        string `toml:"index"`
		ReverseIndex string `toml:"reverse-index"`
	} `toml:"regions"`

	Journal struct {
		Enabled            bool   `toml:"enabled"`
		Fsync              bool   `toml:"fsync"`
		CheckpointInterval string `toml:"checkpoint-interval"`
	} `toml:"journal"`

	Bolt struct {
		Fsync bool `toml:"fsync"`
	} `toml:"bolt"`

	GRPC struct {
		Port int `toml:"port"`
	} `toml:"grpc"`

	Metrics struct {
		Port int `toml:"port"`
	} `toml:"metrics"`

	Log struct {
		Level  string `toml:"level"`
		Pretty bool   `toml:"pretty"`
	} `toml:"log"`
}

// NewConfig returns a configuration holding every default
func NewConfig() *Config {
	c := &Config{
		DataDir: "./data",
		Backend: engine.BackendTree,
	}

	names := store.DefaultRegionNames()
	c.Regions.Entities = names[store.RegionEntities]
	c.Regions.Collections = names[store.RegionCollections]
	c.Regions.Index = names[store.RegionIndex]
	c.Regions.ReverseIndex = names[store.RegionReverseIndex]

	c.Journal.Enabled = true
	c.Journal.Fsync = true
	c.Journal.CheckpointInterval = "10m"
	c.Bolt.Fsync = true
	c.GRPC.Port = 50051
	c.Metrics.Port = 9090
	c.Log.Level = "info"
	return c
}

// Flags registers one flag per option, bound to the fields of c
func (c *Config) Flags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.DataDir, "data-dir", "d", c.DataDir, "Directory holding the store and journal.")
	fs.StringVar(&c.Backend, "backend", c.Backend, "Storage backend: memory, tree or bolt.")

	fs.StringVar(&c.Regions.Entities, "regions.entities", c.Regions.Entities, "Name of the raw attribute region.")
	fs.StringVar(&c.Regions.Collections, "regions.collections", c.Regions.Collections, "Name of the collection membership region.")
	fs.StringVar(&c.Regions.Index, "regions.index", c.Regions.Index, "Name of the attribute index region.")
	fs.StringVar(&c.Regions.ReverseIndex, "regions.reverse-index", c.Regions.ReverseIndex, "Name of the reverse index region.")

	fs.BoolVar(&c.Journal.Enabled, "journal.enabled", c.Journal.Enabled, "Record attribute update intents for crash verification.")
	fs.BoolVar(&c.Journal.Fsync, "journal.fsync", c.Journal.Fsync, "Sync the journal after every record.")
	fs.StringVar(&c.Journal.CheckpointInterval, "journal.checkpoint-interval", c.Journal.CheckpointInterval, "How often the journal is compacted.")

	fs.BoolVar(&c.Bolt.Fsync, "bolt.fsync", c.Bolt.Fsync, "Sync every bbolt commit.")

	fs.IntVar(&c.GRPC.Port, "grpc.port", c.GRPC.Port, "Port for the gRPC index service.")
	fs.IntVar(&c.Metrics.Port, "metrics.port", c.Metrics.Port, "Port for metrics and health endpoints; 0 disables them.")

	fs.StringVar(&c.Log.Level, "log.level", c.Log.Level, "Log level: debug, info, warn or error.")
	fs.BoolVar(&c.Log.Pretty, "log.pretty", c.Log.Pretty, "Human readable console logs instead of JSON.")
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	switch c.Backend {
	case engine.BackendMemory:
	case engine.BackendTree, engine.BackendBolt:
		if c.DataDir == "" {
			return fmt.Errorf("backend %s requires data-dir", c.Backend)
		}
	default:
		return fmt.Errorf("invalid backend %q: want memory, tree or bolt", c.Backend)
	}

	if err := c.RegionNames().Validate(); err != nil {
		return err
	}
	if _, err := c.checkpointInterval(); err != nil {
		return err
	}
	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("invalid grpc.port %d", c.GRPC.Port)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics.port %d", c.Metrics.Port)
	}
	if c.Metrics.Port != 0 && c.Metrics.Port == c.GRPC.Port {
		return fmt.Errorf("grpc.port and metrics.port must differ")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}

func (c *Config) checkpointInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Journal.CheckpointInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid journal.checkpoint-interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("journal.checkpoint-interval must be positive")
	}
	return d, nil
}

// RegionNames returns the configured region names
func (c *Config) RegionNames() store.RegionNames {
	return store.RegionNames{
		store.RegionEntities:     c.Regions.Entities,
		store.RegionCollections:  c.Regions.Collections,
		store.RegionIndex:        c.Regions.Index,
		store.RegionReverseIndex: c.Regions.ReverseIndex,
	}
}

// EngineOptions converts c for engine.Open. Call Validate first.
func (c *Config) EngineOptions() engine.Options {
	interval, _ := c.checkpointInterval()
	return engine.Options{
		Backend:            c.Backend,
		DataDir:            c.DataDir,
		Regions:            c.RegionNames(),
		BoltFsync:          c.Bolt.Fsync,
		Journal:            c.Journal.Enabled,
		JournalFsync:       c.Journal.Fsync,
		CheckpointInterval: interval,
	}
}

// LoggerConfig converts the log section for logger.NewLogger
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  strings.ToLower(c.Log.Level),
		Pretty: c.Log.Pretty,
	}
}

// Marshal renders c as TOML
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(*c)
}

// Parse reads TOML data over the defaults
func Parse(data []byte) (*Config, error) {
	c := NewConfig()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	return c, nil
}

// SetAllConfig applies configuration to every flag in flags, reading from
// the command line, the environment and the TOML file named by the
// "config" flag, in that priority order. Environment variables are the
// flag names upper-cased with dashes and dots replaced by underscores,
// prefixed with EnvPrefix.
func SetAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", path, err)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		// Flags set on the command line already hold the highest priority value
		if flagErr != nil || f.Changed {
			return
		}
		flagErr = f.Value.Set(v.GetString(f.Name))
	})
	return flagErr
}
