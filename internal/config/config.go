// Package config loads the pool's configuration from a YAML file and
// environment variable overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds everything the pool and HTTP layer need at startup.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Pool      PoolConfig     `mapstructure:"pool"`
	Repl      ReplConfig     `mapstructure:"repl"`
	InitRepls map[string]int `mapstructure:"init_repls"`
}

// ServerConfig holds the ambient HTTP server's own settings (it is not
// part of the core per spec.md §1, but a runnable service needs one).
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// PoolConfig mirrors spec.md §6's MAX_REPLS/MAX_USES/MAX_MEM.
type PoolConfig struct {
	MaxRepls int `mapstructure:"max_repls"`
	MaxUses  int `mapstructure:"max_uses"`
	MaxMemMB int `mapstructure:"max_mem_mb"`
}

// ReplConfig names the interpreter binary and its working directory.
type ReplConfig struct {
	BinPath string `mapstructure:"bin_path"`
	WorkDir string `mapstructure:"work_dir"`
}

// Load reads configuration from configPath (if non-empty) or the default
// search paths, layering environment variable overrides on top, the same
// way the retrieval pack's cwe-cwl service does it.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("pool.max_repls", 2)
	v.SetDefault("pool.max_uses", 1)
	v.SetDefault("pool.max_mem_mb", 8192)

	v.SetDefault("repl.bin_path", "./repl/.lake/build/bin/repl")
	v.SetDefault("repl.work_dir", ".")

	v.SetDefault("init_repls", map[string]int{})

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/leanrepld")
	}

	v.SetEnvPrefix("LEANREPL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

// MaxMemBytes converts the MiB config value to bytes for the rlimit
// syscall, per spec.md §6 ("MAX_MEM (int, MiB)").
func (c *Config) MaxMemBytes() uint64 {
	return uint64(c.Pool.MaxMemMB) * 1024 * 1024
}
