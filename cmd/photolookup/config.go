/*
Copyright 2025 Vimeo Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vimeo/photocache"
	"github.com/vimeo/photocache/sources/bookphoto"
	"github.com/vimeo/photocache/sources/gravatar"
)

// BookConfig is one sqlite address book.
type BookConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Path is the database file. Empty means <data_dir>/<uid>.db.
	Path    string `mapstructure:"path" yaml:"path"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

// GravatarConfig configures the network avatar source.
type GravatarConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	Priority int    `mapstructure:"priority" yaml:"priority"`
	Size     int    `mapstructure:"size" yaml:"size"`
	RetryMax int    `mapstructure:"retry_max" yaml:"retry_max"`
}

// Config is the top-level configuration.
type Config struct {
	LogLevel     string         `mapstructure:"log_level" yaml:"log_level"`
	DataDir      string         `mapstructure:"data_dir" yaml:"data_dir"`
	MaxEntries   int            `mapstructure:"max_entries" yaml:"max_entries"`
	SoftDeadline time.Duration  `mapstructure:"soft_deadline" yaml:"soft_deadline"`
	ConnectWait  time.Duration  `mapstructure:"connect_wait" yaml:"connect_wait"`
	BookPriority int            `mapstructure:"book_priority" yaml:"book_priority"`
	Books        []BookConfig   `mapstructure:"books" yaml:"books"`
	Gravatar     GravatarConfig `mapstructure:"gravatar" yaml:"gravatar"`
	Peers        []string       `mapstructure:"peers" yaml:"peers"`
	PeerPriority int            `mapstructure:"peer_priority" yaml:"peer_priority"`
	// Listen, when set, serves photos to peers instead of looking up
	// addresses.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// DefaultConfigPath returns ~/.config/photolookup/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "photolookup", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "warn")
	v.SetDefault("data_dir", ".")
	v.SetDefault("max_entries", photocache.DefaultMaxEntries)
	v.SetDefault("soft_deadline", photocache.DefaultSoftDeadline)
	v.SetDefault("connect_wait", 5*time.Second)
	v.SetDefault("book_priority", bookphoto.DefaultPriority)
	v.SetDefault("gravatar.enabled", false)
	v.SetDefault("gravatar.base_url", gravatar.DefaultBaseURL)
	v.SetDefault("gravatar.priority", gravatar.DefaultPriority)
	v.SetDefault("gravatar.size", gravatar.DefaultSize)
	v.SetDefault("gravatar.retry_max", 2)
	v.SetDefault("peer_priority", 5)
}

// LoadConfig reads the YAML file at path. A missing file yields the
// defaults. Flags in fs that were set on the command line override the
// file.
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if flags != nil {
		for key, name := range map[string]string{"log_level": "log-level", "listen": "listen"} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// an absent "enabled" means enabled
	for i := range cfg.Books {
		if !cfg.Books[i].Enabled && !v.IsSet(fmt.Sprintf("books.%d.enabled", i)) {
			cfg.Books[i].Enabled = true
		}
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("max_entries must be positive, got %d", cfg.MaxEntries)
	}
	return cfg, nil
}
