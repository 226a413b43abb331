// Package config handles loading and storing server configuration.
package config

import (
	"errors"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all server configuration values.
type Config struct {
	ListenAddr   string  `mapstructure:"ListenAddr"`
	TickRate     int     `mapstructure:"TickRate"`
	LogLevel     string  `mapstructure:"LogLevel"`
	ClientDir    string  `mapstructure:"ClientDir"`
	ReplayDB     string  `mapstructure:"ReplayDB"` // empty disables the frame journal
	MessageRate  float64 `mapstructure:"MessageRate"`
	MessageBurst int     `mapstructure:"MessageBurst"`
}

// C is the global configuration instance.
var C Config

// mu protects concurrent access to C during hot-reload.
var mu sync.RWMutex

// ReloadCallback is called when the configuration is hot-reloaded.
type ReloadCallback func(old, new Config)

// Load reads configuration from the TOML config file, falling back to the
// defaults for missing keys, and populates C. Environment variables are not
// consulted.
func Load() error {
	viper.SetConfigName("config")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.lockstep")

	viper.SetDefault("ListenAddr", "127.0.0.1:8000")
	viper.SetDefault("TickRate", 60)
	viper.SetDefault("LogLevel", "info")
	viper.SetDefault("ClientDir", "./client/target")
	viper.SetDefault("ReplayDB", "")
	viper.SetDefault("MessageRate", 120.0)
	viper.SetDefault("MessageBurst", 240)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return viper.Unmarshal(&C)
}

// Get returns a copy of the current configuration.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return C
}

// Watch starts watching the config file for changes and calls the callback
// on reload. The server reacts to LogLevel changes; address, tick rate, and
// rate-limit changes take effect on restart only.
func Watch(callback ReloadCallback) {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		old := C
		var next Config
		if err := viper.Unmarshal(&next); err != nil {
			mu.Unlock()
			return
		}
		C = next
		mu.Unlock()
		if callback != nil {
			callback(old, next)
		}
	})
}
