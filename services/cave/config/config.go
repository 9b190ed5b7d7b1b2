// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the CAVE server configuration.
//
// # Description
//
// Values come from, in increasing precedence: built-in defaults, an
// optional YAML file, and CAVE_ environment variables. Nested keys map to
// environment names by upper-casing and replacing dots with underscores:
//
//	cache.backup_interval  ->  CAVE_CACHE_BACKUP_INTERVAL
//	backup.store           ->  CAVE_BACKUP_STORE
//
// The loaded struct is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "CAVE"

// Backup store kinds.
const (
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
	StoreGCS    = "gcs"
	StoreNone   = "none"
)

// Cache kinds. CacheSQLite is the one several processes can share.
const (
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
)

// Config is the full server configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Backup     BackupConfig     `mapstructure:"backup"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Apps       AppsConfig       `mapstructure:"apps"`
	Validation ValidationConfig `mapstructure:"validation"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	App             string        `mapstructure:"app" validate:"required"`
	GinMode         string        `mapstructure:"gin_mode" validate:"omitempty,oneof=debug release test"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
	// RateLimit is frames per second per connection. 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"min=0"`
}

// CacheConfig configures the live session cache.
type CacheConfig struct {
	Store string `mapstructure:"store" validate:"oneof=memory sqlite"`
	Path  string `mapstructure:"path" validate:"required_if=Store sqlite"`
	// TTL is how long an idle session stays cached. 0 keeps it forever.
	TTL            time.Duration `mapstructure:"ttl" validate:"min=0"`
	BackupInterval time.Duration `mapstructure:"backup_interval" validate:"min=1s"`
}

// BackupConfig selects and configures the backup store.
type BackupConfig struct {
	Store           string `mapstructure:"store" validate:"oneof=badger sqlite gcs none"`
	Path            string `mapstructure:"path" validate:"required_if=Store badger,required_if=Store sqlite"`
	Bucket          string `mapstructure:"bucket" validate:"required_if=Store gcs"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// AuthConfig configures token validation. An empty secret runs the server
// without authentication; every connection is the local user.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" validate:"omitempty,min=16"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" validate:"min=0"`
}

// AppsConfig configures the example apps.
type AppsConfig struct {
	WeatherURL  string        `mapstructure:"weather_url" validate:"omitempty,url"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout" validate:"min=0"`
	StaticPath  string        `mapstructure:"static_path"`
}

// ValidationConfig configures session validation after each command.
type ValidationConfig struct {
	// Strict rejects a command whose result fails validation instead of
	// logging the violations.
	Strict bool `mapstructure:"strict"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// OTelEndpoint is an OTLP gRPC collector address, "stdout", or empty to
	// disable tracing.
	OTelEndpoint string `mapstructure:"otel_endpoint"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
	File   string `mapstructure:"file"`
}

var validate = validator.New()

// secondsKeys are durations that also accept a bare number of seconds,
// e.g. CAVE_CACHE_BACKUP_INTERVAL=60.
var secondsKeys = []string{
	"cache.ttl",
	"cache.backup_interval",
	"server.shutdown_timeout",
	"apps.http_timeout",
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 12210)
	v.SetDefault("server.app", "lightbulb")
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("cache.store", CacheMemory)
	v.SetDefault("cache.path", "./data/cache.db")
	v.SetDefault("cache.ttl", 0)
	v.SetDefault("cache.backup_interval", 60*time.Second)

	v.SetDefault("backup.store", StoreBadger)
	v.SetDefault("backup.path", "./data/backup")
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.prefix", "cave")
	v.SetDefault("backup.credentials_file", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("apps.weather_url", "")
	v.SetDefault("apps.http_timeout", 10*time.Second)
	v.SetDefault("apps.static_path", "")

	v.SetDefault("validation.strict", false)

	v.SetDefault("telemetry.otel_endpoint", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	v.SetDefault("log.file", "")
}

// New returns a viper instance with defaults and environment binding set
// up. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file at path into v, then decodes and
// validates the result.
//
// # Inputs
//
//   - v: From New, possibly with flags bound.
//   - path: Config file. Empty skips the file.
//
// # Outputs
//
//   - Config: Validated configuration.
//   - error: File, decode or validation failure.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, key := range secondsKeys {
		switch raw := v.Get(key).(type) {
		case string:
			if n, err := strconv.ParseFloat(raw, 64); err == nil {
				v.Set(key, time.Duration(n*float64(time.Second)))
			}
		case int:
			v.Set(key, time.Duration(raw)*time.Second)
		case float64:
			v.Set(key, time.Duration(raw*float64(time.Second)))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
