// Package config loads runtime configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	HTTPAddress    string        `mapstructure:"http_address"`
	DatabaseDSN    string        `mapstructure:"database_dsn"`
	LogLevel       string        `mapstructure:"log_level"`
	JWTKey         string        `mapstructure:"jwt_key"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	ExpirySweep    time.Duration `mapstructure:"expiry_sweep"`
	TypingSweep    time.Duration `mapstructure:"typing_sweep"`
	Entropy        EntropyConfig `mapstructure:"entropy"`
	Risk           RiskConfig    `mapstructure:"risk"`
	JoinFailWindow time.Duration `mapstructure:"join_fail_window"`
	JoinMaxFails   int           `mapstructure:"join_max_fails"`
	JoinBlockFor   time.Duration `mapstructure:"join_block_for"`
}

// EntropyConfig points at the external entropy source.
type EntropyConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RiskConfig points at the opaque risk-assessment service. An empty URL
// disables assessments; the intrusion pipeline proceeds without them.
type RiskConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

const (
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultLogLevel      = "info"
	defaultShutdownGrace = 10 * time.Second
	defaultExpirySweep   = time.Minute
	defaultTypingSweep   = time.Second
	defaultEntropyURL    = "https://qrng.anu.edu.au/API/jsonI.php?length=4&type=hex16&size=1"
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with QSESSION_ and
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QSESSION")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("http_address", defaultHTTPAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace", defaultShutdownGrace.String())
	v.SetDefault("expiry_sweep", defaultExpirySweep.String())
	v.SetDefault("typing_sweep", defaultTypingSweep.String())
	v.SetDefault("entropy.url", defaultEntropyURL)
	v.SetDefault("entropy.timeout", "3s")
	v.SetDefault("risk.timeout", "5s")
	v.SetDefault("join_fail_window", "15m")
	v.SetDefault("join_max_fails", 5)
	v.SetDefault("join_block_for", "15m")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_grace", &cfg.ShutdownGrace},
		{"expiry_sweep", &cfg.ExpirySweep},
		{"typing_sweep", &cfg.TypingSweep},
		{"entropy.timeout", &cfg.Entropy.Timeout},
		{"risk.timeout", &cfg.Risk.Timeout},
		{"join_fail_window", &cfg.JoinFailWindow},
		{"join_block_for", &cfg.JoinBlockFor},
	} {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.HTTPAddress == "" {
		cfg.HTTPAddress = defaultHTTPAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Entropy.URL == "" {
		cfg.Entropy.URL = defaultEntropyURL
	}

	return cfg, nil
}
