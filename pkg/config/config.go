// Package config loads coeus settings from flags, COEUS_* environment
// variables and ~/.coeus/config.yaml, in that order of precedence.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/coeus/pkg/agentclient"
	"github.com/go-go-golems/coeus/pkg/conversation"
	"github.com/go-go-golems/coeus/pkg/logging"
	"github.com/go-go-golems/coeus/pkg/redisstream"
)

const (
	EnvPrefix      = "COEUS"
	ConfigName     = "config"
	ConfigDirName  = ".coeus"
	DefaultServe   = "localhost:8088"
	DefaultAppName = "coeus"
)

type Settings struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	RunPath       string        `mapstructure:"run_path" yaml:"run_path"`
	BranchPath    string        `mapstructure:"branch_path" yaml:"branch_path"`
	HistoryPath   string        `mapstructure:"history_path" yaml:"history_path"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout" yaml:"stream_timeout"`
	RetryMax      int           `mapstructure:"retry_max" yaml:"retry_max"`
	Greeting      string        `mapstructure:"greeting" yaml:"greeting"`
	Marker        string        `mapstructure:"marker" yaml:"marker"`

	Archive ArchiveSettings      `mapstructure:"archive" yaml:"archive"`
	Redis   redisstream.Settings `mapstructure:"redis" yaml:"redis"`
	Serve   ServeSettings        `mapstructure:"serve" yaml:"serve"`
	Log     logging.Settings     `mapstructure:"log" yaml:"log"`
}

type ArchiveSettings struct {
	// DSN of the sqlite archive. Empty disables archiving.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

type ServeSettings struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SetDefaults registers every key so env lookups and Unmarshal see them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("base_url", agentclient.DefaultBaseURL)
	v.SetDefault("run_path", agentclient.DefaultRunPath)
	v.SetDefault("branch_path", agentclient.DefaultBranchPath)
	v.SetDefault("history_path", agentclient.DefaultHistoryPath)
	v.SetDefault("stream_timeout", time.Duration(0))
	v.SetDefault("retry_max", agentclient.DefaultRetryMax)
	v.SetDefault("greeting", conversation.DefaultGreeting)
	v.SetDefault("marker", "")
	v.SetDefault("archive.dsn", "")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", redisstream.DefaultAddr)
	v.SetDefault("redis.group", redisstream.DefaultGroup)
	v.SetDefault("redis.consumer", "")
	v.SetDefault("serve.addr", DefaultServe)
	v.SetDefault("log.level", logging.DefaultLevel)
	v.SetDefault("log.format", logging.FormatAuto)
	v.SetDefault("log.file", "")
	v.SetDefault("log.with_caller", false)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// AddFlags registers the persistent flags shared by every command.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Config file (default ~/.coeus/config.yaml)")
	fs.String("base-url", agentclient.DefaultBaseURL, "Agent base URL")
	fs.String("history-path", agentclient.DefaultHistoryPath, "Agent history endpoint path")
	fs.Duration("stream-timeout", 0, "Abort a reply after this long (0 waits indefinitely)")
	fs.Int("retry-max", agentclient.DefaultRetryMax, "Retries for history fetches")
	fs.String("archive-dsn", "", "sqlite DSN of the chat archive (empty disables it)")
	fs.String("log-level", logging.DefaultLevel, "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", logging.FormatAuto, "Log format (auto, text, json)")
	fs.String("log-file", "", "Also write logs to this file, rotated")
}

var flagKeys = map[string]string{
	"base-url":       "base_url",
	"history-path":   "history_path",
	"stream-timeout": "stream_timeout",
	"retry-max":      "retry_max",
	"archive-dsn":    "archive.dsn",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"log-file":       "log.file",
}

// BindFlags binds the flags registered by AddFlags that exist in fs.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for flag, key := range flagKeys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag %s", flag)
		}
	}
	return nil
}

// New returns a viper instance with defaults, env binding and the config
// file search path set up. An explicit configFile must exist.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
		return v, nil
	}

	v.SetConfigName(ConfigName)
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ConfigDirName))
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return v, nil
}

// Load decodes v into Settings and validates the result.
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return errors.Wrapf(err, "base_url %q", s.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("base_url %q must be an http or https url", s.BaseURL)
	}
	if u.Host == "" {
		return errors.Errorf("base_url %q has no host", s.BaseURL)
	}
	if s.StreamTimeout < 0 {
		return errors.Errorf("stream_timeout must not be negative, got %s", s.StreamTimeout)
	}
	if s.RetryMax < 0 {
		return errors.Errorf("retry_max must not be negative, got %d", s.RetryMax)
	}
	if s.Redis.Enabled && strings.TrimSpace(s.Redis.Addr) == "" {
		return errors.New("redis.addr is required when redis.enabled is set")
	}
	if _, err := logging.ParseLevel(s.Log.Level); err != nil {
		return err
	}
	return nil
}

// ClientOptions maps the settings onto agent client options.
func (s *Settings) ClientOptions() agentclient.Options {
	return agentclient.Options{
		BaseURL:     s.BaseURL,
		RunPath:     s.RunPath,
		BranchPath:  s.BranchPath,
		HistoryPath: s.HistoryPath,
		RetryMax:    s.RetryMax,
	}
}
