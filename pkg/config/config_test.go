package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/coeus/pkg/agentclient"
	"github.com/go-go-golems/coeus/pkg/conversation"
	"github.com/go-go-golems/coeus/pkg/logging"
)

func writeConfig(t *testing.T, s map[string]any) string {
	t.Helper()
	b, err := yaml.Marshal(s)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	v, err := New("")
	require.NoError(t, err)
	s, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, agentclient.DefaultBaseURL, s.BaseURL)
	require.Equal(t, agentclient.DefaultHistoryPath, s.HistoryPath)
	require.Equal(t, time.Duration(0), s.StreamTimeout)
	require.Equal(t, conversation.DefaultGreeting, s.Greeting)
	require.False(t, s.Redis.Enabled)
	require.Equal(t, DefaultServe, s.Serve.Addr)
	require.Equal(t, "info", s.Log.Level)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"base_url":       "http://agent.internal:9000",
		"history_path":   "/state_history",
		"stream_timeout": "90s",
		"greeting":       "",
		"redis":          map[string]any{"enabled": true, "addr": "redis:6379"},
		"archive":        map[string]any{"dsn": ":memory:"},
	})
	t.Setenv("COEUS_HISTORY_PATH", "/get_history")
	t.Setenv("COEUS_REDIS_GROUP", "ui")

	v, err := New(path)
	require.NoError(t, err)
	s, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, "http://agent.internal:9000", s.BaseURL)
	require.Equal(t, "/get_history", s.HistoryPath)
	require.Equal(t, 90*time.Second, s.StreamTimeout)
	require.Equal(t, "", s.Greeting)
	require.True(t, s.Redis.Enabled)
	require.Equal(t, "redis:6379", s.Redis.Addr)
	require.Equal(t, "ui", s.Redis.Group)
	require.Equal(t, ":memory:", s.Archive.DSN)

	opts := s.ClientOptions()
	require.Equal(t, "/get_history", opts.HistoryPath)
	require.Equal(t, agentclient.DefaultRetryMax, opts.RetryMax)
}

func TestLoad_FlagsWin(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("COEUS_BASE_URL", "http://from-env:1")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--base-url", "https://from-flag", "--log-level", "debug"}))

	v, err := New("")
	require.NoError(t, err)
	require.NoError(t, BindFlags(v, fs))
	s, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "https://from-flag", s.BaseURL)
	require.Equal(t, "debug", s.Log.Level)
}

func TestNew_MissingExplicitFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Settings{BaseURL: "http://localhost:8000", Log: logging.Settings{Level: "info"}}
	require.NoError(t, valid.Validate())

	cases := map[string]func(s *Settings){
		"scheme":   func(s *Settings) { s.BaseURL = "ftp://x" },
		"unparsed": func(s *Settings) { s.BaseURL = "http://[::1" },
		"host":     func(s *Settings) { s.BaseURL = "http://" },
		"timeout":  func(s *Settings) { s.StreamTimeout = -time.Second },
		"retries":  func(s *Settings) { s.RetryMax = -1 },
		"redis":    func(s *Settings) { s.Redis.Enabled = true },
		"level":    func(s *Settings) { s.Log.Level = "chatty" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := valid
			mutate(&s)
			require.Error(t, s.Validate())
		})
	}
}
