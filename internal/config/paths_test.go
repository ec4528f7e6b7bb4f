package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"single segment", "telegram", []string{"telegram"}, false},
		{"nested", "sessions.graceWindow", []string{"sessions", "graceWindow"}, false},
		{"deep", "events.amqp.url", []string{"events", "amqp", "url"}, false},
		{"empty", "", nil, true},
		{"empty segment", "cache..chatTtl", nil, true},
		{"trailing dot", "media.", nil, true},
		{"blocked __proto__", "media.__proto__", nil, true},
		{"blocked constructor", "constructor", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigPath(tt.input)
			if tt.wantErr {
				var ce *ConfigError
				assert.ErrorAs(t, err, &ce)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValueAtPath_RoundTrip(t *testing.T) {
	root := map[string]any{
		"telegram": map[string]any{"apiId": 12345},
		"label":    "inbox",
	}

	val, ok := GetValueAtPath(root, []string{"telegram", "apiId"})
	require.True(t, ok)
	assert.Equal(t, 12345, val)

	_, ok = GetValueAtPath(root, []string{"label", "sub"})
	assert.False(t, ok, "non-map intermediate")

	SetValueAtPath(root, []string{"cache", "redisUrl"}, "redis://localhost:6379/0")
	val, ok = GetValueAtPath(root, []string{"cache", "redisUrl"})
	require.True(t, ok)
	assert.Equal(t, "redis://localhost:6379/0", val)

	SetValueAtPath(root, []string{"label", "x"}, 1)
	val, ok = GetValueAtPath(root, []string{"label", "x"})
	require.True(t, ok, "non-map value is replaced by a map")
	assert.Equal(t, 1, val)

	assert.True(t, UnsetValueAtPath(root, []string{"telegram", "apiId"}))
	assert.False(t, UnsetValueAtPath(root, []string{"telegram", "apiId"}))
	assert.False(t, UnsetValueAtPath(root, []string{"missing", "key"}))
	_, ok = GetValueAtPath(root, []string{"cache", "redisUrl"})
	assert.True(t, ok, "siblings survive unset")
}

func TestResolvePaths_AllFields(t *testing.T) {
	t.Setenv("UNIBOX_HOME", "")
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	paths, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".unibox"), paths.Base)
	assert.Equal(t, filepath.Join(home, ".unibox", "config.yaml"), paths.Config)
	assert.Equal(t, filepath.Join(home, ".unibox", "sessions"), paths.Sessions)
	assert.Equal(t, filepath.Join(home, ".unibox", "logs"), paths.Logs)
	assert.Equal(t, filepath.Join(home, ".unibox", "data"), paths.Data)
	assert.Equal(t, filepath.Join(home, ".unibox", "data", "public", "media"), paths.Media)
}

func TestResolvePaths_CustomHomeAllFields(t *testing.T) {
	t.Setenv("UNIBOX_HOME", "/tmp/testub")

	paths, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/testub", paths.Base)
	assert.Equal(t, "/tmp/testub/sessions", paths.Sessions)
	assert.Equal(t, "/tmp/testub/data/unibox.db", paths.Database())
	assert.Equal(t, "/tmp/testub/sessions/telegram", paths.PlatformSessions("telegram"))
}

func TestWithMediaRoot(t *testing.T) {
	p := Paths{Media: "/a"}
	assert.Equal(t, "/a", p.WithMediaRoot("").Media)
	assert.Equal(t, "/b", p.WithMediaRoot("/b").Media)
}

func TestEnsureDirs_CreatesAll(t *testing.T) {
	t.Setenv("UNIBOX_HOME", t.TempDir())
	paths, err := ResolvePaths()
	require.NoError(t, err)

	require.NoError(t, paths.EnsureDirs())

	for _, d := range []string{
		paths.Base, paths.Sessions, paths.Logs, paths.Data, paths.Media,
		paths.PlatformSessions("whatsapp"), paths.PlatformSessions("telegram"),
	} {
		info, err := os.Stat(d)
		require.NoError(t, err, "dir %s should exist", d)
		assert.True(t, info.IsDir())
	}
}

func TestEnsureDirs_Idempotent(t *testing.T) {
	t.Setenv("UNIBOX_HOME", t.TempDir())
	paths, err := ResolvePaths()
	require.NoError(t, err)

	require.NoError(t, paths.EnsureDirs())
	require.NoError(t, paths.EnsureDirs())
}

func TestBlockedKeys(t *testing.T) {
	assert.True(t, blockedKeys["__proto__"])
	assert.True(t, blockedKeys["prototype"])
	assert.True(t, blockedKeys["constructor"])
	assert.False(t, blockedKeys["gateway"])
	assert.False(t, blockedKeys["port"])
}
