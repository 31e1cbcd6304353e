package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "fail_open", cfg.AI.Policy)
	assert.Equal(t, 3, cfg.Watchdog.MaxRestarts)
	assert.Equal(t, 8<<20, cfg.Capture.MaxBufferBytes)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Capture.Source = "webcam"
	cfg.Motion.CooldownFrames = 0
	cfg.AI.Policy = "maybe"
	cfg.Notifications.Email.Enabled = true
	cfg.Notifications.Email.SMTPHost = "smtp.example.com"
	cfg.Notifications.Email.To = "not-an-address"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"capture.source", "cooldown_frames", "ai.policy", "recipient email"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, ext := range []string{".yaml", ".toml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config"+ext)
			cfg := NewDefaultConfig()
			cfg.Capture.Width = 1536
			cfg.Capture.Height = 864
			cfg.Watchdog.StaleAfter = D(42 * time.Second)
			cfg.Capture.ExtraArgs = []string{"--hflip"}

			require.NoError(t, Save(path, cfg))
			got, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, 1536, got.Capture.Width)
			assert.Equal(t, 864, got.Capture.Height)
			assert.Equal(t, 42*time.Second, got.Watchdog.StaleAfter.Duration)
			assert.Equal(t, []string{"--hflip"}, got.Capture.ExtraArgs)
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestProviderWritesDefaultsAndReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	p, err := NewProvider(path, nil)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 15, p.Current().Capture.FPS)

	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.Capture.FPS = 30
	require.NoError(t, Save(path, cfg))
	bumpModTime(t, path)

	assert.Equal(t, 30, p.Current().Capture.FPS)
}

func TestProviderKeepsLastGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	p, err := NewProvider(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("capture: [this is not a mapping"), 0o600))
	bumpModTime(t, path)

	assert.Equal(t, 640, p.Current().Capture.Width)
}

func TestProviderUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	p, err := NewProvider(path, nil)
	require.NoError(t, err)

	require.NoError(t, p.Update(func(c *Config) { c.Motion.MinArea = 1234 }))
	assert.Equal(t, 1234, p.Current().Motion.MinArea)

	onDisk, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, onDisk.Motion.MinArea)

	err = p.Update(func(c *Config) { c.Capture.FPS = 0 })
	assert.Error(t, err)
	assert.Equal(t, 15, p.Current().Capture.FPS)
}

func TestCurrentReturnsPrivateCopy(t *testing.T) {
	p := NewStaticProvider(nil)
	c := p.Current()
	c.Capture.Width = 1
	c.Capture.ExtraArgs = append(c.Capture.ExtraArgs, "x")
	assert.Equal(t, 640, p.Current().Capture.Width)
	assert.Empty(t, p.Current().Capture.ExtraArgs)
}

func TestPassphraseFromEnvironment(t *testing.T) {
	t.Setenv(EnvPassphrase, "correct horse battery staple")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(path, NewDefaultConfig()))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "correct horse battery staple", cfg.Encryption.Passphrase)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "correct horse")
}

func bumpModTime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))
}
