package crypto

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/mecam/internal/config"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	encoded, err := GenerateMasterKey()
	require.NoError(t, err)
	key, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	s, err := NewSealer(key)
	require.NoError(t, err)
	return s
}

func TestGenerateMasterKey(t *testing.T) {
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("Failed to generate master key: %v", err)
	}
	if key == "" {
		t.Fatal("Generated key is empty")
	}

	key2, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("Failed to generate second master key: %v", err)
	}
	if key == key2 {
		t.Fatal("Generated keys should be unique")
	}
}

func TestSealOpen(t *testing.T) {
	s := newTestSealer(t)

	testCases := []struct {
		name      string
		plaintext []byte
	}{
		{"jpeg bytes", []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}},
		{"text", []byte("event_20240101_120000.mkv")},
		{"large", bytes.Repeat([]byte{0xAB}, 1<<20)},
		{"empty", []byte{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := s.Seal(tc.plaintext)
			require.NoError(t, err)
			assert.True(t, IsEncrypted(sealed))

			opened, err := s.Open(sealed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tc.plaintext, opened))
		})
	}
}

func TestEncryptionUniqueness(t *testing.T) {
	s := newTestSealer(t)
	plaintext := []byte("same recording, same key")

	a, err := s.Seal(plaintext)
	require.NoError(t, err)
	b, err := s.Seal(plaintext)
	require.NoError(t, err)

	if bytes.Equal(a, b) {
		t.Fatal("Encrypting the same plaintext twice should produce different ciphertexts")
	}

	for _, sealed := range [][]byte{a, b} {
		opened, err := s.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestWrongKey(t *testing.T) {
	sealed, err := newTestSealer(t).Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = newTestSealer(t).Open(sealed)
	if err == nil {
		t.Fatal("Decryption with wrong key should fail")
	}
}

func TestOpenRejectsForeignData(t *testing.T) {
	s := newTestSealer(t)
	_, err := s.Open([]byte("plain mkv data"))
	assert.ErrorIs(t, err, ErrNotEncrypted)
	assert.False(t, IsEncrypted([]byte("plain")))

	_, err = s.Open(append([]byte(nil), fileMagic...))
	assert.Error(t, err)
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := NewSealer([]byte("too short"))
	assert.Error(t, err)
}

func TestLoadOrCreateKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "storage.key")

	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	require.Len(t, first, KeySize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateKeyRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.key")
	require.NoError(t, os.WriteFile(path, []byte("not base64 !!"), 0o600))

	_, err := LoadOrCreateKey(path)
	require.Error(t, err)
	assert.True(t, IsEncryptionError(err))
}

func TestDeriveKeyRejectsCorruptSalt(t *testing.T) {
	salt := filepath.Join(t.TempDir(), "storage.salt")
	_, err := DeriveKey("a long enough passphrase", salt)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(salt, []byte("truncated"), 0o600))
	_, err = DeriveKey("a long enough passphrase", salt)
	require.Error(t, err)
	assert.True(t, IsEncryptionError(err))

	data, err := os.ReadFile(salt)
	require.NoError(t, err)
	assert.Equal(t, "truncated", string(data), "salt must not be replaced")
}

func TestDeriveKeyRejectsUnreadableSalt(t *testing.T) {
	salt := t.TempDir() // a directory cannot be read as a salt
	_, err := DeriveKey("a long enough passphrase", salt)
	require.Error(t, err)
	assert.True(t, IsEncryptionError(err))
}

func TestDeriveKeyStableWithSalt(t *testing.T) {
	salt := filepath.Join(t.TempDir(), "storage.salt")
	a, err := DeriveKey("a long enough passphrase", salt)
	require.NoError(t, err)
	b, err := DeriveKey("a long enough passphrase", salt)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := DeriveKey("another long passphrase", salt)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = DeriveKey("short", salt)
	assert.Error(t, err)
}

func testStage(t *testing.T, mutate func(*config.Config)) (*Stage, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.Storage.RecordingsDir = filepath.Join(dir, "recordings")
	cfg.Storage.EncryptedDir = filepath.Join(dir, "encrypted")
	cfg.Encryption.KeyPath = filepath.Join(dir, "storage.key")
	cfg.Encryption.SaltPath = filepath.Join(dir, "storage.salt")
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, os.MkdirAll(cfg.Storage.RecordingsDir, 0o755))
	return NewStage(config.NewStaticProvider(cfg), nil), cfg
}

func TestStageEncryptsAndDecrypts(t *testing.T) {
	stage, cfg := testStage(t, nil)
	src := filepath.Join(cfg.Storage.RecordingsDir, "event.mkv")
	require.NoError(t, os.WriteFile(src, []byte("recording bytes"), 0o644))

	res := stage.Process(src)
	require.NoError(t, res.Err)
	assert.True(t, res.Encrypted)
	assert.Equal(t, filepath.Join(cfg.Storage.EncryptedDir, "event.mkv.enc"), res.Path)
	assert.Equal(t, "file:"+cfg.Encryption.KeyPath, res.KeyRef)
	assert.FileExists(t, src)

	sealer, err := stage.Sealer()
	require.NoError(t, err)
	out := filepath.Join(t.TempDir(), "event.mkv")
	require.NoError(t, sealer.DecryptFile(res.Path, out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "recording bytes", string(got))
}

func TestStageDeletesPlaintextWhenAsked(t *testing.T) {
	stage, cfg := testStage(t, func(c *config.Config) { c.Encryption.DeletePlaintext = true })
	src := filepath.Join(cfg.Storage.RecordingsDir, "event.mjpeg")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	res := stage.Process(src)
	require.NoError(t, res.Err)
	assert.NoFileExists(t, src)
}

func TestStageFailureFallsBackToSource(t *testing.T) {
	stage, cfg := testStage(t, nil)
	missing := filepath.Join(cfg.Storage.RecordingsDir, "gone.mkv")

	res := stage.Process(missing)
	require.Error(t, res.Err)
	assert.False(t, res.Encrypted)
	assert.Equal(t, missing, res.Path)
	assert.True(t, IsEncryptionError(stage.LastError()))

	ok, failed := stage.Counts()
	assert.Zero(t, ok)
	assert.EqualValues(t, 1, failed)
}

func TestStageDisabledPassesThrough(t *testing.T) {
	stage, cfg := testStage(t, func(c *config.Config) { c.Encryption.Enabled = false })
	src := filepath.Join(cfg.Storage.RecordingsDir, "event.mkv")

	res := stage.Process(src)
	assert.NoError(t, res.Err)
	assert.False(t, res.Encrypted)
	assert.Equal(t, src, res.Path)
}
