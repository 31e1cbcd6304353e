package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltSize = 32

// Argon2id parameters: time=3, memory=64MB, threads=4.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// LoadOrCreateKey returns the key stored at path, generating and persisting a
// new random key on first use. The file holds the base64 key, mode 0600.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, derr := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
		if derr != nil {
			return nil, &EncryptionError{Op: "load key", Path: path, Err: derr}
		}
		if len(key) != KeySize {
			return nil, &EncryptionError{Op: "load key", Path: path, Err: fmt.Errorf("key is %d bytes, want %d", len(key), KeySize)}
		}
		return key, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, &EncryptionError{Op: "load key", Path: path, Err: err}
	}

	encoded, err := GenerateMasterKey()
	if err != nil {
		return nil, &EncryptionError{Op: "generate key", Path: path, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &EncryptionError{Op: "create key dir", Path: path, Err: err}
	}
	// O_EXCL so two racing processes never overwrite each other's key
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return LoadOrCreateKey(path)
	}
	if err != nil {
		return nil, &EncryptionError{Op: "save key", Path: path, Err: err}
	}
	if _, err := f.WriteString(encoded + "\n"); err != nil {
		f.Close()
		return nil, &EncryptionError{Op: "save key", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, &EncryptionError{Op: "save key", Path: path, Err: err}
	}

	key, _ := base64.StdEncoding.DecodeString(encoded)
	return key, nil
}

// DeriveKey stretches passphrase with Argon2id using a per-installation salt
// kept at saltPath.
func DeriveKey(passphrase, saltPath string) ([]byte, error) {
	if len(passphrase) < 16 {
		return nil, &EncryptionError{Op: "derive key", Err: fmt.Errorf("passphrase must be at least 16 characters long (got %d)", len(passphrase))}
	}
	salt, err := getOrCreateSalt(saltPath)
	if err != nil {
		return nil, &EncryptionError{Op: "salt", Path: saltPath, Err: err}
	}
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize), nil
}

// getOrCreateSalt returns the per-installation salt, creating it only when
// the file does not exist. A damaged salt is an error: replacing it would
// change the derived key and orphan every earlier artifact.
func getOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(salt) != saltSize {
			return nil, fmt.Errorf("salt is %d bytes, want %d", len(salt), saltSize)
		}
		return salt, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create salt directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return getOrCreateSalt(path)
	}
	if err != nil {
		return nil, fmt.Errorf("save salt: %w", err)
	}
	if _, err := f.Write(salt); err != nil {
		f.Close()
		return nil, fmt.Errorf("save salt: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("save salt: %w", err)
	}
	return salt, nil
}
