// Package crypto encrypts closed recordings at rest with AES-256-GCM.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// EncryptedExt is appended to the source file name.
	EncryptedExt = ".enc"
)

// fileMagic prefixes every encrypted artifact so foreign files are rejected early.
var fileMagic = []byte("MECAM1")

// ErrNotEncrypted is returned when a file lacks the artifact header.
var ErrNotEncrypted = errors.New("not an encrypted artifact")

// EncryptionError describes a key or I/O failure in the encryption stage.
type EncryptionError struct {
	Op   string
	Path string
	Err  error
}

func (e *EncryptionError) Error() string {
	if e.Path != "" {
		return "encryption " + e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return "encryption " + e.Op + ": " + e.Err.Error()
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// IsEncryptionError reports whether err wraps an EncryptionError.
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// Sealer encrypts and decrypts byte slices with one key.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer builds a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal returns magic || nonce || ciphertext. A fresh random nonce is drawn on
// every call, so sealing the same plaintext twice yields different output.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(fileMagic)+len(nonce)+len(plaintext)+s.gcm.Overhead())
	out = append(out, fileMagic...)
	out = append(out, nonce...)
	return s.gcm.Seal(out, nonce, plaintext, fileMagic), nil
}

// Open reverses Seal.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, fileMagic) {
		return nil, ErrNotEncrypted
	}
	data = data[len(fileMagic):]

	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize+s.gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, fileMagic)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptFile seals src into outDir/<base>.enc and returns the output path.
func (s *Sealer) EncryptFile(src, outDir string) (string, error) {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return "", &EncryptionError{Op: "read", Path: src, Err: err}
	}
	sealed, err := s.Seal(plaintext)
	if err != nil {
		return "", &EncryptionError{Op: "seal", Path: src, Err: err}
	}

	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return "", &EncryptionError{Op: "mkdir", Path: outDir, Err: err}
	}
	dst := filepath.Join(outDir, filepath.Base(src)+EncryptedExt)
	if err := writeFileAtomic(dst, sealed, 0o600); err != nil {
		return "", &EncryptionError{Op: "write", Path: dst, Err: err}
	}
	return dst, nil
}

// DecryptFile opens src and writes the plaintext to dst.
func (s *Sealer) DecryptFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return &EncryptionError{Op: "read", Path: src, Err: err}
	}
	plaintext, err := s.Open(data)
	if err != nil {
		return &EncryptionError{Op: "open", Path: src, Err: err}
	}
	if err := writeFileAtomic(dst, plaintext, 0o600); err != nil {
		return &EncryptionError{Op: "write", Path: dst, Err: err}
	}
	return nil
}

// GenerateMasterKey generates a new random 256-bit (32-byte) master key
// Returns base64-encoded key
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// IsEncrypted reports whether data carries the artifact header.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, fileMagic)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
