package crypto

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// Result is the outcome of encrypting one closed recording. Path is always
// the best available artifact: the encrypted file on success, the source
// otherwise.
type Result struct {
	SourcePath string
	Path       string
	KeyRef     string
	Encrypted  bool
	Err        error
}

// Stage encrypts closed recordings with the persistent key named by the
// current configuration.
type Stage struct {
	provider *config.Provider
	logger   recorderlog.Logger

	mu       sync.Mutex
	cacheKey string
	sealer   *Sealer

	encrypted atomic.Uint64
	failures  atomic.Uint64
	lastErr   atomic.Pointer[error]
}

func NewStage(provider *config.Provider, logger recorderlog.Logger) *Stage {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Stage{provider: provider, logger: logger.Named("encryption")}
}

// Process encrypts src. Failures are logged and recorded, never returned as
// a hard stop: the caller gets the plaintext path back so the event can still
// be reported.
func (s *Stage) Process(src string) Result {
	cfg := s.provider.Current()
	res := Result{SourcePath: src, Path: src}
	if !cfg.Encryption.Enabled {
		return res
	}

	sealer, keyRef, err := s.sealerFor(cfg.Encryption)
	if err != nil {
		return s.fail(res, err)
	}
	res.KeyRef = keyRef

	out, err := sealer.EncryptFile(src, cfg.Storage.EncryptedDir)
	if err != nil {
		return s.fail(res, err)
	}
	res.Path = out
	res.Encrypted = true
	s.encrypted.Add(1)

	if cfg.Encryption.DeletePlaintext {
		if err := os.Remove(src); err != nil {
			s.logger.Warn("Failed to remove plaintext recording", recorderlog.String("path", src), recorderlog.Error(err))
		}
	}

	s.logger.Info("Recording encrypted", recorderlog.String("source", src), recorderlog.String("path", out))
	return res
}

// Sealer returns the sealer for the currently configured key, loading or
// creating the key as needed.
func (s *Stage) Sealer() (*Sealer, error) {
	sealer, _, err := s.sealerFor(s.provider.Current().Encryption)
	return sealer, err
}

// LastError returns the most recent encryption failure, or nil.
func (s *Stage) LastError() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Counts reports successful and failed encryptions.
func (s *Stage) Counts() (encrypted, failed uint64) {
	return s.encrypted.Load(), s.failures.Load()
}

func (s *Stage) fail(res Result, err error) Result {
	res.Err = err
	s.failures.Add(1)
	s.lastErr.Store(&err)
	s.logger.Error("Encryption failed, reporting unencrypted recording",
		recorderlog.String("path", res.SourcePath), recorderlog.Error(err))
	return res
}

func (s *Stage) sealerFor(cfg config.EncryptionConfig) (*Sealer, string, error) {
	ref := "file:" + cfg.KeyPath
	if cfg.Passphrase != "" {
		ref = "argon2id:" + cfg.SaltPath
	}

	cacheKey := ref + "\x00" + cfg.Passphrase

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealer != nil && s.cacheKey == cacheKey {
		return s.sealer, ref, nil
	}

	var (
		key []byte
		err error
	)
	if cfg.Passphrase != "" {
		key, err = DeriveKey(cfg.Passphrase, cfg.SaltPath)
	} else {
		key, err = LoadOrCreateKey(cfg.KeyPath)
	}
	if err != nil {
		return nil, "", err
	}
	sealer, err := NewSealer(key)
	if err != nil {
		return nil, "", &EncryptionError{Op: "init", Err: err}
	}
	s.sealer, s.cacheKey = sealer, cacheKey
	return sealer, ref, nil
}
