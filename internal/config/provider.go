package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// Provider owns the configuration file. Components hold the provider and
// call Current when they need a value, so edits on disk are picked up on the
// next read without restarting the process.
type Provider struct {
	path   string
	logger recorderlog.Logger

	mu      sync.Mutex
	current *Config
	modTime time.Time
	size    int64
}

// NewProvider loads path, writing defaults first if the file does not exist.
func NewProvider(path string, logger recorderlog.Logger) (*Provider, error) {
	if logger == nil {
		logger = recorderlog.L()
	}
	p := &Provider{path: path, logger: logger.Named("config")}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		p.logger.Info("Config not found, writing defaults", recorderlog.String("path", path))
		if err := Save(path, NewDefaultConfig()); err != nil {
			return nil, err
		}
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewStaticProvider wraps an in-memory config that is never reloaded.
func NewStaticProvider(cfg *Config) *Provider {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	return &Provider{current: cfg.Clone(), logger: recorderlog.NewNop()}
}

// Path returns the backing file, or "" for a static provider.
func (p *Provider) Path() string { return p.path }

// Current returns a private copy of the latest configuration. If the backing
// file changed since the last read it is reloaded; a file that fails to parse
// or validate leaves the previous snapshot in place.
func (p *Provider) Current() *Config {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.path != "" {
		if info, err := os.Stat(p.path); err == nil && (!info.ModTime().Equal(p.modTime) || info.Size() != p.size) {
			if err := p.reloadLocked(); err != nil {
				p.logger.Warn("Keeping previous config", recorderlog.Error(err))
				// don't retry every call until the file changes again
				p.modTime, p.size = info.ModTime(), info.Size()
			}
		}
	}
	return p.current.Clone()
}

// Reload forces a re-read of the backing file.
func (p *Provider) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloadLocked()
}

func (p *Provider) reloadLocked() error {
	if p.path == "" {
		return nil
	}
	info, err := os.Stat(p.path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	cfg, err := Load(p.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.current = cfg
	p.modTime, p.size = info.ModTime(), info.Size()
	p.logger.Debug("Config loaded", recorderlog.String("path", p.path))
	return nil
}

// Update applies fn to a copy of the current config, validates it, and
// persists it.
func (p *Provider) Update(fn func(*Config)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.current.Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return err
	}
	if p.path != "" {
		if err := Save(p.path, next); err != nil {
			return err
		}
		if info, err := os.Stat(p.path); err == nil {
			p.modTime, p.size = info.ModTime(), info.Size()
		}
	}
	p.current = next
	p.logger.Info("Config updated")
	return nil
}

// Load reads a YAML or TOML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := NewDefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// Save writes cfg atomically in the format implied by the file extension.
func Save(path string, cfg *Config) error {
	out := cfg.Clone()
	if os.Getenv(EnvPassphrase) != "" {
		out.Encryption.Passphrase = ""
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(out)
	case ".toml":
		data, err = toml.Marshal(out)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
