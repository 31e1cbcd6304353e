package config

import (
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Validate delegates to per-section validators and reports every problem at once.
func (c *Config) Validate() error {
	v := &Validator{}

	validateCaptureConfig(v, &c.Capture)
	validateMotionConfig(v, &c.Motion)
	validateAIConfig(v, &c.AI)
	validateStorageConfig(v, c)
	validateEncryptionConfig(v, &c.Encryption)
	validateNotificationConfig(v, &c.Notifications)
	validateWatchdogConfig(v, &c.Watchdog)
	validateAPIConfig(v, &c.API)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateCaptureConfig(v *Validator, cfg *CaptureConfig) {
	switch cfg.Source {
	case "ffmpeg":
		if strings.TrimSpace(cfg.Device) == "" {
			v.AddError("capture.device is required for the ffmpeg source")
		}
	case "libcamera":
	case "command":
		if len(cfg.Command) == 0 {
			v.AddError("capture.command must name a program for the command source")
		}
	default:
		v.AddError("invalid capture.source: %q (must be 'ffmpeg', 'libcamera', or 'command')", cfg.Source)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		v.AddError("invalid capture dimensions: width=%d height=%d", cfg.Width, cfg.Height)
	}
	if cfg.Width > 4096 || cfg.Height > 4096 {
		v.AddError("capture dimensions too large: %dx%d (max 4096x4096)", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 || cfg.FPS > 120 {
		v.AddError("invalid capture.fps: %d (1-120)", cfg.FPS)
	}
	if cfg.ReadChunkBytes <= 0 {
		v.AddError("capture.read_chunk_bytes must be positive")
	}
	if cfg.MaxBufferBytes < cfg.ReadChunkBytes {
		v.AddError("capture.max_buffer_bytes (%d) must be at least read_chunk_bytes (%d)", cfg.MaxBufferBytes, cfg.ReadChunkBytes)
	}
	if cfg.StopGrace.Duration <= 0 {
		v.AddError("capture.stop_grace must be positive")
	}
}

func validateMotionConfig(v *Validator, cfg *MotionConfig) {
	if cfg.Sensitivity < 1 || cfg.Sensitivity > 255 {
		v.AddError("motion.sensitivity must be in 1-255, got %d", cfg.Sensitivity)
	}
	if cfg.MinArea < 0 {
		v.AddError("motion.min_area cannot be negative")
	}
	if cfg.CooldownFrames < 1 {
		v.AddError("motion.cooldown_frames must be at least 1")
	}
	if cfg.BlurSize < 1 || cfg.BlurSize%2 == 0 {
		v.AddError("motion.blur_size must be a positive odd number, got %d", cfg.BlurSize)
	}
	if cfg.ReferenceAlpha <= 0 || cfg.ReferenceAlpha > 1 {
		v.AddError("motion.reference_alpha must be in (0, 1]")
	}
}

func validateAIConfig(v *Validator, cfg *AIConfig) {
	switch cfg.Policy {
	case "fail_open", "fail_closed":
	default:
		v.AddError("invalid ai.policy: %q (must be 'fail_open' or 'fail_closed')", cfg.Policy)
	}
	if cfg.PersonThreshold < 0 || cfg.PersonThreshold > 1 {
		v.AddError("ai.person_threshold must be in [0, 1]")
	}
	if cfg.FaceAllowlist && strings.TrimSpace(cfg.FaceAllowlistDir) == "" {
		v.AddError("ai.face_allowlist_dir is required when the face allow-list is enabled")
	}
}

func validateStorageConfig(v *Validator, c *Config) {
	s := c.Storage
	if strings.TrimSpace(s.RecordingsDir) == "" {
		v.AddError("storage.recordings_dir cannot be empty")
	}
	if c.Encryption.Enabled && strings.TrimSpace(s.EncryptedDir) == "" {
		v.AddError("storage.encrypted_dir cannot be empty when encryption is enabled")
	}
	switch c.Recording.Format {
	case "mkv", "mjpeg":
	default:
		v.AddError("invalid recording.format: %q (must be 'mkv' or 'mjpeg')", c.Recording.Format)
	}
	switch s.Index.Driver {
	case "sqlite":
		if s.Index.Path == "" {
			v.AddError("storage.index.path is required for the sqlite index")
		}
	case "postgres":
		if s.Index.Postgres.Host == "" || s.Index.Postgres.Database == "" {
			v.AddError("storage.index.postgres host and database are required for the postgres index")
		}
	default:
		v.AddError("invalid storage.index.driver: %q (must be 'sqlite' or 'postgres')", s.Index.Driver)
	}
}

func validateEncryptionConfig(v *Validator, cfg *EncryptionConfig) {
	if !cfg.Enabled {
		return
	}
	if strings.TrimSpace(cfg.KeyPath) == "" {
		v.AddError("encryption.key_path cannot be empty")
	}
	if cfg.Passphrase != "" && len(cfg.Passphrase) < 16 {
		v.AddError("encryption passphrase must be at least 16 characters long (got %d)", len(cfg.Passphrase))
	}
}

func validateNotificationConfig(v *Validator, cfg *NotificationsConfig) {
	if cfg.MaxAttempts < 1 {
		v.AddError("notifications.max_attempts must be at least 1")
	}
	if cfg.Email.Enabled {
		if cfg.Email.SMTPHost == "" {
			v.AddError("notifications.email.smtp_host is required")
		}
		if cfg.Email.SMTPPort < 1 || cfg.Email.SMTPPort > 65535 {
			v.AddError("invalid notifications.email.smtp_port: %d", cfg.Email.SMTPPort)
		}
		if !isValidAddressList(cfg.Email.To) {
			v.AddError("invalid recipient email: %s", cfg.Email.To)
		}
		if cfg.Email.From != "" && !isValidEmail(cfg.Email.From) {
			v.AddError("invalid from email: %s", cfg.Email.From)
		}
	}
	if cfg.Ntfy.Enabled {
		if !isValidURL(cfg.Ntfy.Server) {
			v.AddError("invalid notifications.ntfy.server: %s", cfg.Ntfy.Server)
		}
		if cfg.Ntfy.Topic == "" {
			v.AddError("notifications.ntfy.topic is required")
		}
	}
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			v.AddError("notifications.mqtt.broker is required")
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			v.AddError("notifications.mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.MinIO.Enabled {
		if cfg.MinIO.Endpoint == "" {
			v.AddError("notifications.minio.endpoint is required")
		}
		if cfg.MinIO.Bucket == "" {
			v.AddError("notifications.minio.bucket is required")
		}
	}
	if cfg.GDrive.Enabled {
		if cfg.GDrive.CredentialsPath == "" || cfg.GDrive.TokenPath == "" {
			v.AddError("notifications.gdrive credentials_path and token_path are required")
		}
	}
}

func validateWatchdogConfig(v *Validator, cfg *WatchdogConfig) {
	if cfg.CheckInterval.Duration <= 0 {
		v.AddError("watchdog.check_interval must be positive")
	}
	if cfg.StaleAfter.Duration <= cfg.CheckInterval.Duration {
		v.AddError("watchdog.stale_after (%s) must exceed check_interval (%s)", cfg.StaleAfter, cfg.CheckInterval)
	}
	if cfg.MaxRestarts < 1 {
		v.AddError("watchdog.max_restarts must be at least 1")
	}
	if cfg.RestartWindow.Duration <= 0 {
		v.AddError("watchdog.restart_window must be positive")
	}
}

func validateAPIConfig(v *Validator, cfg *APIConfig) {
	if !cfg.Enabled {
		return
	}
	host, portStr, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		v.AddError("api.listen must be host:port: %v", err)
		return
	}
	if host != "" && host != "localhost" && net.ParseIP(host) == nil {
		v.AddError("invalid host in api.listen: %s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in api.listen: %s", portStr)
	}
}

func isValidEmail(addr string) bool {
	if addr == "" {
		return false
	}
	_, err := mail.ParseAddress(addr)
	return err == nil
}

func isValidAddressList(list string) bool {
	if list == "" {
		return false
	}
	_, err := mail.ParseAddressList(list)
	return err == nil
}

func isValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
