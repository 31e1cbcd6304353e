package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// Environment overrides.
const (
	EnvConfigPath = "MECAM_CONFIG"
	EnvPassphrase = "MECAM_ENCRYPTION_PASSPHRASE"
)

// Config holds all application configuration
type Config struct {
	SystemName string `yaml:"system_name" toml:"system_name" json:"system_name"`
	LockPath   string `yaml:"lock_path" toml:"lock_path" json:"lock_path"`

	Log           recorderlog.Config  `yaml:"log" toml:"log" json:"log"`
	Capture       CaptureConfig       `yaml:"capture" toml:"capture" json:"capture"`
	Motion        MotionConfig        `yaml:"motion" toml:"motion" json:"motion"`
	AI            AIConfig            `yaml:"ai" toml:"ai" json:"ai"`
	Recording     RecordingConfig     `yaml:"recording" toml:"recording" json:"recording"`
	Storage       StorageConfig       `yaml:"storage" toml:"storage" json:"storage"`
	Encryption    EncryptionConfig    `yaml:"encryption" toml:"encryption" json:"encryption"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications" json:"notifications"`
	Watchdog      WatchdogConfig      `yaml:"watchdog" toml:"watchdog" json:"watchdog"`
	API           APIConfig           `yaml:"api" toml:"api" json:"api"`
	Battery       BatteryConfig       `yaml:"battery" toml:"battery" json:"battery"`
}

// CaptureConfig describes the supervised encoder process.
type CaptureConfig struct {
	Source         string   `yaml:"source" toml:"source" json:"source"` // ffmpeg, libcamera, command
	Device         string   `yaml:"device" toml:"device" json:"device"`
	Command        []string `yaml:"command" toml:"command" json:"command"`
	ExtraArgs      []string `yaml:"extra_args" toml:"extra_args" json:"extra_args"`
	Width          int      `yaml:"width" toml:"width" json:"width"`
	Height         int      `yaml:"height" toml:"height" json:"height"`
	FPS            int      `yaml:"fps" toml:"fps" json:"fps"`
	StopGrace      Duration `yaml:"stop_grace" toml:"stop_grace" json:"stop_grace"`
	RestartSettle  Duration `yaml:"restart_settle" toml:"restart_settle" json:"restart_settle"`
	ReadChunkBytes int      `yaml:"read_chunk_bytes" toml:"read_chunk_bytes" json:"read_chunk_bytes"`
	MaxBufferBytes int      `yaml:"max_buffer_bytes" toml:"max_buffer_bytes" json:"max_buffer_bytes"`
}

type MotionConfig struct {
	Sensitivity    int     `yaml:"sensitivity" toml:"sensitivity" json:"sensitivity"`
	MinArea        int     `yaml:"min_area" toml:"min_area" json:"min_area"`
	CooldownFrames int     `yaml:"cooldown_frames" toml:"cooldown_frames" json:"cooldown_frames"`
	BlurSize       int     `yaml:"blur_size" toml:"blur_size" json:"blur_size"`
	ReferenceAlpha float64 `yaml:"reference_alpha" toml:"reference_alpha" json:"reference_alpha"`
}

// AIConfig controls the optional confirmation stages.
type AIConfig struct {
	PersonDetection   bool    `yaml:"person_detection" toml:"person_detection" json:"person_detection"`
	PersonModelPath   string  `yaml:"person_model_path" toml:"person_model_path" json:"person_model_path"`
	PersonConfigPath  string  `yaml:"person_config_path" toml:"person_config_path" json:"person_config_path"`
	PersonThreshold   float64 `yaml:"person_threshold" toml:"person_threshold" json:"person_threshold"`
	FaceAllowlist     bool    `yaml:"face_allowlist" toml:"face_allowlist" json:"face_allowlist"`
	FaceCascadePath   string  `yaml:"face_cascade_path" toml:"face_cascade_path" json:"face_cascade_path"`
	FaceAllowlistDir  string  `yaml:"face_allowlist_dir" toml:"face_allowlist_dir" json:"face_allowlist_dir"`
	FaceMatchMinScore float64 `yaml:"face_match_min_score" toml:"face_match_min_score" json:"face_match_min_score"`
	Policy            string  `yaml:"policy" toml:"policy" json:"policy"` // fail_open, fail_closed
}

type RecordingConfig struct {
	Format string `yaml:"format" toml:"format" json:"format"` // mkv, mjpeg
}

type StorageConfig struct {
	RecordingsDir string      `yaml:"recordings_dir" toml:"recordings_dir" json:"recordings_dir"`
	EncryptedDir  string      `yaml:"encrypted_dir" toml:"encrypted_dir" json:"encrypted_dir"`
	MinFreeMB     int         `yaml:"min_free_mb" toml:"min_free_mb" json:"min_free_mb"`
	Index         IndexConfig `yaml:"index" toml:"index" json:"index"`
}

// IndexConfig selects the artifact index backend.
type IndexConfig struct {
	Driver   string         `yaml:"driver" toml:"driver" json:"driver"` // sqlite, postgres
	Path     string         `yaml:"path" toml:"path" json:"path"`
	Postgres PostgresConfig `yaml:"postgres" toml:"postgres" json:"postgres"`
}

type PostgresConfig struct {
	Host     string `yaml:"host" toml:"host" json:"host"`
	Port     int    `yaml:"port" toml:"port" json:"port"`
	Database string `yaml:"database" toml:"database" json:"database"`
	Username string `yaml:"username" toml:"username" json:"username"`
	Password string `yaml:"password" toml:"password" json:"-"`
	SSLMode  string `yaml:"ssl_mode" toml:"ssl_mode" json:"ssl_mode"`
}

type EncryptionConfig struct {
	Enabled         bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	KeyPath         string `yaml:"key_path" toml:"key_path" json:"key_path"`
	SaltPath        string `yaml:"salt_path" toml:"salt_path" json:"salt_path"`
	Passphrase      string `yaml:"passphrase" toml:"passphrase" json:"-"`
	DeletePlaintext bool   `yaml:"delete_plaintext" toml:"delete_plaintext" json:"delete_plaintext"`
}

type NotificationsConfig struct {
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	RetryDelay  Duration `yaml:"retry_delay" toml:"retry_delay" json:"retry_delay"`
	MaxDelay    Duration `yaml:"max_delay" toml:"max_delay" json:"max_delay"`
	SendTimeout Duration `yaml:"send_timeout" toml:"send_timeout" json:"send_timeout"`

	Email  EmailConfig  `yaml:"email" toml:"email" json:"email"`
	Ntfy   NtfyConfig   `yaml:"ntfy" toml:"ntfy" json:"ntfy"`
	MQTT   MQTTConfig   `yaml:"mqtt" toml:"mqtt" json:"mqtt"`
	MinIO  MinIOConfig  `yaml:"minio" toml:"minio" json:"minio"`
	GDrive GDriveConfig `yaml:"gdrive" toml:"gdrive" json:"gdrive"`
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	SMTPHost string `yaml:"smtp_host" toml:"smtp_host" json:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port" toml:"smtp_port" json:"smtp_port"`
	Username string `yaml:"username" toml:"username" json:"username"`
	Password string `yaml:"password" toml:"password" json:"-"`
	From     string `yaml:"from" toml:"from" json:"from"`
	To       string `yaml:"to" toml:"to" json:"to"`
}

type NtfyConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Server  string `yaml:"server" toml:"server" json:"server"`
	Topic   string `yaml:"topic" toml:"topic" json:"topic"`
	Token   string `yaml:"token" toml:"token" json:"-"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" toml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" toml:"client_id" json:"client_id"`
	Topic    string `yaml:"topic" toml:"topic" json:"topic"`
	Username string `yaml:"username" toml:"username" json:"username"`
	Password string `yaml:"password" toml:"password" json:"-"`
	QoS      int    `yaml:"qos" toml:"qos" json:"qos"`
}

type MinIOConfig struct {
	Enabled         bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"-"`
	UseSSL          bool   `yaml:"use_ssl" toml:"use_ssl" json:"use_ssl"`
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Region          string `yaml:"region" toml:"region" json:"region"`
	Prefix          string `yaml:"prefix" toml:"prefix" json:"prefix"`
}

type GDriveConfig struct {
	Enabled         bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	CredentialsPath string `yaml:"credentials_path" toml:"credentials_path" json:"credentials_path"`
	TokenPath       string `yaml:"token_path" toml:"token_path" json:"token_path"`
	FolderID        string `yaml:"folder_id" toml:"folder_id" json:"folder_id"`
}

type WatchdogConfig struct {
	CheckInterval  Duration `yaml:"check_interval" toml:"check_interval" json:"check_interval"`
	StaleAfter     Duration `yaml:"stale_after" toml:"stale_after" json:"stale_after"`
	MaxRestarts    int      `yaml:"max_restarts" toml:"max_restarts" json:"max_restarts"`
	RestartWindow  Duration `yaml:"restart_window" toml:"restart_window" json:"restart_window"`
	RestartBackoff Duration `yaml:"restart_backoff" toml:"restart_backoff" json:"restart_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff" toml:"max_backoff" json:"max_backoff"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" toml:"listen" json:"listen"`
}

type BatteryConfig struct {
	Enabled             bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	SupplyName          string `yaml:"supply_name" toml:"supply_name" json:"supply_name"`
	LowThresholdPercent int    `yaml:"low_threshold_percent" toml:"low_threshold_percent" json:"low_threshold_percent"`
}

// Duration is a time.Duration that reads and writes as "2s", "500ms", etc.
type Duration struct {
	time.Duration
}

func D(d time.Duration) Duration { return Duration{Duration: d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		SystemName: "mecam",
		LockPath:   filepath.Join(dataDir, "mecam.lock"),
		Log: recorderlog.Config{
			Level:  "info",
			Format: "console",
		},
		Capture: CaptureConfig{
			Source:         "ffmpeg",
			Device:         "/dev/video0",
			Width:          640,
			Height:         480,
			FPS:            15,
			StopGrace:      D(2 * time.Second),
			RestartSettle:  D(500 * time.Millisecond),
			ReadChunkBytes: 4096,
			MaxBufferBytes: 8 << 20,
		},
		Motion: MotionConfig{
			Sensitivity:    25,
			MinArea:        3000,
			CooldownFrames: 30,
			BlurSize:       21,
			ReferenceAlpha: 0.05,
		},
		AI: AIConfig{
			PersonThreshold:   0.5,
			FaceMatchMinScore: 0.8,
			Policy:            "fail_open",
		},
		Recording: RecordingConfig{
			Format: "mkv",
		},
		Storage: StorageConfig{
			RecordingsDir: filepath.Join(dataDir, "recordings"),
			EncryptedDir:  filepath.Join(dataDir, "recordings_encrypted"),
			MinFreeMB:     256,
			Index: IndexConfig{
				Driver: "sqlite",
				Path:   filepath.Join(dataDir, "artifacts.db"),
				Postgres: PostgresConfig{
					Port:    5432,
					SSLMode: "require",
				},
			},
		},
		Encryption: EncryptionConfig{
			Enabled:  true,
			KeyPath:  filepath.Join(dataDir, "storage.key"),
			SaltPath: filepath.Join(dataDir, "storage.salt"),
		},
		Notifications: NotificationsConfig{
			MaxAttempts: 3,
			RetryDelay:  D(2 * time.Second),
			MaxDelay:    D(30 * time.Second),
			SendTimeout: D(30 * time.Second),
			Email: EmailConfig{
				SMTPPort: 587,
			},
			Ntfy: NtfyConfig{
				Server: "https://ntfy.sh",
			},
			MQTT: MQTTConfig{
				ClientID: "mecam",
				Topic:    "mecam/events",
				QoS:      1,
			},
			MinIO: MinIOConfig{
				Bucket: "mecam-events",
				Prefix: "events/",
			},
		},
		Watchdog: WatchdogConfig{
			CheckInterval:  D(2 * time.Second),
			StaleAfter:     D(10 * time.Second),
			MaxRestarts:    3,
			RestartWindow:  D(5 * time.Minute),
			RestartBackoff: D(2 * time.Second),
			MaxBackoff:     D(30 * time.Second),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Battery: BatteryConfig{
			SupplyName:          "BAT0",
			LowThresholdPercent: 20,
		},
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Log.OutputPaths = append([]string(nil), c.Log.OutputPaths...)
	cp.Capture.Command = append([]string(nil), c.Capture.Command...)
	cp.Capture.ExtraArgs = append([]string(nil), c.Capture.ExtraArgs...)
	return &cp
}

// applyEnv overlays environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPassphrase); v != "" {
		c.Encryption.Passphrase = v
	}
}

func defaultDataDir() string {
	if v := os.Getenv("MECAM_DATA_DIR"); v != "" {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".mecam")
	}
	return ".mecam"
}
