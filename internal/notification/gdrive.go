package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// Token file permissions (owner read/write only)
const tokenFilePerms = 0o600

// DriveChannel uploads the artifact to a Google Drive folder using an
// installed-app OAuth client and a stored token.
type DriveChannel struct {
	cfg    config.GDriveConfig
	logger recorderlog.Logger
}

func NewDriveChannel(cfg config.GDriveConfig, logger recorderlog.Logger) *DriveChannel {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &DriveChannel{cfg: cfg, logger: logger.Named("gdrive")}
}

func (c *DriveChannel) Name() string { return "gdrive" }

func (c *DriveChannel) Send(ctx context.Context, ev Event) error {
	oauthCfg, token, err := c.credentials()
	if err != nil {
		return backoff.Permanent(err)
	}
	ts := oauthCfg.TokenSource(ctx, token)

	svc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return fmt.Errorf("failed to init Drive service: %w", err)
	}

	f, err := os.Open(ev.Path)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer f.Close()

	meta := &drive.File{
		Name:        filepath.Base(ev.Path),
		Description: fmt.Sprintf("mecam event %s (%d frames)", ev.ID, ev.Frames),
	}
	if c.cfg.FolderID != "" {
		meta.Parents = []string{c.cfg.FolderID}
	}
	created, err := svc.Files.Create(meta).Media(f).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("drive upload failed: %w", err)
	}
	c.logger.Debug("Uploaded to Drive", recorderlog.String("file_id", created.Id), recorderlog.String("name", created.Name))

	// persist refreshed tokens so the next send doesn't start from a stale one
	if fresh, err := ts.Token(); err == nil && fresh.AccessToken != token.AccessToken {
		if err := saveToken(c.cfg.TokenPath, fresh); err != nil {
			c.logger.Warn("Failed to persist refreshed Drive token", recorderlog.Error(err))
		}
	}
	return nil
}

func (c *DriveChannel) credentials() (*oauth2.Config, *oauth2.Token, error) {
	if c.cfg.CredentialsPath == "" || c.cfg.TokenPath == "" {
		return nil, nil, errors.New("gdrive: credentials_path and token_path are required")
	}
	raw, err := os.ReadFile(c.cfg.CredentialsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	oauthCfg, err := google.ConfigFromJSON(raw, drive.DriveFileScope)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	token, err := loadToken(c.cfg.TokenPath)
	if err != nil {
		return nil, nil, err
	}
	return oauthCfg, token, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("invalid token: missing access and refresh tokens")
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, tokenFilePerms); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return os.Rename(tmp, path)
}
