package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/mecam/internal/config"
)

// NtfyChannel posts a short push message to an ntfy topic.
type NtfyChannel struct {
	cfg        config.NtfyConfig
	systemName string
	client     *http.Client
}

func NewNtfyChannel(cfg config.NtfyConfig, systemName string) *NtfyChannel {
	return &NtfyChannel{cfg: cfg, systemName: systemName, client: http.DefaultClient}
}

func (c *NtfyChannel) Name() string { return "ntfy" }

func (c *NtfyChannel) Send(ctx context.Context, ev Event) error {
	if c.cfg.Server == "" || c.cfg.Topic == "" {
		return backoff.Permanent(errors.New("ntfy: server and topic are required"))
	}
	url := strings.TrimRight(c.cfg.Server, "/") + "/" + c.cfg.Topic

	body := fmt.Sprintf("Motion recorded at %s (%s, %d frames): %s",
		ev.StartedAt.Format(time.RFC1123),
		ev.EndedAt.Sub(ev.StartedAt).Round(time.Second),
		ev.Frames,
		filepath.Base(ev.Path))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Title", c.title())
	req.Header.Set("Priority", "high")
	req.Header.Set("Tags", "rotating_light")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("ntfy returned %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

func (c *NtfyChannel) title() string {
	if c.systemName == "" {
		return "Motion detected"
	}
	return c.systemName + ": motion detected"
}
