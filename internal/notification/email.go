package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/mecam/internal/config"
)

type mailSender func(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel mails a multipart alert through an SMTP relay.
type EmailChannel struct {
	cfg        config.EmailConfig
	systemName string
	send       mailSender
}

func NewEmailChannel(cfg config.EmailConfig, systemName string) *EmailChannel {
	return &EmailChannel{cfg: cfg, systemName: systemName, send: sendMail}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, ev Event) error {
	recipients := splitAddresses(c.cfg.To)
	if c.cfg.SMTPHost == "" || len(recipients) == 0 {
		return backoff.Permanent(errors.New("email: smtp_host and to are required"))
	}
	from := c.cfg.From
	if from == "" {
		from = c.cfg.Username
	}

	email, err := NewEventEmail(ev, from, "Security Cam Motion Detector", strings.Join(recipients, ", "), c.systemName)
	if err != nil {
		return backoff.Permanent(err)
	}
	msg, err := BuildMIMEMessage(email)
	if err != nil {
		return backoff.Permanent(err)
	}

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPHost)
	}
	addr := net.JoinHostPort(c.cfg.SMTPHost, strconv.Itoa(c.cfg.SMTPPort))
	if err := c.send(ctx, addr, auth, from, recipients, msg); err != nil {
		return fmt.Errorf("failed to send email via %s: %w", addr, err)
	}
	return nil
}

// sendMail is smtp.SendMail with a context-bound dial and deadline.
func sendMail(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	host, _, _ := net.SplitHostPort(addr)

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return backoff.Permanent(err)
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func splitAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
