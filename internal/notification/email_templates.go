package notification

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"mime"
	"path/filepath"
	texttemplate "text/template"
	"time"
)

// EventEmailData is what the alert templates render.
type EventEmailData struct {
	Time       string
	SystemName string
	EventID    string
	ThreadID   string
	Clip       string
	Encrypted  bool
	Duration   string
	Frames     int
	Timestamp  time.Time
}

// EmailTemplate holds both renderings of one message.
type EmailTemplate struct {
	Subject  string
	HTMLBody string
	TextBody string
}

func newEventEmailData(ev Event, systemName string) *EventEmailData {
	if systemName == "" {
		systemName = "mecam"
	}
	at := ev.EndedAt
	if at.IsZero() {
		at = time.Now()
	}
	return &EventEmailData{
		Time:       ev.StartedAt.Format("Monday, January 2, 2006 at 3:04 PM"),
		SystemName: systemName,
		EventID:    ev.ID,
		ThreadID:   "motion-events@" + systemName + ".local",
		Clip:       filepath.Base(ev.Path),
		Encrypted:  ev.Encrypted,
		Duration:   ev.EndedAt.Sub(ev.StartedAt).Round(time.Second).String(),
		Frames:     ev.Frames,
		Timestamp:  at.UTC(),
	}
}

func motionEventTemplate() *EmailTemplate {
	return &EmailTemplate{
		Subject:  "Motion recorded - Security Alert",
		HTMLBody: motionEventHTMLTemplate,
		TextBody: motionEventTextTemplate,
	}
}

// RenderEmailTemplate renders the HTML and text bodies of tmpl.
func RenderEmailTemplate(tmpl *EmailTemplate, data *EventEmailData) (htmlBody, textBody string, err error) {
	htmlTmpl, err := htmltemplate.New("html").Parse(tmpl.HTMLBody)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML template: %w", err)
	}
	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute HTML template: %w", err)
	}

	textTmpl, err := texttemplate.New("text").Parse(tmpl.TextBody)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse text template: %w", err)
	}
	var textBuf bytes.Buffer
	if err := textTmpl.Execute(&textBuf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute text template: %w", err)
	}

	return htmlBuf.String(), textBuf.String(), nil
}

// CreateDisplayName Q-encodes name for use in an address header.
func CreateDisplayName(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), address)
}

const motionEventHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Motion recorded</title>
    <style>
        .email-container { max-width: 600px; margin: 0 auto; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; }
        .header { background: linear-gradient(135deg, #667eea 0%, #764ba2 100%); color: white; padding: 30px 20px; text-align: center; }
        .content { padding: 30px 20px; background: white; }
        .alert-box { background: #fff3cd; border: 1px solid #ffeaa7; border-radius: 8px; padding: 20px; margin: 20px 0; }
        .footer { background: #f8f9fa; color: #666; padding: 20px; text-align: center; font-size: 14px; }
    </style>
</head>
<body style="margin: 0; padding: 0; background-color: #f4f4f7;">
    <div style="display: none; max-height: 0px; overflow: hidden;">
        Motion recorded by {{.SystemName}} at {{.Time}}
    </div>
    <div class="email-container">
        <div class="header">
            <h1 style="margin: 0; font-size: 28px; font-weight: 300;">Security Alert</h1>
            <p style="margin: 10px 0 0 0; opacity: 0.9;">{{.SystemName}}</p>
        </div>
        <div class="content">
            <div class="alert-box">
                <h2 style="color: #856404; margin: 0 0 15px 0;">Motion recorded</h2>
                <p style="margin: 0; font-size: 16px; line-height: 1.5;">
                    <strong>When:</strong> {{.Time}}<br>
                    <strong>Length:</strong> {{.Duration}} ({{.Frames}} frames)<br>
                    <strong>Clip:</strong> {{.Clip}}{{if .Encrypted}} (encrypted){{end}}<br>
                    <strong>Event ID:</strong> {{.EventID}}
                </p>
            </div>
        </div>
        <div class="footer">
            <p style="margin: 0; font-size: 12px;">
                This is an automated message from your security camera system.<br>
                Alert generated at {{.Timestamp.Format "2006-01-02 15:04:05 UTC"}}
            </p>
        </div>
    </div>
</body>
</html>`

const motionEventTextTemplate = `SECURITY ALERT - Motion recorded

{{.SystemName}}

When: {{.Time}}
Length: {{.Duration}} ({{.Frames}} frames)
Clip: {{.Clip}}{{if .Encrypted}} (encrypted){{end}}
Event ID: {{.EventID}}

This is an automated message from your security camera system.
Alert generated at {{.Timestamp.Format "2006-01-02 15:04:05 UTC"}}`
