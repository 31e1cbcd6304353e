package notification

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"time"
)

// AlertEmail is a complete multipart/alternative message.
type AlertEmail struct {
	From     string
	FromName string
	To       string
	Subject  string
	TextBody string
	HTMLBody string

	// Threading so every alert lands in one conversation.
	MessageID  string
	InReplyTo  string
	References string

	AlertID    string
	SystemName string
	Date       time.Time
}

// BuildMIMEMessage renders email with headers, a text part and an HTML part.
func BuildMIMEMessage(email *AlertEmail) ([]byte, error) {
	var body bytes.Buffer
	alt := multipart.NewWriter(&body)

	if err := writeQuotedPart(alt, "text/plain; charset=utf-8", email.TextBody); err != nil {
		return nil, fmt.Errorf("failed to write text part: %w", err)
	}
	if err := writeQuotedPart(alt, "text/html; charset=utf-8", email.HTMLBody); err != nil {
		return nil, fmt.Errorf("failed to write HTML part: %w", err)
	}
	if err := alt.Close(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writeEmailHeaders(&buf, email, alt.Boundary())
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

func writeEmailHeaders(buf *bytes.Buffer, email *AlertEmail, boundary string) {
	headers := make(textproto.MIMEHeader)

	headers.Set("From", CreateDisplayName(email.FromName, email.From))
	headers.Set("To", email.To)
	headers.Set("Subject", mime.QEncoding.Encode("utf-8", email.Subject))
	date := email.Date
	if date.IsZero() {
		date = time.Now()
	}
	headers.Set("Date", date.Format(time.RFC1123Z))
	headers.Set("MIME-Version", "1.0")
	headers.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%s", boundary))

	if email.MessageID != "" {
		headers.Set("Message-ID", fmt.Sprintf("<%s>", email.MessageID))
	}
	if email.InReplyTo != "" {
		headers.Set("In-Reply-To", fmt.Sprintf("<%s>", email.InReplyTo))
	}
	if email.References != "" {
		headers.Set("References", fmt.Sprintf("<%s>", email.References))
	}

	// suppress vacation responders
	headers.Set("Auto-Submitted", "auto-generated")
	headers.Set("X-Auto-Response-Suppress", "All")

	if email.SystemName != "" {
		headers.Set("X-Mecam-System", email.SystemName)
	}
	if email.AlertID != "" {
		headers.Set("X-Alert-ID", email.AlertID)
	}
	headers.Set("X-Priority", "2")

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			fmt.Fprintf(buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
}

func writeQuotedPart(w *multipart.Writer, contentType, content string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(content)); err != nil {
		return err
	}
	return qp.Close()
}

// NewEventEmail renders the motion alert for ev.
func NewEventEmail(ev Event, from, fromName, to, systemName string) (*AlertEmail, error) {
	data := newEventEmailData(ev, systemName)
	tmpl := motionEventTemplate()

	htmlBody, textBody, err := RenderEmailTemplate(tmpl, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}

	return &AlertEmail{
		From:       from,
		FromName:   fromName,
		To:         to,
		Subject:    tmpl.Subject,
		TextBody:   textBody,
		HTMLBody:   htmlBody,
		MessageID:  ev.ID + "@" + data.SystemName + ".local",
		InReplyTo:  data.ThreadID,
		References: data.ThreadID,
		AlertID:    ev.ID,
		SystemName: data.SystemName,
	}, nil
}
