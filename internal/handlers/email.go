package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"taskmanager/internal/task"
)

var errNoCredentials = errors.New("smtp credentials not set")

type mailer struct {
	cfg    EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	getenv func(string) string
	now    func() time.Time
}

// Run sends a plain-text message, optionally with attachments, through the configured
// SMTP relay. net/smtp upgrades to STARTTLS when the server offers it.
func (m *mailer) Run(ctx context.Context, p task.Params) (task.Detail, error) {
	to, err := p.Text("recipient_email")
	if err != nil {
		return nil, err
	}
	subject, err := p.Text("subject")
	if err != nil {
		return nil, err
	}
	body, err := p.Text("message")
	if err != nil {
		return nil, err
	}
	attachments, err := p.Strings("attachments")
	if err != nil {
		return nil, err
	}

	from := m.getenv(m.cfg.SenderEnv)
	pass := m.getenv(m.cfg.PasswordEnv)
	if from == "" || pass == "" {
		return nil, fmt.Errorf("%w: set %s and %s", errNoCredentials, m.cfg.SenderEnv, m.cfg.PasswordEnv)
	}

	msg, err := buildMessage(from, to, subject, body, attachments, m.now())
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	auth := smtp.PlainAuth("", from, pass, m.cfg.Host)
	if err := m.send(addr, auth, from, []string{to}, msg); err != nil {
		return nil, fmt.Errorf("send mail: %w", err)
	}
	return task.Detail{"recipient": to, "subject": subject, "attachments": len(attachments)}, nil
}

func buildMessage(from, to, subject, body string, attachments []string, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	hdr := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	hdr("From", from)
	hdr("To", to)
	hdr("Subject", mime.QEncoding.Encode("utf-8", subject))
	hdr("Date", now.Format(time.RFC1123Z))
	hdr("MIME-Version", "1.0")

	if len(attachments) == 0 {
		hdr("Content-Type", "text/plain; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(body)
		return buf.Bytes(), nil
	}

	w := multipart.NewWriter(&buf)
	hdr("Content-Type", "multipart/mixed; boundary="+w.Boundary())
	buf.WriteString("\r\n")

	part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return nil, err
	}

	for _, path := range attachments {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("attachment: %w", err)
		}
		name := filepath.Base(path)
		ctype := mime.TypeByExtension(filepath.Ext(name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ctype},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64Lines(part, data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64Lines wraps encoded data at 76 columns.
func writeBase64Lines(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := w.Write([]byte(enc[:76] + "\r\n")); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := w.Write([]byte(enc + "\r\n"))
	return err
}
