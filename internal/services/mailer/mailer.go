// Package mailer is the SMTP transport used for notifications.
package mailer

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/pkg/retrier"
)

// Encryption modes.
const (
	EncryptionStartTLS = "starttls"
	EncryptionSSL      = "ssl"
	EncryptionTLS      = "tls"
	EncryptionNone     = "none"
)

const (
	defaultPort    = 587
	defaultTimeout = 20 * time.Second
	heloName       = "boringbot"
)

var (
	ErrNotConfigured = errors.New("SMTP is not configured")
	ErrMissingRoute  = errors.New("missing from/to for email")
)

// Config SMTP server settings.
type Config struct {
	Host       string
	Port       int
	User       string
	Pass       string
	Encryption string
	Timeout    time.Duration
}

// Mailer sends plain-text mail over SMTP with AUTH LOGIN.
type Mailer struct {
	l      *zap.Logger
	cfg    Config
	dryRun bool
	retry  *retrier.Retrier
	now    func() time.Time
}

// New creates a mailer. In dry run nothing is sent; the message is only logged.
func New(l *zap.Logger, cfg Config, dryRun bool) *Mailer {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Encryption = strings.ToLower(strings.TrimSpace(cfg.Encryption))

	m := &Mailer{l: l, cfg: cfg, dryRun: dryRun, now: time.Now}
	m.retry = retrier.New(
		retrier.WithMaxRetries(2),
		retrier.WithRetryIf(isTransient),
		retrier.WithOnRetry(func(attempt int, err error) {
			l.Warn("retrying email send", zap.Int("attempt", attempt), zap.Error(err))
		}),
	)
	return m
}

// Configured reports whether host and credentials are set.
func (m *Mailer) Configured() bool {
	return m.cfg.Host != "" && m.cfg.User != "" && m.cfg.Pass != ""
}

// Send delivers one message to a single recipient.
func (m *Mailer) Send(ctx context.Context, from, to, subject, body string) error {
	if !m.Configured() {
		return ErrNotConfigured
	}
	if from == "" || to == "" {
		return ErrMissingRoute
	}

	if m.dryRun {
		m.l.Info("dry run: email not sent",
			zap.String("to", to),
			zap.String("from", from),
			zap.String("subject", subject),
			zap.Int("body_bytes", len(body)),
			zap.Bool("dry_run", true))
		return nil
	}

	msg := buildMessage(from, to, subject, body, m.now())
	return m.retry.Do(ctx, func(ctx context.Context) error {
		return m.deliver(ctx, from, to, msg)
	})
}

func (m *Mailer) deliver(ctx context.Context, from, to string, msg []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	tlsCfg := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}

	var (
		conn net.Conn
		err  error
	)
	switch m.cfg.Encryption {
	case EncryptionSSL, EncryptionTLS:
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	default:
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return errors.Wrapf(err, "SMTP connect %s", addr)
	}
	_ = conn.SetDeadline(m.now().Add(m.cfg.Timeout))

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "SMTP greeting")
	}
	defer c.Close()

	if err := c.Hello(heloName); err != nil {
		return errors.Wrap(err, "SMTP EHLO")
	}
	if m.cfg.Encryption == EncryptionStartTLS {
		if err := c.StartTLS(tlsCfg); err != nil {
			return errors.Wrap(err, "SMTP STARTTLS")
		}
	}
	if err := c.Auth(&loginAuth{user: m.cfg.User, pass: m.cfg.Pass}); err != nil {
		return errors.Wrap(err, "SMTP AUTH")
	}
	if err := c.Mail(from); err != nil {
		return errors.Wrap(err, "SMTP MAIL FROM")
	}
	if err := c.Rcpt(to); err != nil {
		return errors.Wrap(err, "SMTP RCPT TO")
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "SMTP DATA")
	}
	if _, err := w.Write(msg); err != nil {
		return errors.Wrap(err, "SMTP write message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "SMTP end of data")
	}
	return errors.Wrap(c.Quit(), "SMTP QUIT")
}

// isTransient 5xx replies are permanent; everything else may succeed on retry.
func isTransient(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code < 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func buildMessage(from, to, subject, body string, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", encodeHeader(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")

	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// encodeHeader RFC 2047 B-encoding for non-ASCII header values.
func encodeHeader(v string) string {
	for i := 0; i < len(v); i++ {
		if v[i] >= 0x80 {
			return "=?UTF-8?B?" + base64.StdEncoding.EncodeToString([]byte(v)) + "?="
		}
	}
	return v
}

// loginAuth AUTH LOGIN. net/smtp only ships PLAIN and CRAM-MD5.
type loginAuth struct {
	user, pass string
}

func (a *loginAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	prompt := strings.ToLower(strings.TrimSpace(string(fromServer)))
	switch {
	case strings.HasPrefix(prompt, "username"):
		return []byte(a.user), nil
	case strings.HasPrefix(prompt, "password"):
		return []byte(a.pass), nil
	default:
		return nil, errors.Errorf("unexpected AUTH LOGIN challenge %q", fromServer)
	}
}
