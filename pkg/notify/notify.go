package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/driftsky/pdsmover/pkg/log"
)

// Mailer sends user-facing and operator-facing notifications. Delivery is
// fire and forget; the pipeline never blocks on it.
type Mailer interface {
	SendVerification(to, token, verifyURL string) error
	SendAdminAlert(subject, body string) error
}

// SMTPConfig holds the outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	AdminTo  string
}

// SMTPMailer delivers mail over plain SMTP with optional auth.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates a mailer from config.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) SendVerification(to, token, verifyURL string) error {
	body := fmt.Sprintf(
		"Hello,\r\n\r\nTo start your account migration, confirm your email address "+
			"by opening this link:\r\n\r\n%s\r\n\r\nVerification code: %s\r\n\r\n"+
			"If you did not request a migration, ignore this message.\r\n",
		verifyURL, token)
	return m.send(to, "Confirm your account migration", body)
}

func (m *SMTPMailer) SendAdminAlert(subject, body string) error {
	if m.cfg.AdminTo == "" {
		return fmt.Errorf("no admin address configured")
	}
	return m.send(m.cfg.AdminTo, subject, body)
}

func (m *SMTPMailer) send(to, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	return nil
}

// LogMailer writes notifications to the log instead of sending them. Used in
// development and tests when no SMTP host is configured.
type LogMailer struct{}

func (LogMailer) SendVerification(to, token, verifyURL string) error {
	log.WithComponent("notify").Info().
		Str("to", to).
		Str("token", token).
		Str("url", verifyURL).
		Msg("verification email (log only)")
	return nil
}

func (LogMailer) SendAdminAlert(subject, body string) error {
	log.WithComponent("notify").Warn().
		Str("subject", subject).
		Str("body", body).
		Msg("admin alert (log only)")
	return nil
}
