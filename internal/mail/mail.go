// Package mail delivers the gateway's outbound email. The mail settings
// group selects one of two transports, an operator-run SMTP relay or the
// Mailjet API, behind a single Mailer. Template wrappers render the bodies
// for each notification the gateway sends.
package mail

import (
	"context"
	"fmt"
	"strings"

	"github.com/donorgate/donorgate/internal/settings"
)

// Message is one outbound email.
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// SendResult reports one recipient's outcome in a batch send.
type SendResult struct {
	To  string
	Err error
}

// Diagnostic reports the outcome of a read-only connection check.
type Diagnostic struct {
	OK     bool
	Detail string
}

// transport delivers a rendered message.
type transport interface {
	send(ctx context.Context, from address, msg Message) error
	verify(ctx context.Context) Diagnostic
	name() string
}

type address struct {
	email   string
	name    string
	replyTo string
}

// Mailer sends gateway email through the configured transport.
type Mailer struct {
	cfg       settings.Mail
	siteName  string
	accent    string
	transport transport
}

// Config carries the mail settings group plus presentation fields shared by
// every template.
type Config struct {
	Settings settings.Mail
	// SiteName and AccentColor brand subjects and bodies; both default to
	// the appearance group's defaults.
	SiteName    string
	AccentColor string
}

// New builds a Mailer for the configured provider.
func New(cfg Config) *Mailer {
	appearance := settings.DefaultAppearance()
	siteName := strings.TrimSpace(cfg.SiteName)
	if siteName == "" {
		siteName = appearance.SiteName
	}
	accent := strings.TrimSpace(cfg.AccentColor)
	if accent == "" {
		accent = appearance.AccentColor
	}

	m := &Mailer{cfg: cfg.Settings, siteName: siteName, accent: accent}
	switch cfg.Settings.Provider {
	case settings.MailProviderMailjet:
		m.transport = newMailjetTransport(cfg.Settings.APIKey, cfg.Settings.APISecret)
	default:
		m.transport = newSMTPTransport(cfg.Settings.Host, cfg.Settings.Port,
			cfg.Settings.Username, cfg.Settings.Password)
	}
	return m
}

// IsConfigured reports whether the selected transport can send.
func (m *Mailer) IsConfigured() bool {
	return m != nil && m.cfg.Configured()
}

// VerifyConnection checks the transport without sending mail.
func (m *Mailer) VerifyConnection(ctx context.Context) (Diagnostic, error) {
	if !m.IsConfigured() {
		return Diagnostic{Detail: "from address and transport credentials are required"}, nil
	}
	return m.transport.verify(ctx), nil
}

// Send delivers one message through the configured transport.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if !m.IsConfigured() {
		return fmt.Errorf("mail is not configured")
	}
	msg.To = strings.ToLower(strings.TrimSpace(msg.To))
	if msg.To == "" {
		return fmt.Errorf("message recipient is required")
	}
	if msg.Subject == "" {
		return fmt.Errorf("message subject is required")
	}

	from := address{email: m.cfg.FromAddress, name: m.cfg.FromName, replyTo: m.cfg.ReplyTo}
	if err := m.transport.send(ctx, from, msg); err != nil {
		return fmt.Errorf("send via %s: %w", m.transport.name(), err)
	}
	return nil
}

// SendBatch delivers each message, collecting per-recipient failures
// without aborting the rest of the batch.
func (m *Mailer) SendBatch(ctx context.Context, msgs []Message) []SendResult {
	results := make([]SendResult, 0, len(msgs))
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			results = append(results, SendResult{To: msg.To, Err: err})
			continue
		}
		results = append(results, SendResult{To: msg.To, Err: m.Send(ctx, msg)})
	}
	return results
}
