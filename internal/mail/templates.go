package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed templates/*.html
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

// Recipient addresses one donor in a broadcast.
type Recipient struct {
	Email string
	Name  string
}

type trialReminderView struct {
	SiteName     string
	Accent       string
	Name         string
	ExpiresAt    string
	DashboardURL string
}

type verificationView struct {
	SiteName  string
	Accent    string
	Name      string
	VerifyURL string
}

type passwordResetView struct {
	SiteName string
	Accent   string
	Name     string
	ResetURL string
}

type inviteView struct {
	SiteName   string
	Accent     string
	Name       string
	ServerName string
	InviteURL  string
}

type announcementView struct {
	SiteName   string
	Accent     string
	Name       string
	Paragraphs []string
}

type supportNotificationView struct {
	SiteName   string
	Accent     string
	DonorEmail string
	DonorName  string
	Topic      string
	Body       string
}

type paymentReceiptView struct {
	SiteName string
	Accent   string
	Name     string
	Amount   string
	PaidAt   string
}

func render(name string, view any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, view); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// SendTrialReminder warns a trial donor ahead of access expiry.
func (m *Mailer) SendTrialReminder(ctx context.Context, to, toName string, expiresAt time.Time, dashboardURL string) error {
	view := trialReminderView{
		SiteName:     m.siteName,
		Accent:       m.accent,
		Name:         toName,
		ExpiresAt:    expiresAt.UTC().Format("January 2, 2006 15:04 UTC"),
		DashboardURL: dashboardURL,
	}
	html, err := render("trial_reminder.html", view)
	if err != nil {
		return err
	}
	return m.Send(ctx, Message{
		To:      to,
		ToName:  toName,
		Subject: fmt.Sprintf("Your %s trial is ending soon", m.siteName),
		HTML:    html,
		Text: fmt.Sprintf("Your %s trial ends on %s. Start a subscription to keep your access: %s",
			m.siteName, view.ExpiresAt, dashboardURL),
	})
}

// SendVerification carries the email-verification link.
func (m *Mailer) SendVerification(ctx context.Context, to, toName, verifyURL string) error {
	view := verificationView{SiteName: m.siteName, Accent: m.accent, Name: toName, VerifyURL: verifyURL}
	html, err := render("verification.html", view)
	if err != nil {
		return err
	}
	return m.Send(ctx, Message{
		To:      to,
		ToName:  toName,
		Subject: fmt.Sprintf("Verify your email for %s", m.siteName),
		HTML:    html,
		Text: fmt.Sprintf("Confirm this address for your %s account: %s\n\nIf you did not request this, ignore this message.",
			m.siteName, verifyURL),
	})
}

// SendPasswordReset carries the password-reset link.
func (m *Mailer) SendPasswordReset(ctx context.Context, to, toName, resetURL string) error {
	view := passwordResetView{SiteName: m.siteName, Accent: m.accent, Name: toName, ResetURL: resetURL}
	html, err := render("password_reset.html", view)
	if err != nil {
		return err
	}
	return m.Send(ctx, Message{
		To:      to,
		ToName:  toName,
		Subject: fmt.Sprintf("Reset your %s password", m.siteName),
		HTML:    html,
		Text: fmt.Sprintf("Reset the password for your %s account: %s\n\nThe link expires shortly. If you did not request this, ignore this message.",
			m.siteName, resetURL),
	})
}

// SendInvite tells a recipient their media-server invite is ready.
func (m *Mailer) SendInvite(ctx context.Context, to, toName, serverName, inviteURL string) error {
	if strings.TrimSpace(serverName) == "" {
		serverName = m.siteName
	}
	view := inviteView{SiteName: m.siteName, Accent: m.accent, Name: toName, ServerName: serverName, InviteURL: inviteURL}
	html, err := render("invite.html", view)
	if err != nil {
		return err
	}
	return m.Send(ctx, Message{
		To:      to,
		ToName:  toName,
		Subject: fmt.Sprintf("You have been invited to %s", serverName),
		HTML:    html,
		Text: fmt.Sprintf("You have been invited to the media server %s. Accept the invite here: %s",
			serverName, inviteURL),
	})
}

// SendAnnouncement broadcasts to every recipient, rendering one message per
// donor so the greeting stays personal. Render failures are reported in the
// results alongside delivery failures.
func (m *Mailer) SendAnnouncement(ctx context.Context, subject, body string, recipients []Recipient) []SendResult {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = fmt.Sprintf("News from %s", m.siteName)
	}
	parts := paragraphs(body)

	var failed []SendResult
	msgs := make([]Message, 0, len(recipients))
	for _, r := range recipients {
		view := announcementView{SiteName: m.siteName, Accent: m.accent, Name: r.Name, Paragraphs: parts}
		html, err := render("announcement.html", view)
		if err != nil {
			failed = append(failed, SendResult{To: r.Email, Err: err})
			continue
		}
		msgs = append(msgs, Message{To: r.Email, ToName: r.Name, Subject: subject, HTML: html, Text: body})
	}
	return append(m.SendBatch(ctx, msgs), failed...)
}

// SendSupportNotification forwards a donor's support request to the operator.
func (m *Mailer) SendSupportNotification(ctx context.Context, to, donorEmail, donorName, topic, body string) error {
	view := supportNotificationView{
		SiteName:   m.siteName,
		Accent:     m.accent,
		DonorEmail: donorEmail,
		DonorName:  donorName,
		Topic:      topic,
		Body:       body,
	}
	html, err := render("support_notification.html", view)
	if err != nil {
		return err
	}
	return m.Send(ctx, Message{
		To:      to,
		Subject: fmt.Sprintf("Support request from %s", donorEmail),
		HTML:    html,
		Text: fmt.Sprintf("Support request on %s\n\nFrom: %s (%s)\nTopic: %s\n\n%s",
			m.siteName, donorEmail, donorName, topic, body),
	})
}

// SendPaymentReceipt acknowledges a completed payment.
func (m *Mailer) SendPaymentReceipt(ctx context.Context, to, toName, amount, currencyCode string, paidAt time.Time) error {
	view := paymentReceiptView{
		SiteName: m.siteName,
		Accent:   m.accent,
		Name:     toName,
		Amount:   FormatAmount(amount, currencyCode),
		PaidAt:   paidAt.UTC().Format("January 2, 2006"),
	}
	html, err := render("payment_receipt.html", view)
	if err != nil {
		return err
	}
	return m.Send(ctx, Message{
		To:      to,
		ToName:  toName,
		Subject: fmt.Sprintf("Your %s donation receipt", m.siteName),
		HTML:    html,
		Text: fmt.Sprintf("Thank you for supporting %s. We received your payment of %s on %s.",
			m.siteName, view.Amount, view.PaidAt),
	})
}

// FormatAmount renders a processor amount string such as "9.99" with its
// currency symbol. Unparseable input is passed through untouched rather
// than blocking a receipt.
func FormatAmount(amount, code string) string {
	amount = strings.TrimSpace(amount)
	code = strings.ToUpper(strings.TrimSpace(code))

	value, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return strings.TrimSpace(amount + " " + code)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return strings.TrimSpace(fmt.Sprintf("%.2f %s", value, code))
	}
	return message.NewPrinter(language.English).Sprint(currency.Symbol(unit.Amount(value)))
}

func paragraphs(body string) []string {
	parts := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
