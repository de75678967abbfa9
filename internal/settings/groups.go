// Package settings defines the gateway's grouped configuration: typed
// schemas, defaults, and normalisers that accept partial updates and always
// return the canonical shape.
package settings

import (
	"fmt"
	"strings"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
)

// Group names.
const (
	GroupPayment       = "payment"
	GroupMedia         = "media"
	GroupMail          = "mail"
	GroupTrial         = "trial"
	GroupCooldown      = "cooldown"
	GroupAnnouncements = "announcements"
	GroupAppearance    = "appearance"
)

// Payment configures the payment-processor adapter.
type Payment struct {
	// Environment selects the processor endpoint set.
	Environment  string `json:"environment"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	PlanID       string `json:"plan_id"`
	// WebhookID participates in webhook signature verification.
	WebhookID string `json:"webhook_id"`
	Currency  string `json:"currency"`
}

// Payment environments.
const (
	PaymentEnvironmentSandbox = "sandbox"
	PaymentEnvironmentLive    = "live"
)

// DefaultPayment returns the canonical empty payment configuration.
func DefaultPayment() Payment {
	return Payment{Environment: PaymentEnvironmentSandbox, Currency: "USD"}
}

// Configured reports whether the adapter has enough to reach the processor.
func (p Payment) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != "" && p.PlanID != ""
}

func (p *Payment) validate() error {
	p.Environment = strings.ToLower(strings.TrimSpace(p.Environment))
	switch p.Environment {
	case "":
		p.Environment = PaymentEnvironmentSandbox
	case PaymentEnvironmentSandbox, PaymentEnvironmentLive:
	default:
		return apperrors.New(apperrors.CodeSettingsInvalid, fmt.Sprintf("payment environment %q is not supported", p.Environment))
	}

	p.ClientID = strings.TrimSpace(p.ClientID)
	p.ClientSecret = strings.TrimSpace(p.ClientSecret)
	p.PlanID = strings.TrimSpace(p.PlanID)
	p.WebhookID = strings.TrimSpace(p.WebhookID)

	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if len(p.Currency) != 3 {
		return apperrors.New(apperrors.CodeSettingsInvalid, "currency must be a three-letter code")
	}
	return nil
}

// Media configures the media-server adapter.
type Media struct {
	ServerURL        string `json:"server_url"`
	Token            string `json:"token"`
	ServerIdentifier string `json:"server_identifier"`
	FriendlyName     string `json:"friendly_name"`
	// AuthURL is the media vendor's account service, used for the donor
	// device-link PIN flow.
	AuthURL string `json:"auth_url"`
	// LibrarySectionIDs is the ordered set of sections shared on invites.
	LibrarySectionIDs []string `json:"library_section_ids"`
	AllowSync         bool     `json:"allow_sync"`
	AllowChannels     bool     `json:"allow_channels"`
}

// DefaultMedia returns the canonical empty media configuration.
func DefaultMedia() Media {
	return Media{LibrarySectionIDs: []string{}}
}

// Configured reports whether the adapter has enough to reach the server.
func (m Media) Configured() bool {
	return m.ServerURL != "" && m.Token != ""
}

func (m *Media) validate() error {
	m.ServerURL = strings.TrimRight(strings.TrimSpace(m.ServerURL), "/")
	m.Token = strings.TrimSpace(m.Token)
	m.ServerIdentifier = strings.TrimSpace(m.ServerIdentifier)
	m.FriendlyName = strings.TrimSpace(m.FriendlyName)
	m.AuthURL = strings.TrimRight(strings.TrimSpace(m.AuthURL), "/")

	sections := make([]string, 0, len(m.LibrarySectionIDs))
	for _, section := range m.LibrarySectionIDs {
		section = strings.TrimSpace(section)
		if section != "" {
			sections = append(sections, section)
		}
	}
	m.LibrarySectionIDs = sections
	return nil
}

// Mail configures the mail adapter and selects its transport.
type Mail struct {
	Provider    string `json:"provider"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	FromAddress string `json:"from_address"`
	FromName    string `json:"from_name"`
	// APIKey and APISecret serve the mailjet provider.
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	ReplyTo   string `json:"reply_to"`
}

// Mail providers.
const (
	MailProviderSMTP    = "smtp"
	MailProviderMailjet = "mailjet"
)

// DefaultMail returns the canonical empty mail configuration.
func DefaultMail() Mail {
	return Mail{Provider: MailProviderSMTP, Port: 587}
}

// Configured reports whether the selected transport can send.
func (m Mail) Configured() bool {
	if m.FromAddress == "" {
		return false
	}
	switch m.Provider {
	case MailProviderMailjet:
		return m.APIKey != "" && m.APISecret != ""
	default:
		return m.Host != ""
	}
}

func (m *Mail) validate() error {
	m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
	switch m.Provider {
	case "":
		m.Provider = MailProviderSMTP
	case MailProviderSMTP, MailProviderMailjet:
	default:
		return apperrors.New(apperrors.CodeSettingsInvalid, fmt.Sprintf("mail provider %q is not supported", m.Provider))
	}

	m.Host = strings.TrimSpace(m.Host)
	if m.Port <= 0 || m.Port > 65535 {
		m.Port = 587
	}
	m.Username = strings.TrimSpace(m.Username)
	m.FromAddress = strings.ToLower(strings.TrimSpace(m.FromAddress))
	m.FromName = strings.TrimSpace(m.FromName)
	m.APIKey = strings.TrimSpace(m.APIKey)
	m.APISecret = strings.TrimSpace(m.APISecret)
	m.ReplyTo = strings.ToLower(strings.TrimSpace(m.ReplyTo))
	return nil
}

// Trial configures the free-trial window.
type Trial struct {
	Enabled      bool `json:"enabled"`
	DurationDays int  `json:"duration_days"`
	// ReminderHours is how long before expiry the reminder mail goes out.
	ReminderHours int `json:"reminder_hours"`
}

// DefaultTrial returns the canonical trial configuration.
func DefaultTrial() Trial {
	return Trial{Enabled: true, DurationDays: 14, ReminderHours: 48}
}

func (t *Trial) validate() error {
	if t.DurationDays <= 0 {
		t.DurationDays = 14
	}
	if t.ReminderHours <= 0 {
		t.ReminderHours = 48
	}
	return nil
}

// Cooldown configures the distinct-recipient invite window.
type Cooldown struct {
	Days int `json:"days"`
}

// DefaultCooldown returns the canonical cooldown configuration.
func DefaultCooldown() Cooldown {
	return Cooldown{Days: 30}
}

func (c *Cooldown) validate() error {
	if c.Days <= 0 {
		c.Days = 30
	}
	return nil
}

// Announcements configures the banner shown on donor dashboards and the body
// of broadcast mail.
type Announcements struct {
	Banner        string `json:"banner"`
	BannerEnabled bool   `json:"banner_enabled"`
	// UpdatedAt is an RFC 3339 instant recorded by the normaliser's caller.
	UpdatedAt string `json:"updated_at"`
}

// DefaultAnnouncements returns the canonical empty announcements group.
func DefaultAnnouncements() Announcements {
	return Announcements{}
}

func (a *Announcements) validate() error {
	a.Banner = strings.TrimSpace(a.Banner)
	if a.Banner == "" {
		a.BannerEnabled = false
	}
	return nil
}

// Appearance configures funnel and dashboard presentation.
type Appearance struct {
	SiteName    string `json:"site_name"`
	AccentColor string `json:"accent_color"`
	LogoURL     string `json:"logo_url"`
}

// DefaultAppearance returns the canonical appearance configuration.
func DefaultAppearance() Appearance {
	return Appearance{SiteName: "Donor Gate", AccentColor: "#2b6cb0"}
}

func (a *Appearance) validate() error {
	a.SiteName = strings.TrimSpace(a.SiteName)
	if a.SiteName == "" {
		a.SiteName = "Donor Gate"
	}
	a.AccentColor = strings.TrimSpace(a.AccentColor)
	if a.AccentColor == "" {
		a.AccentColor = "#2b6cb0"
	}
	a.LogoURL = strings.TrimSpace(a.LogoURL)
	return nil
}
