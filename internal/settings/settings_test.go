package settings

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalizeMergesPartialUpdateOverStored(t *testing.T) {
	stored := json.RawMessage(`{"provider":"smtp","host":"mail.example.com","port":465,"from_address":"gate@example.com"}`)
	patch := json.RawMessage(`{"username":"gate","password":"secret"}`)

	canonical, err := Normalize(GroupMail, stored, patch)
	if err != nil {
		t.Fatalf("normalize mail: %v", err)
	}

	got := Decode(canonical, DefaultMail)
	if got.Host != "mail.example.com" {
		t.Fatalf("expected stored host preserved, got %q", got.Host)
	}
	if got.Port != 465 {
		t.Fatalf("expected stored port preserved, got %d", got.Port)
	}
	if got.Username != "gate" || got.Password != "secret" {
		t.Fatalf("expected patch values applied, got %q/%q", got.Username, got.Password)
	}
}

func TestNormalizeDegradesMalformedStoredBlob(t *testing.T) {
	stored := json.RawMessage(`{"days": not-json`)

	canonical, err := Normalize(GroupCooldown, stored, nil)
	if err != nil {
		t.Fatalf("normalize cooldown: %v", err)
	}

	got := Decode(canonical, DefaultCooldown)
	if got.Days != 30 {
		t.Fatalf("expected default window, got %d", got.Days)
	}
}

func TestNormalizeRejectsMalformedPatch(t *testing.T) {
	_, err := Normalize(GroupTrial, nil, json.RawMessage(`{"enabled":`))
	if err == nil {
		t.Fatal("expected malformed patch to be rejected")
	}
}

func TestNormalizeUnknownGroup(t *testing.T) {
	_, err := Normalize("nonsense", nil, nil)
	if !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
	if Known("nonsense") {
		t.Fatal("nonsense group should not be known")
	}
}

func TestNormalizeValidatesPaymentEnvironment(t *testing.T) {
	_, err := Normalize(GroupPayment, nil, json.RawMessage(`{"environment":"staging"}`))
	if err == nil {
		t.Fatal("expected unsupported environment to be rejected")
	}

	canonical, err := Normalize(GroupPayment, nil, json.RawMessage(`{"environment":"LIVE","currency":"eur"}`))
	if err != nil {
		t.Fatalf("normalize payment: %v", err)
	}
	got := Decode(canonical, DefaultPayment)
	if got.Environment != PaymentEnvironmentLive {
		t.Fatalf("expected live environment, got %q", got.Environment)
	}
	if got.Currency != "EUR" {
		t.Fatalf("expected uppercased currency, got %q", got.Currency)
	}
}

func TestNormalizeRoundTripIsStable(t *testing.T) {
	patch := json.RawMessage(`{"server_url":"https://media.example.com/","token":"tkn","library_section_ids":[" 1 ","","3"]}`)

	first, err := Normalize(GroupMedia, nil, patch)
	if err != nil {
		t.Fatalf("first normalize: %v", err)
	}
	second, err := Normalize(GroupMedia, first, nil)
	if err != nil {
		t.Fatalf("second normalize: %v", err)
	}

	if string(first) != string(second) {
		t.Fatalf("normalize is not idempotent:\n%s\n%s", first, second)
	}

	got := Decode(second, DefaultMedia)
	if got.ServerURL != "https://media.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", got.ServerURL)
	}
	if len(got.LibrarySectionIDs) != 2 {
		t.Fatalf("expected cleaned sections, got %v", got.LibrarySectionIDs)
	}
}

func TestTrialDefaultsClampNonPositive(t *testing.T) {
	canonical, err := Normalize(GroupTrial, nil, json.RawMessage(`{"duration_days":-3,"reminder_hours":0}`))
	if err != nil {
		t.Fatalf("normalize trial: %v", err)
	}
	got := Decode(canonical, DefaultTrial)
	if got.DurationDays != 14 || got.ReminderHours != 48 {
		t.Fatalf("expected clamped defaults, got %+v", got)
	}
}

func TestAnnouncementsDisableEmptyBanner(t *testing.T) {
	canonical, err := Normalize(GroupAnnouncements, nil, json.RawMessage(`{"banner":"   ","banner_enabled":true}`))
	if err != nil {
		t.Fatalf("normalize announcements: %v", err)
	}
	got := Decode(canonical, DefaultAnnouncements)
	if got.BannerEnabled {
		t.Fatal("empty banner cannot be enabled")
	}
}

func TestGroupsAreAllKnown(t *testing.T) {
	for _, group := range Groups() {
		if !Known(group) {
			t.Fatalf("group %q missing from registry", group)
		}
		if _, err := Default(group); err != nil {
			t.Fatalf("default for %q: %v", group, err)
		}
	}
}

func TestMailConfigured(t *testing.T) {
	smtp := Mail{Provider: MailProviderSMTP, Host: "mail.example.com", FromAddress: "g@example.com"}
	if !smtp.Configured() {
		t.Fatal("smtp with host and from should be configured")
	}

	mailjet := Mail{Provider: MailProviderMailjet, FromAddress: "g@example.com", APIKey: "k", APISecret: "s"}
	if !mailjet.Configured() {
		t.Fatal("mailjet with keys should be configured")
	}

	if (Mail{Provider: MailProviderSMTP, Host: "h"}).Configured() {
		t.Fatal("missing from address should not be configured")
	}
}
