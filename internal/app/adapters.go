package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/donorgate/donorgate/internal/mail"
	"github.com/donorgate/donorgate/internal/media"
	"github.com/donorgate/donorgate/internal/mediaauth"
	"github.com/donorgate/donorgate/internal/payment"
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/platform/timeouts"
	"github.com/donorgate/donorgate/internal/settings"
	"github.com/donorgate/donorgate/internal/storage"
	"github.com/donorgate/donorgate/internal/web"
)

// adapterHub holds the external-service adapters built from the stored
// settings groups. Saving a group through the admin surface swaps the
// affected adapters in place, so the components constructed around the hub
// always see the current configuration without restarting.
type adapterHub struct {
	store storage.Store
	// clientID is the stable per-install identifier the media account
	// service recognises across device-link requests.
	clientID string
	client   *http.Client

	mu      sync.RWMutex
	payment *payment.Adapter
	media   *media.Adapter
	linker  *mediaauth.Adapter
	mailer  *mail.Mailer
}

func newAdapterHub(ctx context.Context, store storage.Store, clientID string) (*adapterHub, error) {
	hub := &adapterHub{
		store:    store,
		clientID: clientID,
		client:   &http.Client{Timeout: timeouts.AdapterCall},
	}
	if err := hub.refresh(ctx); err != nil {
		return nil, err
	}
	return hub, nil
}

// refresh rebuilds every adapter from the stored settings groups.
func (h *adapterHub) refresh(ctx context.Context) error {
	paymentCfg, err := loadGroup(ctx, h.store, settings.GroupPayment, settings.DefaultPayment)
	if err != nil {
		return err
	}
	mediaCfg, err := loadGroup(ctx, h.store, settings.GroupMedia, settings.DefaultMedia)
	if err != nil {
		return err
	}
	mailCfg, err := loadGroup(ctx, h.store, settings.GroupMail, settings.DefaultMail)
	if err != nil {
		return err
	}
	appearanceCfg, err := loadGroup(ctx, h.store, settings.GroupAppearance, settings.DefaultAppearance)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.payment = h.buildPayment(paymentCfg)
	h.media = h.buildMedia(mediaCfg)
	h.linker = h.buildLinker(mediaCfg, appearanceCfg)
	h.mailer = h.buildMailer(mailCfg, appearanceCfg)
	return nil
}

// Reload rebuilds the adapters after a settings save. Groups that no
// adapter reads are ignored. The save has already committed, so a failed
// rebuild is logged and the previous adapters stay in service.
func (h *adapterHub) Reload(ctx context.Context, group string) {
	switch group {
	case settings.GroupPayment, settings.GroupMedia, settings.GroupMail, settings.GroupAppearance:
	default:
		return
	}
	if err := h.refresh(ctx); err != nil {
		log.Printf("app: reload adapters after %s save: %v", group, err)
	}
}

func (h *adapterHub) buildPayment(cfg settings.Payment) *payment.Adapter {
	pc := payment.FromSettings(cfg)
	pc.HTTPClient = h.client
	return payment.New(pc)
}

func (h *adapterHub) buildMedia(cfg settings.Media) *media.Adapter {
	mc := media.FromSettings(cfg)
	mc.HTTPClient = h.client
	return media.New(mc)
}

func (h *adapterHub) buildLinker(mediaCfg settings.Media, appearanceCfg settings.Appearance) *mediaauth.Adapter {
	return mediaauth.New(mediaauth.Config{
		BaseURL:          mediaCfg.AuthURL,
		ClientIdentifier: h.clientID,
		Product:          appearanceCfg.SiteName,
		HTTPClient:       h.client,
	})
}

func (h *adapterHub) buildMailer(mailCfg settings.Mail, appearanceCfg settings.Appearance) *mail.Mailer {
	return mail.New(mail.Config{
		Settings:    mailCfg,
		SiteName:    appearanceCfg.SiteName,
		AccentColor: appearanceCfg.AccentColor,
	})
}

func (h *adapterHub) currentPayment() *payment.Adapter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.payment
}

func (h *adapterHub) currentMedia() *media.Adapter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.media
}

func (h *adapterHub) currentLinker() *mediaauth.Adapter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.linker
}

func (h *adapterHub) currentMailer() *mail.Mailer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mailer
}

// TestSettings round-trips a candidate configuration with a throwaway
// adapter and reports the outcome without touching the live adapters or the
// store. Transport failures land in the diagnostic rather than as errors so
// the admin surface renders them inline.
func (h *adapterHub) TestSettings(ctx context.Context, group string, value json.RawMessage) (web.Diagnostic, error) {
	switch group {
	case settings.GroupPayment:
		cfg := settings.Decode(value, settings.DefaultPayment)
		diag, _ := h.buildPayment(cfg).VerifyConnection(ctx)
		return web.Diagnostic{OK: diag.OK, Detail: diag.Detail}, nil
	case settings.GroupMedia:
		cfg := settings.Decode(value, settings.DefaultMedia)
		diag, _ := h.buildMedia(cfg).VerifyConnection(ctx)
		if cfg.AuthURL == "" {
			return web.Diagnostic{OK: diag.OK, Detail: diag.Detail}, nil
		}
		// The group also carries the account-service endpoint; a test that
		// only reached the media server would pass a config whose link flow
		// is broken.
		linkDiag, _ := h.buildLinker(cfg, settings.DefaultAppearance()).VerifyConnection(ctx)
		return web.Diagnostic{
			OK:     diag.OK && linkDiag.OK,
			Detail: diag.Detail + "; " + linkDiag.Detail,
		}, nil
	case settings.GroupMail:
		cfg := settings.Decode(value, settings.DefaultMail)
		diag, _ := h.buildMailer(cfg, settings.DefaultAppearance()).VerifyConnection(ctx)
		return web.Diagnostic{OK: diag.OK, Detail: diag.Detail}, nil
	default:
		return web.Diagnostic{}, apperrors.New(apperrors.CodeValidation,
			"settings group does not support connection tests")
	}
}

func loadGroup[T any](ctx context.Context, store storage.Store, group string, defaults func() T) (T, error) {
	blob, err := store.GetSettings(ctx, group)
	if err != nil {
		var zero T
		return zero, err
	}
	return settings.Decode(blob, defaults), nil
}

// paymentGateway exposes the current payment adapter to the checkout flow,
// the subscription-refresh sweep and the webhook verifier.
type paymentGateway struct{ hub *adapterHub }

func (g paymentGateway) IsConfigured() bool {
	return g.hub.currentPayment().IsConfigured()
}

func (g paymentGateway) CreateSubscription(ctx context.Context, subscriber payment.Subscriber) (payment.CreatedSubscription, error) {
	return g.hub.currentPayment().CreateSubscription(ctx, subscriber)
}

func (g paymentGateway) GetSubscription(ctx context.Context, id string) (payment.Subscription, error) {
	return g.hub.currentPayment().GetSubscription(ctx, id)
}

func (g paymentGateway) VerifyWebhookSignature(ctx context.Context, header http.Header, body []byte) (bool, error) {
	return g.hub.currentPayment().VerifyWebhookSignature(ctx, header, body)
}

// mediaProvisioner exposes the current media adapter to the invite
// coordinator.
type mediaProvisioner struct{ hub *adapterHub }

func (p mediaProvisioner) CreateInvite(ctx context.Context, req media.InviteRequest) (media.CreatedInvite, error) {
	return p.hub.currentMedia().CreateInvite(ctx, req)
}

func (p mediaProvisioner) RevokeUser(ctx context.Context, req media.RevokeRequest) (media.RevokeResult, error) {
	return p.hub.currentMedia().RevokeUser(ctx, req)
}

// mediaLinker exposes the current account-service adapter to the donor
// device-link flow.
type mediaLinker struct{ hub *adapterHub }

func (l mediaLinker) IsConfigured() bool {
	return l.hub.currentLinker().IsConfigured()
}

func (l mediaLinker) RequestPin(ctx context.Context) (mediaauth.Pin, error) {
	return l.hub.currentLinker().RequestPin(ctx)
}

func (l mediaLinker) PollPin(ctx context.Context, pinID int64) (mediaauth.PollResult, error) {
	return l.hub.currentLinker().PollPin(ctx, pinID)
}

func (l mediaLinker) FetchIdentity(ctx context.Context, authToken string) (mediaauth.Identity, error) {
	return l.hub.currentLinker().FetchIdentity(ctx, authToken)
}

// mailSender exposes the current mailer to every component that sends:
// verification and reset mail, invites, receipts, reminders, announcements
// and support notifications.
type mailSender struct{ hub *adapterHub }

func (m mailSender) IsConfigured() bool {
	return m.hub.currentMailer().IsConfigured()
}

func (m mailSender) SendVerification(ctx context.Context, to, toName, verifyURL string) error {
	return m.hub.currentMailer().SendVerification(ctx, to, toName, verifyURL)
}

func (m mailSender) SendPasswordReset(ctx context.Context, to, toName, resetURL string) error {
	return m.hub.currentMailer().SendPasswordReset(ctx, to, toName, resetURL)
}

func (m mailSender) SendInvite(ctx context.Context, to, toName, serverName, inviteURL string) error {
	return m.hub.currentMailer().SendInvite(ctx, to, toName, serverName, inviteURL)
}

func (m mailSender) SendTrialReminder(ctx context.Context, to, toName string, expiresAt time.Time, dashboardURL string) error {
	return m.hub.currentMailer().SendTrialReminder(ctx, to, toName, expiresAt, dashboardURL)
}

func (m mailSender) SendPaymentReceipt(ctx context.Context, to, toName, amount, currency string, paidAt time.Time) error {
	return m.hub.currentMailer().SendPaymentReceipt(ctx, to, toName, amount, currency, paidAt)
}

func (m mailSender) SendAnnouncement(ctx context.Context, subject, body string, recipients []mail.Recipient) []mail.SendResult {
	return m.hub.currentMailer().SendAnnouncement(ctx, subject, body, recipients)
}

func (m mailSender) SendSupportNotification(ctx context.Context, to, donorEmail, donorName, topic, body string) error {
	return m.hub.currentMailer().SendSupportNotification(ctx, to, donorEmail, donorName, topic, body)
}
