package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/mail"
	"github.com/donorgate/donorgate/internal/mediaauth"
	"github.com/donorgate/donorgate/internal/payment"
	"github.com/donorgate/donorgate/internal/platform/keymutex"
	"github.com/donorgate/donorgate/internal/provision"
	"github.com/donorgate/donorgate/internal/settings"
	"github.com/donorgate/donorgate/internal/storage"
	"github.com/donorgate/donorgate/internal/sweep"
	"github.com/donorgate/donorgate/internal/webhook"
)

// PaymentGateway is the payment-processor surface the checkout flow drives;
// the payment adapter implements it.
type PaymentGateway interface {
	IsConfigured() bool
	CreateSubscription(ctx context.Context, subscriber payment.Subscriber) (payment.CreatedSubscription, error)
}

// MediaLinker is the device-link surface for the donor media flow; the
// media auth adapter implements it.
type MediaLinker interface {
	IsConfigured() bool
	RequestPin(ctx context.Context) (mediaauth.Pin, error)
	PollPin(ctx context.Context, pinID int64) (mediaauth.PollResult, error)
	FetchIdentity(ctx context.Context, authToken string) (mediaauth.Identity, error)
}

// MailSender is the outbound-mail surface the server drives; the mail
// adapter implements it.
type MailSender interface {
	IsConfigured() bool
	SendVerification(ctx context.Context, to, toName, verifyURL string) error
	SendPasswordReset(ctx context.Context, to, toName, resetURL string) error
	SendAnnouncement(ctx context.Context, subject, body string, recipients []mail.Recipient) []mail.SendResult
	SendSupportNotification(ctx context.Context, to, donorEmail, donorName, topic, body string) error
}

// SettingsTester runs a connection check against a normalised settings blob
// without saving it; the composition root implements it with throwaway
// adapters.
type SettingsTester interface {
	TestSettings(ctx context.Context, group string, value json.RawMessage) (Diagnostic, error)
}

// Diagnostic reports one connection-test outcome.
type Diagnostic struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Config defines the inputs for the gateway HTTP server.
type Config struct {
	Addr string
	// BaseURL roots the links carried in outbound mail and funnel pages.
	BaseURL string
	// SessionSecret signs donor session tokens and the admin cookie.
	SessionSecret string
	// SecureCookies marks the admin cookie Secure; enable behind TLS.
	SecureCookies bool
	AdminUsername string
	// AdminPasswordHash is the bcrypt hash from the credentials file.
	AdminPasswordHash string

	Store       storage.Store
	Webhooks    *webhook.Processor
	Provisioner *provision.Coordinator
	Sweeper     *sweep.Sweeper
	Payment     PaymentGateway
	MediaAuth   MediaLinker
	Mailer      MailSender
	Tester      SettingsTester
	// Reload runs after a settings group is saved so adapters rebuild from
	// the stored values.
	Reload func(ctx context.Context, group string)
	// Locks is the per-donor mutex table shared with the webhook processor,
	// the invite coordinator and the sweeper.
	Locks *keymutex.KeyMutex
	Now   func() time.Time
}

// Server hosts the webhook, donor, admin and funnel surfaces.
type Server struct {
	addr        string
	baseURL     string
	store       storage.Store
	webhooks    *webhook.Processor
	provisioner *provision.Coordinator
	sweeper     *sweep.Sweeper
	payment     PaymentGateway
	mediaAuth   MediaLinker
	mailer      MailSender
	tester      SettingsTester
	reload      func(ctx context.Context, group string)
	locks       *keymutex.KeyMutex
	sessions    *sessionManager
	admin       *adminGate
	now         func() time.Time

	httpServer *http.Server
}

// NewServer builds a configured gateway server.
func NewServer(cfg Config) (*Server, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("http address is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	secret := strings.TrimSpace(cfg.SessionSecret)
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	if cfg.Locks == nil {
		cfg.Locks = keymutex.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		addr:        addr,
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		store:       cfg.Store,
		webhooks:    cfg.Webhooks,
		provisioner: cfg.Provisioner,
		sweeper:     cfg.Sweeper,
		payment:     cfg.Payment,
		mediaAuth:   cfg.MediaAuth,
		mailer:      cfg.Mailer,
		tester:      cfg.Tester,
		reload:      cfg.Reload,
		locks:       cfg.Locks,
		sessions:    newSessionManager([]byte(secret), cfg.Now),
		admin:       newAdminGate([]byte(secret), cfg.AdminUsername, cfg.AdminPasswordHash, cfg.SecureCookies),
		now:         cfg.Now,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the full route surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers every gateway endpoint on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}

	mux.HandleFunc("/webhook", s.handleWebhook)

	mux.HandleFunc("/donor/login", s.handleDonorLogin)
	mux.HandleFunc("/donor/logout", s.handleDonorLogout)
	mux.HandleFunc("/donor/dashboard", s.handleDonorDashboard)
	mux.HandleFunc("/donor/profile", s.handleDonorProfile)
	mux.HandleFunc("/donor/password-reset/", s.handlePasswordReset)
	mux.HandleFunc("/donor/verify-email/", s.handleVerifyEmail)
	mux.HandleFunc("/donor/media/", s.handleDonorMedia)
	mux.HandleFunc("/donor/invite", s.handleDonorInvite)
	mux.HandleFunc("/donor/support", s.handleDonorSupport)
	mux.HandleFunc("/donor/support/", s.handleDonorSupportThread)

	mux.HandleFunc("/admin/login", s.handleAdminLogin)
	mux.HandleFunc("/admin/logout", s.handleAdminLogout)
	mux.HandleFunc("/admin/subscribers", s.handleAdminSubscribers)
	mux.HandleFunc("/admin/subscribers/", s.handleAdminSubscriber)
	mux.HandleFunc("/admin/settings/", s.handleAdminSettings)
	mux.HandleFunc("/admin/events", s.handleAdminEvents)
	mux.HandleFunc("/admin/support", s.handleAdminSupport)
	mux.HandleFunc("/admin/support/", s.handleAdminSupportThread)
	mux.HandleFunc("/admin/announcements/send", s.handleAdminAnnouncements)
	mux.HandleFunc("/admin/sharelinks", s.handleAdminShareLinks)

	mux.HandleFunc("/share/", s.handleShare)

	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("web server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	serveErr := make(chan error, 1)
	log.Printf("web listening on %s", s.addr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// applyLifecycle runs one engine event for a donor and commits the outcome:
// record diff, the caller's audit row, and any engine log rows land in a
// single transaction under the donor's lock. The audit row is appended only
// when the record changed. Revocation intents execute after the lock is
// released, because the coordinator takes the same key; a failed revocation
// leaves the expiry set so the sweep retries it along with the clear.
func (s *Server) applyLifecycle(ctx context.Context, donorID int64, ev donor.Event, auditType string) (donor.Decision, error) {
	key := donorLockKey(donorID)
	s.locks.Lock(key)

	decision, err := s.commitLifecycle(ctx, donorID, ev, auditType)
	s.locks.Unlock(key)
	if err != nil {
		return donor.Decision{}, err
	}
	if !decision.Changed {
		return decision, nil
	}

	for _, intent := range decision.Intents {
		switch intent.Kind {
		case donor.IntentRevokeInvite:
			if s.provisioner == nil {
				continue
			}
			if err := s.provisioner.RevokeForDonor(ctx, decision.Donor); err != nil {
				log.Printf("web: revoke invite for donor %d: %v", donorID, err)
				return decision, nil
			}
		case donor.IntentClearAccessExpiration:
			if err := s.store.ClearAccessExpiration(ctx, donorID, s.now().UTC()); err != nil {
				log.Printf("web: clear access expiration for donor %d: %v", donorID, err)
			}
		}
	}
	return decision, nil
}

func (s *Server) commitLifecycle(ctx context.Context, donorID int64, ev donor.Event, auditType string) (donor.Decision, error) {
	current, err := s.store.GetDonor(ctx, donorID)
	if err != nil {
		return donor.Decision{}, fmt.Errorf("load donor %d: %w", donorID, err)
	}

	now := s.now().UTC()
	decision := donor.Decide(current, ev, now)
	if !decision.Changed {
		return decision, nil
	}

	input := storage.ApplyDecisionInput{Donor: &decision.Donor, Now: now}
	if auditType != "" {
		input.Events = append(input.Events, storage.Event{
			Type:    auditType,
			DonorID: donorID,
			PayloadJSON: marshalPayload(map[string]string{
				"from": donor.StatusLabel(current.Status),
				"to":   donor.StatusLabel(decision.Donor.Status),
			}),
		})
	}
	for _, intent := range decision.Intents {
		if intent.Kind != donor.IntentLogEvent {
			continue
		}
		input.Events = append(input.Events, storage.Event{
			Type:        intent.EventType,
			DonorID:     donorID,
			PayloadJSON: marshalPayload(intent.EventPayload),
		})
	}

	if _, err := s.store.ApplyDecision(ctx, input); err != nil {
		return donor.Decision{}, fmt.Errorf("commit lifecycle decision: %w", err)
	}
	return decision, nil
}

// trialDuration reads the configured trial window, falling back to the
// engine default when settings are unreadable.
func (s *Server) trialDuration(ctx context.Context) time.Duration {
	blob, err := s.store.GetSettings(ctx, settings.GroupTrial)
	if err != nil {
		return donor.DefaultTrialDuration
	}
	cfg := settings.Decode(blob, settings.DefaultTrial)
	return time.Duration(cfg.DurationDays) * 24 * time.Hour
}

func marshalPayload(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// donorLockKey matches the webhook processor's key convention so every
// component contends on the same per-donor entry.
func donorLockKey(id int64) string {
	return fmt.Sprintf("donor/%d", id)
}
