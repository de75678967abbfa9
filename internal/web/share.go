package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/payment"
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/settings"
	"github.com/donorgate/donorgate/internal/sharelink"
	"github.com/donorgate/donorgate/internal/storage"
)

// handleShare routes the public funnel under /share/{token}. The page
// itself is the only HTML surface; the account and checkout steps are
// JSON posts issued by the page's script.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/share/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	token := strings.TrimSpace(parts[0])
	if token == "" {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "share link not found"))
		return
	}

	link, err := s.store.GetShareLinkByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apperrors.New(apperrors.CodeNotFound, "share link not found"))
			return
		}
		writeError(w, err)
		return
	}

	switch {
	case len(parts) == 1:
		s.sharePage(w, r, link)
	case len(parts) == 2 && parts[1] == "account":
		s.shareAccount(w, r, link)
	case len(parts) == 2 && parts[1] == "checkout":
		s.shareCheckout(w, r, link)
	default:
		writeError(w, apperrors.New(apperrors.CodeNotFound, "not found"))
	}
}

type sharePageView struct {
	SiteName     string
	AccentColor  string
	LogoURL      string
	State        string
	Greeting     string
	Email        string
	Token        string
	SessionToken string
	TrialEnabled bool
}

// sharePage renders the registration funnel. The session token is
// embedded in the page so the follow-up posts can prove they came from
// a rendered visit rather than a scraped URL.
func (s *Server) sharePage(w http.ResponseWriter, r *http.Request, link sharelink.ShareLink) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	now := s.now().UTC()
	if err := s.store.TouchShareLink(ctx, link.ID, now); err != nil {
		log.Printf("web: touch share link %d: %v", link.ID, err)
	}

	view := sharePageView{
		State:        "ready",
		Token:        link.Token,
		SessionToken: link.SessionToken,
	}
	switch {
	case link.Used():
		view.State = "used"
	case link.Expired(now):
		view.State = "expired"
	}

	if link.OwnedByDonor() {
		if d, err := s.store.GetDonor(ctx, link.DonorID); err == nil {
			view.Greeting = d.Name
			view.Email = d.Email
		}
	} else if link.ProspectID != 0 {
		if p, err := s.store.GetProspect(ctx, link.ProspectID); err == nil {
			view.Greeting = p.Name
			view.Email = p.Email
		}
	}

	appearance := s.appearance(ctx)
	view.SiteName = appearance.SiteName
	view.AccentColor = appearance.AccentColor
	view.LogoURL = appearance.LogoURL

	if blob, err := s.store.GetSettings(ctx, settings.GroupTrial); err == nil {
		view.TrialEnabled = settings.Decode(blob, settings.DefaultTrial).Enabled
	}

	if err := templates.ExecuteTemplate(w, "share.html", view); err != nil {
		http.Error(w, "failed to render share page", http.StatusInternalServerError)
	}
}

func (s *Server) appearance(ctx context.Context) settings.Appearance {
	blob, err := s.store.GetSettings(ctx, settings.GroupAppearance)
	if err != nil {
		return settings.DefaultAppearance()
	}
	return settings.Decode(blob, settings.DefaultAppearance)
}

// shareAccount spends the link on account creation: a prospect link
// claims or creates the donor behind the prospect's email, a
// donor-owned link sets the password on the donor's own record.
func (s *Server) shareAccount(w http.ResponseWriter, r *http.Request, link sharelink.ShareLink) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionToken string `json:"session_token"`
		Email        string `json:"email"`
		Name         string `json:"name"`
		Password     string `json:"password"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.SessionToken), []byte(link.SessionToken)) != 1 {
		writeError(w, apperrors.New(apperrors.CodeShareLinkSessionBad, "session token does not match this link"))
		return
	}

	now := s.now().UTC()
	if err := link.Usable(now); err != nil {
		writeError(w, err)
		return
	}
	if err := validatePassword(req.Password); err != nil {
		writeError(w, err)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, err)
		return
	}

	d, err := s.store.RegisterFromShareLink(r.Context(), storage.RegistrationInput{
		ShareLinkID:  link.ID,
		ProspectID:   link.ProspectID,
		Email:        strings.TrimSpace(req.Email),
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: string(hash),
		Now:          now,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := s.sessions.Issue(d.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loginResponse{Token: token, Donor: newDonorView(d)})
}

// shareCheckout starts payment or trial for the account behind the
// link. It runs after shareAccount has spent the link, so only the
// expiry window still gates it.
func (s *Server) shareCheckout(w http.ResponseWriter, r *http.Request, link sharelink.ShareLink) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionToken string `json:"session_token"`
		Mode         string `json:"mode"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.SessionToken), []byte(link.SessionToken)) != 1 {
		writeError(w, apperrors.New(apperrors.CodeShareLinkSessionBad, "session token does not match this link"))
		return
	}
	now := s.now().UTC()
	if link.Expired(now) {
		writeError(w, sharelink.ErrExpired)
		return
	}

	d, err := s.shareCheckoutDonor(r.Context(), link)
	if err != nil {
		writeError(w, err)
		return
	}

	switch strings.TrimSpace(req.Mode) {
	case "subscribe":
		s.shareSubscribe(w, r, d)
	case "trial":
		s.shareTrial(w, r, d)
	default:
		writeError(w, apperrors.New(apperrors.CodeValidation, "mode must be subscribe or trial"))
	}
}

func (s *Server) shareCheckoutDonor(ctx context.Context, link sharelink.ShareLink) (donor.Donor, error) {
	if link.OwnedByDonor() {
		return s.store.GetDonor(ctx, link.DonorID)
	}
	p, err := s.store.GetProspect(ctx, link.ProspectID)
	if err != nil {
		return donor.Donor{}, err
	}
	if !p.Converted() {
		return donor.Donor{}, apperrors.New(apperrors.CodeValidation, "create the account before checkout")
	}
	return s.store.GetDonor(ctx, p.DonorID)
}

type checkoutView struct {
	ApprovalURL    string `json:"approval_url"`
	SubscriptionID string `json:"subscription_id"`
}

// shareSubscribe creates the processor subscription and parks the
// donor in pending until the activation webhook lands.
func (s *Server) shareSubscribe(w http.ResponseWriter, r *http.Request, d donor.Donor) {
	if s.payment == nil || !s.payment.IsConfigured() {
		writeError(w, apperrors.New(apperrors.CodeAdapterNotConfigured, "payment processor is not configured"))
		return
	}

	created, err := s.payment.CreateSubscription(r.Context(), payment.Subscriber{Email: d.Email, Name: d.Name})
	if err != nil {
		writeError(w, err)
		return
	}

	now := s.now().UTC()
	key := donorLockKey(d.ID)
	s.locks.Lock(key)
	current, err := s.store.GetDonor(r.Context(), d.ID)
	if err == nil {
		next := current
		next.SubscriptionID = created.SubscriptionID
		if next.Status == donor.StatusProspect {
			next.Status = donor.StatusPending
		}
		next.UpdatedAt = now
		_, err = s.store.ApplyDecision(r.Context(), storage.ApplyDecisionInput{
			Donor: &next,
			Events: []storage.Event{{
				Type:        "donor.checkout.started",
				DonorID:     current.ID,
				PayloadJSON: marshalPayload(map[string]string{"subscription_id": created.SubscriptionID}),
			}},
			Now: now,
		})
	}
	s.locks.Unlock(key)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, checkoutView{
		ApprovalURL:    created.ApprovalURL,
		SubscriptionID: created.SubscriptionID,
	})
}

// shareTrial opens the trial window through the lifecycle engine.
func (s *Server) shareTrial(w http.ResponseWriter, r *http.Request, d donor.Donor) {
	ctx := r.Context()
	blob, err := s.store.GetSettings(ctx, settings.GroupTrial)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg := settings.Decode(blob, settings.DefaultTrial)
	if !cfg.Enabled {
		writeError(w, apperrors.New(apperrors.CodeValidation, "trial signup is disabled"))
		return
	}

	ev := donor.Event{
		Kind:          donor.EventTrialStart,
		EventTime:     s.now().UTC(),
		TrialDuration: time.Duration(cfg.DurationDays) * 24 * time.Hour,
	}
	decision, err := s.applyLifecycle(ctx, d.ID, ev, "donor.trial.started")
	if err != nil {
		writeError(w, err)
		return
	}
	if !decision.Changed && decision.Donor.Status != donor.StatusTrial {
		writeError(w, apperrors.New(apperrors.CodeDonorTransitionInvalid, "trial is not available for this account"))
		return
	}
	writeJSON(w, http.StatusOK, newDonorView(decision.Donor))
}
