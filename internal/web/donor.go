package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/mediaauth"
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/platform/id"
	"github.com/donorgate/donorgate/internal/provision"
	"github.com/donorgate/donorgate/internal/settings"
	"github.com/donorgate/donorgate/internal/storage"
)

const (
	verificationTokenTTL  = 24 * time.Hour
	passwordResetTokenTTL = time.Hour
	minPasswordLength     = 8
)

// authenticateDonor resolves the bearer session on a request and loads its
// donor. The jti and expiry feed rotation and logout.
func (s *Server) authenticateDonor(r *http.Request) (donor.Donor, string, time.Time, error) {
	donorID, jti, exp, err := s.sessions.Verify(bearerToken(r))
	if err != nil {
		return donor.Donor{}, "", time.Time{}, err
	}
	d, err := s.store.GetDonor(r.Context(), donorID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return donor.Donor{}, "", time.Time{}, apperrors.New(apperrors.CodeAuthSessionExpired, "session is expired")
		}
		return donor.Donor{}, "", time.Time{}, err
	}
	return d, jti, exp, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// rotateSession retires the authenticated token and echoes a replacement in
// X-Session-Token. Must run before the response body is written.
func (s *Server) rotateSession(w http.ResponseWriter, donorID int64, jti string, expiry time.Time) {
	fresh, err := s.sessions.Issue(donorID)
	if err != nil {
		log.Printf("web: rotate session for donor %d: %v", donorID, err)
		return
	}
	s.sessions.Revoke(jti, expiry)
	w.Header().Set("X-Session-Token", fresh)
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperrors.New(apperrors.CodeDonorPasswordWeak,
			fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	return nil
}

type loginResponse struct {
	Token string    `json:"token"`
	Donor donorView `json:"donor"`
}

func (s *Server) handleDonorLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	email := donor.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, apperrors.New(apperrors.CodeValidation, "email and password are required"))
		return
	}

	d, err := s.store.GetDonorByEmail(r.Context(), email)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			writeError(w, apperrors.New(apperrors.CodeAuthInvalidCredentials, "invalid email or password"))
			return
		}
		writeError(w, err)
		return
	}
	if !d.HasPassword() {
		writeError(w, apperrors.New(apperrors.CodeAuthInvalidCredentials, "invalid email or password"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(d.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, apperrors.New(apperrors.CodeAuthInvalidCredentials, "invalid email or password"))
		return
	}

	token, err := s.sessions.Issue(d.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Donor: newDonorView(d)})
}

func (s *Server) handleDonorLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, jti, exp, err := s.authenticateDonor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.sessions.Revoke(jti, exp)
	w.WriteHeader(http.StatusNoContent)
}

type dashboardView struct {
	Donor     donorView      `json:"donor"`
	Invite    *inviteView    `json:"invite,omitempty"`
	ShareLink *shareLinkView `json:"share_link,omitempty"`
	Payments  []paymentView  `json:"payments"`
	Banner    string         `json:"banner,omitempty"`
}

func (s *Server) handleDonorDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d, _, _, err := s.authenticateDonor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()

	view := dashboardView{Donor: newDonorView(d), Payments: []paymentView{}}

	if inv, err := s.store.LatestInviteByDonor(ctx, d.ID); err == nil {
		iv := newInviteView(inv)
		view.Invite = &iv
	} else if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		writeError(w, err)
		return
	}

	if link, err := s.store.GetShareLinkByDonor(ctx, d.ID); err == nil {
		lv := s.newShareLinkView(link)
		view.ShareLink = &lv
	} else if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		writeError(w, err)
		return
	}

	payments, err := s.store.ListPaymentsByDonor(ctx, d.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, p := range payments {
		view.Payments = append(view.Payments, newPaymentView(p))
	}

	if blob, err := s.store.GetSettings(ctx, settings.GroupAnnouncements); err == nil {
		ann := settings.Decode(blob, settings.DefaultAnnouncements)
		if ann.BannerEnabled {
			view.Banner = ann.Banner
		}
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDonorProfile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		d, _, _, err := s.authenticateDonor(r)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newDonorView(d))
	case http.MethodPost:
		s.updateDonorProfile(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) updateDonorProfile(w http.ResponseWriter, r *http.Request) {
	d, jti, exp, err := s.authenticateDonor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Name            *string `json:"name"`
		Email           *string `json:"email"`
		Password        *string `json:"password"`
		CurrentPassword string  `json:"current_password"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == nil && req.Email == nil && req.Password == nil {
		writeError(w, apperrors.New(apperrors.CodeValidation, "nothing to update"))
		return
	}

	emailChanged := false
	if req.Name != nil {
		d.Name = strings.TrimSpace(*req.Name)
	}
	if req.Email != nil {
		normalized, err := donor.ValidateEmail(*req.Email)
		if err != nil {
			writeError(w, err)
			return
		}
		if normalized != d.Email {
			d.Email = normalized
			d.EmailVerifiedAt = nil
			emailChanged = true
		}
	}
	if req.Password != nil {
		if err := validatePassword(*req.Password); err != nil {
			writeError(w, err)
			return
		}
		if d.HasPassword() {
			if err := bcrypt.CompareHashAndPassword([]byte(d.PasswordHash), []byte(req.CurrentPassword)); err != nil {
				writeError(w, apperrors.New(apperrors.CodeAuthInvalidCredentials, "current password is incorrect"))
				return
			}
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, fmt.Errorf("hash password: %w", err))
			return
		}
		d.PasswordHash = string(hash)
	}

	d.UpdatedAt = s.now().UTC()
	updated, err := s.store.UpdateDonor(r.Context(), d)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeConstraintViolation) {
			writeError(w, apperrors.New(apperrors.CodeDonorEmailTaken, "email is already in use"))
			return
		}
		writeError(w, err)
		return
	}
	if emailChanged {
		if err := s.sendVerificationMail(r.Context(), updated); err != nil {
			log.Printf("web: send verification mail to donor %d: %v", updated.ID, err)
		}
	}

	s.rotateSession(w, updated.ID, jti, exp)
	writeJSON(w, http.StatusOK, newDonorView(updated))
}

// sendVerificationMail mints a single-use token and mails the confirm link.
func (s *Server) sendVerificationMail(ctx context.Context, d donor.Donor) error {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return apperrors.New(apperrors.CodeAdapterNotConfigured, "mail adapter is not configured")
	}
	value, err := id.NewToken(32)
	if err != nil {
		return fmt.Errorf("mint verification token: %w", err)
	}
	now := s.now().UTC()
	if _, err := s.store.CreateToken(ctx, storage.Token{
		Token:     value,
		Kind:      storage.TokenKindVerification,
		DonorID:   d.ID,
		ExpiresAt: now.Add(verificationTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("store verification token: %w", err)
	}
	verifyURL := fmt.Sprintf("%s/donor/verify-email/confirm?token=%s", s.baseURL, url.QueryEscape(value))
	return s.mailer.SendVerification(ctx, d.Email, d.Name, verifyURL)
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch strings.Trim(strings.TrimPrefix(r.URL.Path, "/donor/password-reset/"), "/") {
	case "request":
		s.requestPasswordReset(w, r)
	case "confirm":
		s.confirmPasswordReset(w, r)
	default:
		http.NotFound(w, r)
	}
}

// requestPasswordReset accepts any address and answers 202 either way, so
// the endpoint cannot be used to probe which emails have accounts.
func (s *Server) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	email := donor.NormalizeEmail(req.Email)
	if email == "" {
		writeError(w, apperrors.New(apperrors.CodeValidation, "email is required"))
		return
	}

	ctx := r.Context()
	d, err := s.store.GetDonorByEmail(ctx, email)
	if err == nil && s.mailer != nil && s.mailer.IsConfigured() {
		if err := s.sendPasswordResetMail(ctx, d); err != nil {
			log.Printf("web: send password reset mail to donor %d: %v", d.ID, err)
		}
	} else if err != nil && !apperrors.HasCode(err, apperrors.CodeNotFound) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) sendPasswordResetMail(ctx context.Context, d donor.Donor) error {
	value, err := id.NewToken(32)
	if err != nil {
		return fmt.Errorf("mint reset token: %w", err)
	}
	now := s.now().UTC()
	if _, err := s.store.CreateToken(ctx, storage.Token{
		Token:     value,
		Kind:      storage.TokenKindPasswordReset,
		DonorID:   d.ID,
		ExpiresAt: now.Add(passwordResetTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}
	resetURL := fmt.Sprintf("%s/donor/password-reset/confirm?token=%s", s.baseURL, url.QueryEscape(value))
	return s.mailer.SendPasswordReset(ctx, d.Email, d.Name, resetURL)
}

func (s *Server) confirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validatePassword(req.Password); err != nil {
		writeError(w, err)
		return
	}

	now := s.now().UTC()
	tok, err := s.store.ConsumeToken(r.Context(), storage.TokenKindPasswordReset, strings.TrimSpace(req.Token), now)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			writeError(w, apperrors.New(apperrors.CodeAuthTokenInvalid, "reset token is invalid"))
			return
		}
		writeError(w, err)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, fmt.Errorf("hash password: %w", err))
		return
	}
	if err := s.store.SetDonorPassword(r.Context(), tok.DonorID, string(hash), now); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch strings.Trim(strings.TrimPrefix(r.URL.Path, "/donor/verify-email/"), "/") {
	case "request":
		s.requestEmailVerification(w, r)
	case "confirm":
		s.confirmEmailVerification(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) requestEmailVerification(w http.ResponseWriter, r *http.Request) {
	d, jti, exp, err := s.authenticateDonor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !d.EmailVerified() {
		if err := s.sendVerificationMail(r.Context(), d); err != nil {
			writeError(w, err)
			return
		}
	}
	s.rotateSession(w, d.ID, jti, exp)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// confirmEmailVerification is unauthenticated: the mailed token proves
// control of the address even when the donor has no session.
func (s *Server) confirmEmailVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	now := s.now().UTC()
	tok, err := s.store.ConsumeToken(r.Context(), storage.TokenKindVerification, strings.TrimSpace(req.Token), now)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			writeError(w, apperrors.New(apperrors.CodeAuthTokenInvalid, "verification token is invalid"))
			return
		}
		writeError(w, err)
		return
	}
	if err := s.store.MarkDonorEmailVerified(r.Context(), tok.DonorID, now); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDonorMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch strings.Trim(strings.TrimPrefix(r.URL.Path, "/donor/media/"), "/") {
	case "pin":
		s.donorMediaPin(w, r)
	case "poll":
		s.donorMediaPoll(w, r)
	case "unlink":
		s.donorMediaUnlink(w, r)
	default:
		http.NotFound(w, r)
	}
}

type pinView struct {
	PinID          int64     `json:"pin_id"`
	Code           string    `json:"code"`
	AuthURL        string    `json:"auth_url"`
	ExpiresAt      time.Time `json:"expires_at"`
	PollIntervalMs int       `json:"poll_interval_ms"`
}

func (s *Server) donorMediaPin(w http.ResponseWriter, r *http.Request) {
	d, jti, exp, err := s.authenticateDonor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.mediaAuth == nil || !s.mediaAuth.IsConfigured() {
		writeError(w, apperrors.New(apperrors.CodeAdapterNotConfigured, "media auth adapter is not configured"))
		return
	}

	pin, err := s.mediaAuth.RequestPin(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.rotateSession(w, d.ID, jti, exp)
	writeJSON(w, http.StatusCreated, pinView{
		PinID:          pin.PinID,
		Code:           pin.Code,
		AuthURL:        pin.AuthURL,
		ExpiresAt:      pin.ExpiresAt,
		PollIntervalMs: pin.PollIntervalMs,
	})
}

type pollResponse struct {
	State string     `json:"state"`
	Donor *donorView `json:"donor,omitempty"`
}

func (s *Server) donorMediaPoll(w http.ResponseWriter, r *http.Request) {
	d, jti, exp, err := s.authenticateDonor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.mediaAuth == nil || !s.mediaAuth.IsConfigured() {
		writeError(w, apperrors.New(apperrors.CodeAdapterNotConfigured, "media auth adapter is not configured"))
		return
	}

	var req struct {
		PinID int64 `json:"pin_id"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PinID <= 0 {
		writeError(w, apperrors.New(apperrors.CodeValidation, "pin_id is required"))
		return
	}

	ctx := r.Context()
	result, err := s.mediaAuth.PollPin(ctx, req.PinID)
	if err != nil {
		writeError(w, err)
		return
	}

	switch result.State {
	case mediaauth.PinAuthorized:
		identity, err := s.mediaAuth.FetchIdentity(ctx, result.AuthToken)
		if err != nil {
			writeError(w, err)
			return
		}
		now := s.now().UTC()
		if err := s.store.LinkDonorMedia(ctx, d.ID, identity.MediaAccountID, identity.MediaEmail, now); err != nil {
			writeError(w, err)
			return
		}
		linked, err := s.store.GetDonor(ctx, d.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		view := newDonorView(linked)
		s.rotateSession(w, d.ID, jti, exp)
		writeJSON(w, http.StatusOK, pollResponse{State: "linked", Donor: &view})
	case mediaauth.PinExpired:
		s.rotateSession(w, d.ID, jti, exp)
		writeJSON(w, http.StatusOK, pollResponse{State: "expired"})
	default:
		s.rotateSession(w, d.ID, jti, exp)
		writeJSON(w, http.StatusOK, pollResponse{State: "pending"})
	}
}

func (s *Server) donorMediaUnlink(w http.ResponseWriter, r *http.Request) {
	d, jti, exp, err := s.authenticateDonor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UnlinkDonorMedia(r.Context(), d.ID, s.now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	s.rotateSession(w, d.ID, jti, exp)
	w.WriteHeader(http.StatusNoContent)
}

type issueResultView struct {
	Invite    inviteView     `json:"invite"`
	Reused    bool           `json:"reused"`
	ShareLink *shareLinkView `json:"share_link,omitempty"`
}

func (s *Server) handleDonorInvite(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		d, _, _, err := s.authenticateDonor(r)
		if err != nil {
			writeError(w, err)
			return
		}
		invites, err := s.store.ListInvitesByDonor(r.Context(), d.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]inviteView, 0, len(invites))
		for _, inv := range invites {
			views = append(views, newInviteView(inv))
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		s.issueDonorInvite(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) issueDonorInvite(w http.ResponseWriter, r *http.Request) {
	d, jti, exp, err := s.authenticateDonor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.provisioner == nil {
		writeError(w, apperrors.New(apperrors.CodeAdapterNotConfigured, "invite provisioning is not configured"))
		return
	}

	var req struct {
		RecipientEmail string `json:"recipient_email"`
		Note           string `json:"note"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.provisioner.Issue(r.Context(), provision.IssueRequest{
		DonorID:        d.ID,
		RecipientEmail: req.RecipientEmail,
		Note:           req.Note,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	view := issueResultView{Invite: newInviteView(result.Invite), Reused: result.Reused}
	if result.ShareLink != nil {
		link := s.newShareLinkView(*result.ShareLink)
		view.ShareLink = &link
	}
	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	s.rotateSession(w, d.ID, jti, exp)
	writeJSON(w, status, view)
}

func (s *Server) handleDonorSupport(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		d, _, _, err := s.authenticateDonor(r)
		if err != nil {
			writeError(w, err)
			return
		}
		requests, err := s.store.ListSupportRequestsByDonor(r.Context(), d.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]supportRequestView, 0, len(requests))
		for _, req := range requests {
			views = append(views, newSupportRequestView(req))
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		s.createSupportRequest(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createSupportRequest(w http.ResponseWriter, r *http.Request) {
	d, jti, exp, err := s.authenticateDonor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	subject := strings.TrimSpace(req.Subject)
	body := strings.TrimSpace(req.Body)
	if subject == "" {
		writeError(w, apperrors.New(apperrors.CodeSupportSubjectEmpty, "subject is required"))
		return
	}
	if body == "" {
		writeError(w, apperrors.New(apperrors.CodeSupportBodyEmpty, "message body is required"))
		return
	}

	now := s.now().UTC()
	created, err := s.store.CreateSupportRequest(r.Context(),
		storage.SupportRequest{DonorID: d.ID, Subject: subject, CreatedAt: now, UpdatedAt: now},
		storage.SupportMessage{Author: storage.SupportAuthorDonor, Body: body, CreatedAt: now},
	)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notifySupport(r.Context(), d, subject, body)

	s.rotateSession(w, d.ID, jti, exp)
	writeJSON(w, http.StatusCreated, newSupportRequestView(created))
}

// notifySupport mails the operator about a new support request. Failures
// log; the thread is already stored.
func (s *Server) notifySupport(ctx context.Context, d donor.Donor, subject, body string) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	blob, err := s.store.GetSettings(ctx, settings.GroupMail)
	if err != nil {
		log.Printf("web: load mail settings: %v", err)
		return
	}
	cfg := settings.Decode(blob, settings.DefaultMail)
	to := cfg.ReplyTo
	if to == "" {
		to = cfg.FromAddress
	}
	if to == "" {
		return
	}
	if err := s.mailer.SendSupportNotification(ctx, to, d.Email, d.Name, subject, body); err != nil {
		log.Printf("web: send support notification: %v", err)
	}
}

// handleDonorSupportThread serves /donor/support/{id}/messages. A thread
// outside the donor's own list reads as not found.
func (s *Server) handleDonorSupportThread(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/donor/support/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "messages" {
		http.NotFound(w, r)
		return
	}
	requestID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || requestID <= 0 {
		http.NotFound(w, r)
		return
	}

	d, jti, exp, err := s.authenticateDonor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()

	request, err := s.store.GetSupportRequest(ctx, requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	if request.DonorID != d.ID {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "support request not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		messages, err := s.store.ListSupportMessages(ctx, requestID)
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]supportMessageView, 0, len(messages))
		for _, m := range messages {
			views = append(views, newSupportMessageView(m))
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var req struct {
			Body string `json:"body"`
		}
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		body := strings.TrimSpace(req.Body)
		if body == "" {
			writeError(w, apperrors.New(apperrors.CodeSupportBodyEmpty, "message body is required"))
			return
		}
		message, err := s.store.AppendSupportMessage(ctx, storage.SupportMessage{
			RequestID: requestID,
			Author:    storage.SupportAuthorDonor,
			Body:      body,
			CreatedAt: s.now().UTC(),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		s.rotateSession(w, d.ID, jti, exp)
		writeJSON(w, http.StatusCreated, newSupportMessageView(message))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
