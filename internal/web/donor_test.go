package web

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/mediaauth"
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/provision"
	"github.com/donorgate/donorgate/internal/storage"
)

func TestDonorLogin(t *testing.T) {
	s, store := testServer(t, nil)
	seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)

	t.Run("issues a session", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/login",
			map[string]string{"email": "Member@Example.com", "password": "hunter2-secret"}, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		var body loginResponse
		decodeJSON(t, rr, &body)
		if body.Token == "" {
			t.Error("expected a session token")
		}
		if body.Donor.Email != "member@example.com" {
			t.Errorf("donor email = %s", body.Donor.Email)
		}
	})

	t.Run("wrong password matches unknown email", func(t *testing.T) {
		wrong := doJSON(t, s.Handler(), http.MethodPost, "/donor/login",
			map[string]string{"email": "member@example.com", "password": "nope-nope-nope"}, nil)
		unknown := doJSON(t, s.Handler(), http.MethodPost, "/donor/login",
			map[string]string{"email": "ghost@example.com", "password": "nope-nope-nope"}, nil)
		if wrong.Code != http.StatusUnauthorized || unknown.Code != http.StatusUnauthorized {
			t.Fatalf("statuses = %d, %d, want 401 for both", wrong.Code, unknown.Code)
		}
		if wrong.Body.String() != unknown.Body.String() {
			t.Errorf("credential failures must be indistinguishable: %q vs %q",
				wrong.Body.String(), unknown.Body.String())
		}
	})

	t.Run("passwordless account cannot log in", func(t *testing.T) {
		seedDonor(t, store, "invited@example.com", donor.StatusActive)
		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/login",
			map[string]string{"email": "invited@example.com", "password": "anything-goes"}, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}
		if code := errorCode(t, rr); code != string(apperrors.CodeAuthInvalidCredentials) {
			t.Errorf("code = %s", code)
		}
	})
}

func TestDonorDashboard(t *testing.T) {
	s, store := testServer(t, nil)
	d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)

	t.Run("requires a session", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodGet, "/donor/dashboard", nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}
	})

	t.Run("returns the donor with payments", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodGet, "/donor/dashboard", nil, donorBearer(t, s, d.ID))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		var body struct {
			Donor    donorView     `json:"donor"`
			Payments []paymentView `json:"payments"`
		}
		decodeJSON(t, rr, &body)
		if body.Donor.ID != d.ID {
			t.Errorf("donor id = %d, want %d", body.Donor.ID, d.ID)
		}
		if body.Payments == nil {
			t.Error("payments should serialise as an empty list, not null")
		}
	})

	t.Run("revoked session is rejected", func(t *testing.T) {
		token, err := s.sessions.Issue(d.ID)
		if err != nil {
			t.Fatalf("issue session: %v", err)
		}
		logout := doJSON(t, s.Handler(), http.MethodPost, "/donor/logout", nil, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token)
		})
		if logout.Code != http.StatusNoContent {
			t.Fatalf("logout status = %d", logout.Code)
		}
		rr := doJSON(t, s.Handler(), http.MethodGet, "/donor/dashboard", nil, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token)
		})
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status after logout = %d, want 401", rr.Code)
		}
	})
}

func TestDonorProfileUpdate(t *testing.T) {
	t.Run("rotates the session on change", func(t *testing.T) {
		s, store := testServer(t, nil)
		d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)
		token, err := s.sessions.Issue(d.ID)
		if err != nil {
			t.Fatalf("issue session: %v", err)
		}

		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/profile",
			map[string]any{"name": "New Name"}, func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+token)
			})
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		rotated := rr.Header().Get("X-Session-Token")
		if rotated == "" || rotated == token {
			t.Fatal("expected a fresh session token in X-Session-Token")
		}

		stale := doJSON(t, s.Handler(), http.MethodGet, "/donor/dashboard", nil, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token)
		})
		if stale.Code != http.StatusUnauthorized {
			t.Errorf("stale token status = %d, want 401", stale.Code)
		}
		fresh := doJSON(t, s.Handler(), http.MethodGet, "/donor/dashboard", nil, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+rotated)
		})
		if fresh.Code != http.StatusOK {
			t.Errorf("rotated token status = %d, want 200", fresh.Code)
		}
	})

	t.Run("taken email conflicts", func(t *testing.T) {
		s, store := testServer(t, nil)
		d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)
		seedDonor(t, store, "other@example.com", donor.StatusActive)

		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/profile",
			map[string]any{"email": "other@example.com"}, donorBearer(t, s, d.ID))
		if rr.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rr.Code)
		}
		if code := errorCode(t, rr); code != string(apperrors.CodeDonorEmailTaken) {
			t.Errorf("code = %s", code)
		}
	})

	t.Run("password change needs the current password", func(t *testing.T) {
		s, store := testServer(t, nil)
		d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)

		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/profile",
			map[string]any{"password": "brand-new-pass", "current_password": "wrong"},
			donorBearer(t, s, d.ID))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}

		ok := doJSON(t, s.Handler(), http.MethodPost, "/donor/profile",
			map[string]any{"password": "brand-new-pass", "current_password": "hunter2-secret"},
			donorBearer(t, s, d.ID))
		if ok.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", ok.Code, ok.Body.String())
		}

		login := doJSON(t, s.Handler(), http.MethodPost, "/donor/login",
			map[string]string{"email": "member@example.com", "password": "brand-new-pass"}, nil)
		if login.Code != http.StatusOK {
			t.Errorf("login with new password = %d, want 200", login.Code)
		}
	})

	t.Run("email change resets verification and sends mail", func(t *testing.T) {
		mailer := &fakeMailer{configured: true}
		s, store := testServer(t, func(cfg *Config) { cfg.Mailer = mailer })
		d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)
		if err := store.MarkDonorEmailVerified(context.Background(), d.ID, testNow.Add(-time.Hour)); err != nil {
			t.Fatalf("mark verified: %v", err)
		}

		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/profile",
			map[string]any{"email": "renamed@example.com"}, donorBearer(t, s, d.ID))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		var body struct {
			Donor donorView `json:"donor"`
		}
		decodeJSON(t, rr, &body)
		if body.Donor.EmailVerified {
			t.Error("verification must reset when the email changes")
		}
		if len(mailer.verifications) != 1 || mailer.verifications[0].To != "renamed@example.com" {
			t.Errorf("verification mail = %+v", mailer.verifications)
		}
	})
}

func TestPasswordReset(t *testing.T) {
	t.Run("request is quiet about unknown emails", func(t *testing.T) {
		mailer := &fakeMailer{configured: true}
		s, _ := testServer(t, func(cfg *Config) { cfg.Mailer = mailer })

		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/password-reset/request",
			map[string]string{"email": "ghost@example.com"}, nil)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rr.Code)
		}
		if len(mailer.resets) != 0 {
			t.Errorf("no mail expected, got %+v", mailer.resets)
		}
	})

	t.Run("request mails a confirm link", func(t *testing.T) {
		mailer := &fakeMailer{configured: true}
		s, store := testServer(t, func(cfg *Config) { cfg.Mailer = mailer })
		seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)

		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/password-reset/request",
			map[string]string{"email": "member@example.com"}, nil)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rr.Code)
		}
		if len(mailer.resets) != 1 {
			t.Fatalf("resets = %+v", mailer.resets)
		}
		if !strings.HasPrefix(mailer.resets[0].URL, "https://gate.test/donor/password-reset/confirm?token=") {
			t.Errorf("reset url = %s", mailer.resets[0].URL)
		}
	})

	t.Run("confirm consumes the token once", func(t *testing.T) {
		s, store := testServer(t, nil)
		d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)
		if _, err := store.CreateToken(context.Background(), storage.Token{
			Token:     "reset-token-1",
			Kind:      storage.TokenKindPasswordReset,
			DonorID:   d.ID,
			ExpiresAt: testNow.Add(time.Hour),
			CreatedAt: testNow,
		}); err != nil {
			t.Fatalf("seed token: %v", err)
		}

		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/password-reset/confirm",
			map[string]string{"token": "reset-token-1", "password": "fresh-password"}, nil)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}

		login := doJSON(t, s.Handler(), http.MethodPost, "/donor/login",
			map[string]string{"email": "member@example.com", "password": "fresh-password"}, nil)
		if login.Code != http.StatusOK {
			t.Errorf("login with reset password = %d", login.Code)
		}

		replay := doJSON(t, s.Handler(), http.MethodPost, "/donor/password-reset/confirm",
			map[string]string{"token": "reset-token-1", "password": "another-password"}, nil)
		if replay.Code != http.StatusUnauthorized {
			t.Fatalf("replay status = %d, want 401", replay.Code)
		}
		if code := errorCode(t, replay); code != string(apperrors.CodeAuthTokenUsed) {
			t.Errorf("replay code = %s", code)
		}
	})
}

func TestEmailVerification(t *testing.T) {
	s, store := testServer(t, func(cfg *Config) { cfg.Mailer = &fakeMailer{configured: true} })
	d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)

	rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/verify-email/request", nil, donorBearer(t, s, d.ID))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("request status = %d body %s", rr.Code, rr.Body.String())
	}

	if _, err := store.CreateToken(context.Background(), storage.Token{
		Token:     "verify-token-1",
		Kind:      storage.TokenKindVerification,
		DonorID:   d.ID,
		ExpiresAt: testNow.Add(24 * time.Hour),
		CreatedAt: testNow,
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	confirm := doJSON(t, s.Handler(), http.MethodPost, "/donor/verify-email/confirm",
		map[string]string{"token": "verify-token-1"}, nil)
	if confirm.Code != http.StatusNoContent {
		t.Fatalf("confirm status = %d body %s", confirm.Code, confirm.Body.String())
	}

	refreshed, err := store.GetDonor(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("reload donor: %v", err)
	}
	if !refreshed.EmailVerified() {
		t.Error("donor should be verified after confirm")
	}
}

func TestDonorMedia(t *testing.T) {
	t.Run("unconfigured adapter conflicts", func(t *testing.T) {
		s, store := testServer(t, nil)
		d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)
		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/media/pin", nil, donorBearer(t, s, d.ID))
		if rr.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rr.Code)
		}
		if code := errorCode(t, rr); code != string(apperrors.CodeAdapterNotConfigured) {
			t.Errorf("code = %s", code)
		}
	})

	t.Run("pin poll links the account", func(t *testing.T) {
		auth := &fakeMediaAuth{
			configured: true,
			pin:        mediaauth.Pin{PinID: 42, Code: "ABCD", AuthURL: "https://media.test/link/ABCD", ExpiresAt: testNow.Add(15 * time.Minute)},
			poll:       mediaauth.PollResult{State: mediaauth.PinAuthorized, AuthToken: "media-token"},
			identity:   mediaauth.Identity{MediaAccountID: "acct-9", MediaEmail: "viewer@media.test"},
		}
		s, store := testServer(t, func(cfg *Config) { cfg.MediaAuth = auth })
		d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)
		bearer := donorBearer(t, s, d.ID)

		pin := doJSON(t, s.Handler(), http.MethodPost, "/donor/media/pin", nil, bearer)
		if pin.Code != http.StatusCreated {
			t.Fatalf("pin status = %d body %s", pin.Code, pin.Body.String())
		}
		var pinBody struct {
			PinID int64  `json:"pin_id"`
			Code  string `json:"code"`
		}
		decodeJSON(t, pin, &pinBody)
		if pinBody.PinID != 42 || pinBody.Code != "ABCD" {
			t.Errorf("pin = %+v", pinBody)
		}

		poll := doJSON(t, s.Handler(), http.MethodPost, "/donor/media/poll",
			map[string]int64{"pin_id": 42}, donorBearer(t, s, d.ID))
		if poll.Code != http.StatusOK {
			t.Fatalf("poll status = %d body %s", poll.Code, poll.Body.String())
		}
		var pollBody struct {
			State string     `json:"state"`
			Donor *donorView `json:"donor"`
		}
		decodeJSON(t, poll, &pollBody)
		if pollBody.State != "linked" {
			t.Fatalf("state = %s, want linked", pollBody.State)
		}
		if pollBody.Donor == nil || !pollBody.Donor.MediaLinked || pollBody.Donor.MediaEmail != "viewer@media.test" {
			t.Errorf("donor after link = %+v", pollBody.Donor)
		}
	})

	t.Run("unlink clears the identity", func(t *testing.T) {
		auth := &fakeMediaAuth{configured: true}
		s, store := testServer(t, func(cfg *Config) { cfg.MediaAuth = auth })
		d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)
		if err := store.LinkDonorMedia(context.Background(), d.ID, "acct-9", "viewer@media.test", testNow); err != nil {
			t.Fatalf("link media: %v", err)
		}

		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/media/unlink", nil, donorBearer(t, s, d.ID))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		refreshed, err := store.GetDonor(context.Background(), d.ID)
		if err != nil {
			t.Fatalf("reload donor: %v", err)
		}
		if refreshed.MediaLinked() {
			t.Error("media identity should be cleared")
		}
	})
}

func TestDonorInvite(t *testing.T) {
	t.Run("unconfigured provisioner conflicts", func(t *testing.T) {
		s, store := testServer(t, nil)
		d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)
		rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/invite",
			map[string]string{"recipient_email": "friend@example.com"}, donorBearer(t, s, d.ID))
		if rr.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rr.Code)
		}
		if code := errorCode(t, rr); code != string(apperrors.CodeAdapterNotConfigured) {
			t.Errorf("code = %s", code)
		}
	})

	t.Run("issues then cools down", func(t *testing.T) {
		mediaSrv := &fakeMediaServer{}
		s, store := testServer(t, func(cfg *Config) {
			cfg.Provisioner = provision.New(provision.Config{
				Store:   cfg.Store,
				Media:   mediaSrv,
				BaseURL: "https://gate.test",
				Now:     cfg.Now,
			})
		})
		d := seedLinkedDonor(t, store, "member@example.com")
		bearer := donorBearer(t, s, d.ID)

		first := doJSON(t, s.Handler(), http.MethodPost, "/donor/invite",
			map[string]string{"recipient_email": "friend@example.com"}, bearer)
		if first.Code != http.StatusCreated {
			t.Fatalf("first status = %d body %s", first.Code, first.Body.String())
		}
		var issued struct {
			Invite inviteView `json:"invite"`
			Reused bool       `json:"reused"`
		}
		decodeJSON(t, first, &issued)
		if issued.Invite.RecipientEmail != "friend@example.com" || issued.Reused {
			t.Errorf("issued = %+v", issued)
		}
		if len(mediaSrv.invites) != 1 {
			t.Fatalf("media invites = %d, want 1", len(mediaSrv.invites))
		}

		second := doJSON(t, s.Handler(), http.MethodPost, "/donor/invite",
			map[string]string{"recipient_email": "someone-else@example.com"}, donorBearer(t, s, d.ID))
		if second.Code != http.StatusConflict {
			t.Fatalf("second status = %d body %s", second.Code, second.Body.String())
		}
		if code := errorCode(t, second); code != string(apperrors.CodeInviteCooldownActive) {
			t.Errorf("code = %s", code)
		}

		repeat := doJSON(t, s.Handler(), http.MethodPost, "/donor/invite",
			map[string]string{"recipient_email": "friend@example.com"}, donorBearer(t, s, d.ID))
		if repeat.Code != http.StatusOK {
			t.Fatalf("repeat status = %d body %s", repeat.Code, repeat.Body.String())
		}
		decodeJSON(t, repeat, &issued)
		if !issued.Reused {
			t.Error("same-recipient repeat should reuse the active invite")
		}
	})
}

func seedLinkedDonor(t *testing.T, store storage.Store, email string) donor.Donor {
	t.Helper()
	d := seedCredentialedDonor(t, store, email, "hunter2-secret", donor.StatusActive)
	if err := store.LinkDonorMedia(context.Background(), d.ID, "acct-1", "member@media.test", testNow); err != nil {
		t.Fatalf("link media: %v", err)
	}
	linked, err := store.GetDonor(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("reload donor: %v", err)
	}
	return linked
}

func TestDonorSupport(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	s, store := testServer(t, func(cfg *Config) { cfg.Mailer = mailer })
	seedMailSettings(t, store)
	d := seedCredentialedDonor(t, store, "member@example.com", "hunter2-secret", donor.StatusActive)
	other := seedCredentialedDonor(t, store, "other@example.com", "hunter2-secret", donor.StatusActive)

	rr := doJSON(t, s.Handler(), http.MethodPost, "/donor/support",
		map[string]string{"subject": "Playback stutters", "body": "Streams buffer every night."},
		donorBearer(t, s, d.ID))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d body %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Request supportRequestView `json:"request"`
	}
	decodeJSON(t, rr, &created)
	if created.Request.Subject != "Playback stutters" {
		t.Errorf("subject = %s", created.Request.Subject)
	}

	t.Run("empty subject rejected", func(t *testing.T) {
		bad := doJSON(t, s.Handler(), http.MethodPost, "/donor/support",
			map[string]string{"subject": "  ", "body": "text"}, donorBearer(t, s, d.ID))
		if bad.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", bad.Code)
		}
	})

	t.Run("thread is owner-scoped", func(t *testing.T) {
		path := "/donor/support/" + itoa(created.Request.ID) + "/messages"
		foreign := doJSON(t, s.Handler(), http.MethodGet, path, nil, donorBearer(t, s, other.ID))
		if foreign.Code != http.StatusNotFound {
			t.Errorf("foreign access status = %d, want 404", foreign.Code)
		}

		mine := doJSON(t, s.Handler(), http.MethodGet, path, nil, donorBearer(t, s, d.ID))
		if mine.Code != http.StatusOK {
			t.Fatalf("own access status = %d body %s", mine.Code, mine.Body.String())
		}
		var messages []supportMessageView
		decodeJSON(t, mine, &messages)
		if len(messages) != 1 || messages[0].Author != "donor" {
			t.Errorf("messages = %+v", messages)
		}
	})

	t.Run("reply appends to the thread", func(t *testing.T) {
		path := "/donor/support/" + itoa(created.Request.ID) + "/messages"
		reply := doJSON(t, s.Handler(), http.MethodPost, path,
			map[string]string{"body": "It happens on movies too."}, donorBearer(t, s, d.ID))
		if reply.Code != http.StatusCreated {
			t.Fatalf("reply status = %d body %s", reply.Code, reply.Body.String())
		}
	})

	if len(mailer.support) != 1 {
		t.Errorf("support notifications = %d, want exactly one on thread creation", len(mailer.support))
	}
}
