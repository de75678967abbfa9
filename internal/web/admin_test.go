package web

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/settings"
	"github.com/donorgate/donorgate/internal/storage"
)

func TestAdminLogin(t *testing.T) {
	s, _ := testServer(t, nil)

	t.Run("rejects bad credentials", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/login",
			map[string]string{"username": "admin", "password": "wrong"}, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}
	})

	t.Run("issues cookie and csrf token", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/login",
			map[string]string{"username": "admin", "password": "adminpass"}, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		var body struct {
			CSRFToken string `json:"csrf_token"`
		}
		decodeJSON(t, rr, &body)
		if body.CSRFToken == "" {
			t.Error("expected a csrf token")
		}
		if len(rr.Result().Cookies()) == 0 {
			t.Error("expected a session cookie")
		}
	})
}

func TestAdminAuthGates(t *testing.T) {
	s, store := testServer(t, nil)
	d := seedDonor(t, store, "member@example.com", donor.StatusActive)

	t.Run("reads require the session cookie", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodGet, "/admin/subscribers", nil, nil)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rr.Code)
		}
		if code := errorCode(t, rr); code != string(apperrors.CodeAuthForbidden) {
			t.Errorf("code = %s", code)
		}
	})

	t.Run("mutations require the csrf header", func(t *testing.T) {
		creds := adminCreds(t, s)
		rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/subscribers/"+itoa(d.ID)+"/override",
			map[string]string{"status": "active"}, func(req *http.Request) {
				creds(req)
				req.Header.Del("X-CSRF-Token")
			})
		if rr.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rr.Code)
		}
		if code := errorCode(t, rr); code != string(apperrors.CodeAuthCSRFMismatch) {
			t.Errorf("code = %s", code)
		}
	})
}

func TestAdminSubscribers(t *testing.T) {
	s, store := testServer(t, nil)
	a := seedDonor(t, store, "alpha@example.com", donor.StatusActive)
	seedDonor(t, store, "beta@example.com", donor.StatusTrial)
	creds := adminCreds(t, s)

	t.Run("lists every donor", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodGet, "/admin/subscribers", nil, creds)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		var list []donorView
		decodeJSON(t, rr, &list)
		if len(list) != 2 {
			t.Errorf("donors = %d, want 2", len(list))
		}
	})

	t.Run("detail includes history", func(t *testing.T) {
		if _, err := store.AppendEvent(context.Background(), storage.Event{
			Type:    "donor.note",
			DonorID: a.ID,
		}); err != nil {
			t.Fatalf("append event: %v", err)
		}
		rr := doJSON(t, s.Handler(), http.MethodGet, "/admin/subscribers/"+itoa(a.ID), nil, creds)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		var detail struct {
			Donor  donorView   `json:"donor"`
			Events []eventView `json:"events"`
		}
		decodeJSON(t, rr, &detail)
		if detail.Donor.ID != a.ID {
			t.Errorf("donor id = %d", detail.Donor.ID)
		}
		if len(detail.Events) == 0 {
			t.Error("expected the appended event in the detail view")
		}
	})

	t.Run("unknown donor is 404", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodGet, "/admin/subscribers/99999", nil, creds)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})
}

func TestAdminOverride(t *testing.T) {
	t.Run("promotes to active and clears the deadline", func(t *testing.T) {
		s, store := testServer(t, nil)
		creds := adminCreds(t, s)
		d := seedDonor(t, store, "member@example.com", donor.StatusTrial)
		expiry := testNow.Add(48 * time.Hour)
		trial := d
		trial.AccessExpiresAt = &expiry
		trial.UpdatedAt = testNow
		if _, err := store.UpdateDonor(context.Background(), trial); err != nil {
			t.Fatalf("set expiry: %v", err)
		}

		rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/subscribers/"+itoa(d.ID)+"/override",
			map[string]string{"status": "active"}, creds)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		var view donorView
		decodeJSON(t, rr, &view)
		if view.Status != donor.StatusLabel(donor.StatusActive) {
			t.Errorf("status = %s, want active", view.Status)
		}
		if view.AccessExpiresAt != nil {
			t.Errorf("access_expires_at = %v, want cleared", view.AccessExpiresAt)
		}

		refreshed, err := store.GetDonor(context.Background(), d.ID)
		if err != nil {
			t.Fatalf("reload donor: %v", err)
		}
		if refreshed.AccessExpiresAt != nil {
			t.Error("expiry should be cleared in storage too")
		}
	})

	t.Run("rejects unknown labels", func(t *testing.T) {
		s, store := testServer(t, nil)
		creds := adminCreds(t, s)
		d := seedDonor(t, store, "member@example.com", donor.StatusActive)

		rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/subscribers/"+itoa(d.ID)+"/override",
			map[string]string{"status": "platinum"}, creds)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rr.Code)
		}
		if code := errorCode(t, rr); code != string(apperrors.CodeDonorStatusInvalid) {
			t.Errorf("code = %s", code)
		}
	})
}

func TestAdminRevoke(t *testing.T) {
	s, store := testServer(t, nil)
	creds := adminCreds(t, s)
	d := seedDonor(t, store, "member@example.com", donor.StatusActive)

	rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/subscribers/"+itoa(d.ID)+"/revoke", nil, creds)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
	}
	var view donorView
	decodeJSON(t, rr, &view)
	if view.Status != donor.StatusLabel(donor.StatusCancelled) {
		t.Errorf("status = %s, want cancelled", view.Status)
	}
	if view.AccessExpiresAt == nil || !view.AccessExpiresAt.Equal(testNow) {
		t.Errorf("access_expires_at = %v, want the revocation instant", view.AccessExpiresAt)
	}

	events, err := store.ListEventsByDonor(context.Background(), d.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Type == "admin.revoke" {
			found = true
		}
	}
	if !found {
		t.Error("expected an admin.revoke audit row")
	}
}

func TestAdminSettings(t *testing.T) {
	t.Run("save normalises and reloads", func(t *testing.T) {
		var reloaded []string
		s, store := testServer(t, func(cfg *Config) {
			cfg.Reload = func(ctx context.Context, group string) { reloaded = append(reloaded, group) }
		})
		creds := adminCreds(t, s)

		rr := doJSON(t, s.Handler(), http.MethodPut, "/admin/settings/trial",
			map[string]any{"duration_days": 7}, creds)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		var saved settings.Trial
		decodeJSON(t, rr, &saved)
		if saved.DurationDays != 7 {
			t.Errorf("duration_days = %d, want 7", saved.DurationDays)
		}
		if len(reloaded) != 1 || reloaded[0] != settings.GroupTrial {
			t.Errorf("reloaded = %v", reloaded)
		}

		blob, err := store.GetSettings(context.Background(), settings.GroupTrial)
		if err != nil {
			t.Fatalf("get settings: %v", err)
		}
		stored := settings.Decode(blob, settings.DefaultTrial)
		if stored.DurationDays != 7 {
			t.Errorf("stored duration = %d", stored.DurationDays)
		}
	})

	t.Run("unknown group is 404", func(t *testing.T) {
		s, _ := testServer(t, nil)
		creds := adminCreds(t, s)
		rr := doJSON(t, s.Handler(), http.MethodGet, "/admin/settings/nonsense", nil, creds)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("test runs the diagnostic without saving", func(t *testing.T) {
		tester := &fakeTester{diag: Diagnostic{OK: true, Detail: "250 ok"}}
		s, store := testServer(t, func(cfg *Config) { cfg.Tester = tester })
		creds := adminCreds(t, s)

		rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/settings/mail/test",
			map[string]any{"host": "mail.test", "port": 587}, creds)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		var diag Diagnostic
		decodeJSON(t, rr, &diag)
		if !diag.OK || diag.Detail != "250 ok" {
			t.Errorf("diag = %+v", diag)
		}
		if len(tester.groups) != 1 || tester.groups[0] != settings.GroupMail {
			t.Errorf("tested groups = %v", tester.groups)
		}

		blob, err := store.GetSettings(context.Background(), settings.GroupMail)
		if err != nil {
			t.Fatalf("get settings: %v", err)
		}
		if settings.Decode(blob, settings.DefaultMail).Host != "" {
			t.Error("test must not persist the probed value")
		}
	})
}

func TestAdminEvents(t *testing.T) {
	s, store := testServer(t, nil)
	creds := adminCreds(t, s)
	for _, typ := range []string{"donor.one", "donor.two", "donor.three"} {
		if _, err := store.AppendEvent(context.Background(), storage.Event{Type: typ}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	t.Run("rejects bad page size", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodGet, "/admin/events?page_size=zero", nil, creds)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("pages through history", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodGet, "/admin/events?page_size=2", nil, creds)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		var page struct {
			Events        []eventView `json:"events"`
			NextPageToken string      `json:"next_page_token"`
		}
		decodeJSON(t, rr, &page)
		if len(page.Events) != 2 {
			t.Fatalf("events = %d, want 2", len(page.Events))
		}
		if page.NextPageToken == "" {
			t.Fatal("expected a next page token")
		}

		rest := doJSON(t, s.Handler(), http.MethodGet,
			"/admin/events?page_size=2&page_token="+page.NextPageToken, nil, creds)
		if rest.Code != http.StatusOK {
			t.Fatalf("second page status = %d", rest.Code)
		}
		decodeJSON(t, rest, &page)
		if len(page.Events) != 1 {
			t.Errorf("second page events = %d, want 1", len(page.Events))
		}
	})
}

func TestAdminAnnouncements(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	s, store := testServer(t, func(cfg *Config) { cfg.Mailer = mailer })
	creds := adminCreds(t, s)

	verified := seedDonor(t, store, "verified@example.com", donor.StatusActive)
	if err := store.MarkDonorEmailVerified(context.Background(), verified.ID, testNow); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	seedDonor(t, store, "unverified@example.com", donor.StatusActive)

	rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/announcements/send",
		map[string]string{"subject": "Maintenance window", "body": "Sunday 02:00 UTC."}, creds)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
	}
	var report struct {
		Sent   int `json:"sent"`
		Failed int `json:"failed"`
	}
	decodeJSON(t, rr, &report)
	if report.Sent != 1 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(mailer.announced) != 1 || mailer.announced[0].Email != "verified@example.com" {
		t.Errorf("recipients = %+v, want only the verified donor", mailer.announced)
	}
}

func TestAdminShareLinks(t *testing.T) {
	s, store := testServer(t, nil)
	creds := adminCreds(t, s)

	t.Run("claims a prospect and mints once", func(t *testing.T) {
		first := doJSON(t, s.Handler(), http.MethodPost, "/admin/sharelinks",
			map[string]string{"email": "future@example.com", "name": "Future Member"}, creds)
		if first.Code != http.StatusCreated {
			t.Fatalf("first status = %d body %s", first.Code, first.Body.String())
		}
		var minted struct {
			ProspectID int64         `json:"prospect_id"`
			ShareLink  shareLinkView `json:"share_link"`
		}
		decodeJSON(t, first, &minted)
		if minted.ProspectID == 0 || minted.ShareLink.Token == "" {
			t.Fatalf("minted = %+v", minted)
		}
		if minted.ShareLink.URL != "https://gate.test/share/"+minted.ShareLink.Token {
			t.Errorf("url = %s", minted.ShareLink.URL)
		}

		second := doJSON(t, s.Handler(), http.MethodPost, "/admin/sharelinks",
			map[string]string{"email": "future@example.com"}, creds)
		if second.Code != http.StatusOK {
			t.Fatalf("second status = %d body %s", second.Code, second.Body.String())
		}
		var reused struct {
			ProspectID int64         `json:"prospect_id"`
			ShareLink  shareLinkView `json:"share_link"`
		}
		decodeJSON(t, second, &reused)
		if reused.ProspectID != minted.ProspectID || reused.ShareLink.Token != minted.ShareLink.Token {
			t.Errorf("reuse = %+v, want the original link", reused)
		}
	})

	t.Run("registered email conflicts", func(t *testing.T) {
		seedDonor(t, store, "joined@example.com", donor.StatusActive)

		rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/sharelinks",
			map[string]string{"email": "joined@example.com"}, creds)
		if rr.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rr.Code)
		}
		if code := errorCode(t, rr); code != string(apperrors.CodeConflictingOwner) {
			t.Errorf("code = %s", code)
		}
	})
}

func TestAdminSupport(t *testing.T) {
	s, store := testServer(t, nil)
	creds := adminCreds(t, s)
	d := seedDonor(t, store, "member@example.com", donor.StatusActive)

	req, err := store.CreateSupportRequest(context.Background(), storage.SupportRequest{
		DonorID:   d.ID,
		Subject:   "Cannot stream",
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}, storage.SupportMessage{
		Author:    storage.SupportAuthorDonor,
		Body:      "Nothing plays since yesterday.",
		CreatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("seed support request: %v", err)
	}

	t.Run("reply lands in the thread", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/support/"+itoa(req.ID)+"/messages",
			map[string]string{"body": "Restart the app and try again."}, creds)
		if rr.Code != http.StatusCreated {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}

		detail := doJSON(t, s.Handler(), http.MethodGet, "/admin/support/"+itoa(req.ID), nil, creds)
		if detail.Code != http.StatusOK {
			t.Fatalf("detail status = %d", detail.Code)
		}
		var thread struct {
			Request  supportRequestView   `json:"request"`
			Messages []supportMessageView `json:"messages"`
		}
		decodeJSON(t, detail, &thread)
		if len(thread.Messages) != 2 {
			t.Fatalf("messages = %d, want 2", len(thread.Messages))
		}
		if thread.Messages[1].Author != "admin" {
			t.Errorf("reply author = %s, want admin", thread.Messages[1].Author)
		}
	})

	t.Run("resolve closes the request", func(t *testing.T) {
		rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/support/"+itoa(req.ID)+"/resolve", nil, creds)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		reloaded, err := store.GetSupportRequest(context.Background(), req.ID)
		if err != nil {
			t.Fatalf("reload request: %v", err)
		}
		if !reloaded.Resolved {
			t.Error("request should be resolved")
		}
	})
}
