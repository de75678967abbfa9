package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/mail"
	"github.com/donorgate/donorgate/internal/media"
	"github.com/donorgate/donorgate/internal/mediaauth"
	"github.com/donorgate/donorgate/internal/payment"
	"github.com/donorgate/donorgate/internal/settings"
	"github.com/donorgate/donorgate/internal/storage"
	"github.com/donorgate/donorgate/internal/storage/sqlite"
)

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

// testServer wires a Server against a temp store with a fixed clock.
// mutate adjusts the config before construction, typically to attach
// fakes for the adapter surfaces a test exercises.
func testServer(t *testing.T, mutate func(*Config)) (*Server, *sqlite.Store) {
	t.Helper()
	store := openStore(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("adminpass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash admin password: %v", err)
	}
	cfg := Config{
		Addr:              ":0",
		BaseURL:           "https://gate.test",
		SessionSecret:     "test-session-secret",
		AdminUsername:     "admin",
		AdminPasswordHash: string(hash),
		Store:             store,
		Now:               func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return server, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, payload any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decodeJSON(t, rr, &body)
	return body.Error.Code
}

func seedDonor(t *testing.T, store storage.Store, email string, status donor.Status) donor.Donor {
	t.Helper()
	seeded := testNow.Add(-60 * 24 * time.Hour)
	d, err := store.CreateDonor(context.Background(), donor.Donor{
		Email:     email,
		Status:    status,
		CreatedAt: seeded,
		UpdatedAt: seeded,
	})
	if err != nil {
		t.Fatalf("seed donor %s: %v", email, err)
	}
	return d
}

func seedCredentialedDonor(t *testing.T, store storage.Store, email, password string, status donor.Status) donor.Donor {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	seeded := testNow.Add(-60 * 24 * time.Hour)
	d, err := store.CreateDonor(context.Background(), donor.Donor{
		Email:        email,
		Status:       status,
		PasswordHash: string(hash),
		CreatedAt:    seeded,
		UpdatedAt:    seeded,
	})
	if err != nil {
		t.Fatalf("seed donor %s: %v", email, err)
	}
	return d
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

// seedMailSettings stores a from address so handlers that notify by mail
// have somewhere to send.
func seedMailSettings(t *testing.T, store storage.Store) {
	t.Helper()
	blob := json.RawMessage(`{"provider":"smtp","host":"mail.test","port":587,"from_address":"gate@example.com"}`)
	if err := store.SaveSettings(context.Background(), settings.GroupMail, blob); err != nil {
		t.Fatalf("save mail settings: %v", err)
	}
}

func donorBearer(t *testing.T, s *Server, donorID int64) func(*http.Request) {
	t.Helper()
	token, err := s.sessions.Issue(donorID)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// adminCreds logs in through the handler and returns a mutator that
// attaches the session cookie and CSRF header to later requests.
func adminCreds(t *testing.T, s *Server) func(*http.Request) {
	t.Helper()
	rr := doJSON(t, s.Handler(), http.MethodPost, "/admin/login",
		map[string]string{"username": "admin", "password": "adminpass"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin login: status %d body %s", rr.Code, rr.Body.String())
	}
	var body struct {
		CSRFToken string `json:"csrf_token"`
	}
	decodeJSON(t, rr, &body)
	cookies := rr.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("admin login set no cookie")
	}
	return func(req *http.Request) {
		for _, c := range cookies {
			req.AddCookie(c)
		}
		req.Header.Set("X-CSRF-Token", body.CSRFToken)
	}
}

type fakePayment struct {
	configured  bool
	subscribers []payment.Subscriber
	created     payment.CreatedSubscription
	err         error
}

func (f *fakePayment) IsConfigured() bool { return f.configured }

func (f *fakePayment) CreateSubscription(ctx context.Context, subscriber payment.Subscriber) (payment.CreatedSubscription, error) {
	f.subscribers = append(f.subscribers, subscriber)
	return f.created, f.err
}

type fakeMediaAuth struct {
	configured bool
	pin        mediaauth.Pin
	poll       mediaauth.PollResult
	identity   mediaauth.Identity
}

func (f *fakeMediaAuth) IsConfigured() bool { return f.configured }

func (f *fakeMediaAuth) RequestPin(ctx context.Context) (mediaauth.Pin, error) {
	return f.pin, nil
}

func (f *fakeMediaAuth) PollPin(ctx context.Context, pinID int64) (mediaauth.PollResult, error) {
	return f.poll, nil
}

func (f *fakeMediaAuth) FetchIdentity(ctx context.Context, authToken string) (mediaauth.Identity, error) {
	return f.identity, nil
}

type sentMail struct {
	To      string
	URL     string
	Subject string
}

type fakeMailer struct {
	configured    bool
	verifications []sentMail
	resets        []sentMail
	support       []sentMail
	announced     []mail.Recipient
	announceErr   error
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendVerification(ctx context.Context, to, toName, verifyURL string) error {
	f.verifications = append(f.verifications, sentMail{To: to, URL: verifyURL})
	return nil
}

func (f *fakeMailer) SendPasswordReset(ctx context.Context, to, toName, resetURL string) error {
	f.resets = append(f.resets, sentMail{To: to, URL: resetURL})
	return nil
}

func (f *fakeMailer) SendAnnouncement(ctx context.Context, subject, body string, recipients []mail.Recipient) []mail.SendResult {
	f.announced = append(f.announced, recipients...)
	results := make([]mail.SendResult, 0, len(recipients))
	for _, r := range recipients {
		results = append(results, mail.SendResult{To: r.Email, Err: f.announceErr})
	}
	return results
}

func (f *fakeMailer) SendSupportNotification(ctx context.Context, to, donorEmail, donorName, topic, body string) error {
	f.support = append(f.support, sentMail{To: to, Subject: topic})
	return nil
}

type fakeTester struct {
	groups []string
	diag   Diagnostic
	err    error
}

func (f *fakeTester) TestSettings(ctx context.Context, group string, value json.RawMessage) (Diagnostic, error) {
	f.groups = append(f.groups, group)
	return f.diag, f.err
}

// fakeMediaServer backs a real provision coordinator in invite tests.
type fakeMediaServer struct {
	invites []media.InviteRequest
	revoked []media.RevokeRequest
}

func (f *fakeMediaServer) CreateInvite(ctx context.Context, req media.InviteRequest) (media.CreatedInvite, error) {
	f.invites = append(f.invites, req)
	return media.CreatedInvite{
		InviteID:  "media-invite-1",
		InviteURL: "https://media.test/accept/media-invite-1",
		Status:    "pending",
		InvitedAt: testNow,
	}, nil
}

func (f *fakeMediaServer) RevokeUser(ctx context.Context, req media.RevokeRequest) (media.RevokeResult, error) {
	f.revoked = append(f.revoked, req)
	return media.RevokeResult{Success: true}, nil
}

func TestNewServerValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(Config{Store: nil, Addr: ":0", SessionSecret: "x"}); err == nil {
		t.Error("expected store requirement error")
	}
	store := openStore(t)
	if _, err := NewServer(Config{Store: store, Addr: "", SessionSecret: "x"}); err == nil {
		t.Error("expected address requirement error")
	}
	if _, err := NewServer(Config{Store: store, Addr: ":0", SessionSecret: "  "}); err == nil {
		t.Error("expected session secret requirement error")
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := testServer(t, nil)
	rr := doJSON(t, s.Handler(), http.MethodGet, "/up", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}
