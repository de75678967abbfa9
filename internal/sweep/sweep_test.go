package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/payment"
	"github.com/donorgate/donorgate/internal/settings"
	"github.com/donorgate/donorgate/internal/storage"
	"github.com/donorgate/donorgate/internal/storage/sqlite"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSubscriptions struct {
	configured bool
	subs       map[string]payment.Subscription
	fetched    []string
}

func (f *fakeSubscriptions) IsConfigured() bool { return f.configured }

func (f *fakeSubscriptions) GetSubscription(_ context.Context, id string) (payment.Subscription, error) {
	f.fetched = append(f.fetched, id)
	sub, ok := f.subs[id]
	if !ok {
		return payment.Subscription{}, fmt.Errorf("subscription %s not found", id)
	}
	return sub, nil
}

type fakeRevoker struct {
	donorIDs []int64
	err      error
}

func (f *fakeRevoker) RevokeForDonor(_ context.Context, d donor.Donor) error {
	if f.err != nil {
		return f.err
	}
	f.donorIDs = append(f.donorIDs, d.ID)
	return nil
}

type fakeReminderMailer struct {
	to      []string
	expires []time.Time
	urls    []string
	err     error
}

func (f *fakeReminderMailer) SendTrialReminder(_ context.Context, to, _ string, expiresAt time.Time, dashboardURL string) error {
	if f.err != nil {
		return f.err
	}
	f.to = append(f.to, to)
	f.expires = append(f.expires, expiresAt)
	f.urls = append(f.urls, dashboardURL)
	return nil
}

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

func testSweeper(t *testing.T, store *sqlite.Store) (*Sweeper, *fakeSubscriptions, *fakeRevoker, *fakeReminderMailer) {
	t.Helper()
	subs := &fakeSubscriptions{configured: true, subs: map[string]payment.Subscription{}}
	revoker := &fakeRevoker{}
	mailer := &fakeReminderMailer{}
	sweeper := New(Config{
		Store:   store,
		Payment: subs,
		Revoker: revoker,
		Mailer:  mailer,
		BaseURL: "https://gate.example.org",
		Now:     func() time.Time { return testNow },
	})
	return sweeper, subs, revoker, mailer
}

func seedDonor(t *testing.T, store *sqlite.Store, email, subscriptionID string, status donor.Status, expiresAt *time.Time) donor.Donor {
	t.Helper()
	seeded := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, err := store.CreateDonor(context.Background(), donor.Donor{
		Email:           email,
		Name:            "Sam Donor",
		SubscriptionID:  subscriptionID,
		Status:          status,
		AccessExpiresAt: expiresAt,
		MediaAccountID:  "media-9001",
		CreatedAt:       seeded,
		UpdatedAt:       seeded,
	})
	if err != nil {
		t.Fatalf("seed donor: %v", err)
	}
	return d
}

func expirationRows(t *testing.T, store *sqlite.Store, donorID int64) []storage.Event {
	t.Helper()
	events, err := store.ListEventsByDonor(context.Background(), donorID, 20)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var rows []storage.Event
	for _, e := range events {
		if e.Type == donor.EventAccessExpirationReached {
			rows = append(rows, e)
		}
	}
	return rows
}

func TestSweepExpirationsRevokesAndClears(t *testing.T) {
	store := openStore(t)
	sweeper, _, revoker, _ := testSweeper(t, store)
	elapsed := testNow.Add(-time.Hour)
	future := testNow.Add(48 * time.Hour)
	expired := seedDonor(t, store, "lapsed@example.org", "I-EXP", donor.StatusCancelled, &elapsed)
	graced := seedDonor(t, store, "graced@example.org", "I-GRACE", donor.StatusCancelled, &future)

	sweeper.SweepExpirations(context.Background())

	got, err := store.GetDonor(context.Background(), expired.ID)
	if err != nil {
		t.Fatalf("load donor: %v", err)
	}
	if got.Status != donor.StatusExpired {
		t.Fatalf("status = %v, want expired", got.Status)
	}
	if got.AccessExpiresAt != nil {
		t.Fatalf("access expiry = %v, want cleared", got.AccessExpiresAt)
	}

	rows := expirationRows(t, store, expired.ID)
	if len(rows) != 1 {
		t.Fatalf("expiration audit rows = %d, want 1", len(rows))
	}
	var payload map[string]string
	if err := json.Unmarshal(rows[0].PayloadJSON, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["from"] != "cancelled" || payload["to"] != "expired" {
		t.Fatalf("payload = %v, want from=cancelled to=expired", payload)
	}

	if len(revoker.donorIDs) != 1 || revoker.donorIDs[0] != expired.ID {
		t.Fatalf("revoked donors = %v, want [%d]", revoker.donorIDs, expired.ID)
	}

	untouched, err := store.GetDonor(context.Background(), graced.ID)
	if err != nil {
		t.Fatalf("load graced donor: %v", err)
	}
	if untouched.Status != donor.StatusCancelled || untouched.AccessExpiresAt == nil {
		t.Fatalf("graced donor = %v %v, want cancelled with expiry kept", untouched.Status, untouched.AccessExpiresAt)
	}
}

func TestSweepExpirationsEndsTrialAsTrialExpired(t *testing.T) {
	store := openStore(t)
	sweeper, _, _, _ := testSweeper(t, store)
	elapsed := testNow.Add(-time.Minute)
	d := seedDonor(t, store, "trial@example.org", "", donor.StatusTrial, &elapsed)

	sweeper.SweepExpirations(context.Background())

	got, err := store.GetDonor(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("load donor: %v", err)
	}
	if got.Status != donor.StatusTrialExpired {
		t.Fatalf("status = %v, want trial_expired", got.Status)
	}
	if got.AccessExpiresAt != nil {
		t.Fatalf("access expiry = %v, want cleared", got.AccessExpiresAt)
	}
	rows := expirationRows(t, store, d.ID)
	if len(rows) != 1 {
		t.Fatalf("expiration audit rows = %d, want 1", len(rows))
	}
}

func TestSweepExpirationsRetriesAfterRevokeFailure(t *testing.T) {
	store := openStore(t)
	sweeper, _, revoker, _ := testSweeper(t, store)
	elapsed := testNow.Add(-time.Hour)
	d := seedDonor(t, store, "lapsed@example.org", "I-RETRY", donor.StatusCancelled, &elapsed)

	revoker.err = fmt.Errorf("media server unreachable")
	sweeper.SweepExpirations(context.Background())

	partial, err := store.GetDonor(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("load donor: %v", err)
	}
	if partial.Status != donor.StatusExpired {
		t.Fatalf("status = %v, want expired even when revocation fails", partial.Status)
	}
	if partial.AccessExpiresAt == nil {
		t.Fatal("access expiry must stay set until the revocation succeeds")
	}

	revoker.err = nil
	sweeper.SweepExpirations(context.Background())

	cleared, err := store.GetDonor(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("load donor: %v", err)
	}
	if cleared.AccessExpiresAt != nil {
		t.Fatalf("access expiry = %v, want cleared after retry", cleared.AccessExpiresAt)
	}
	if len(revoker.donorIDs) != 1 || revoker.donorIDs[0] != d.ID {
		t.Fatalf("revoked donors = %v, want [%d]", revoker.donorIDs, d.ID)
	}
	// The retry re-runs revocation without appending a second audit row.
	if rows := expirationRows(t, store, d.ID); len(rows) != 1 {
		t.Fatalf("expiration audit rows = %d, want 1", len(rows))
	}
}

func TestSweepExpirationsDeletesExpiredTokens(t *testing.T) {
	store := openStore(t)
	sweeper, _, _, _ := testSweeper(t, store)
	d := seedDonor(t, store, "donor@example.org", "", donor.StatusActive, nil)

	stale, err := store.CreateToken(context.Background(), storage.Token{
		Token:     "stale-token",
		Kind:      storage.TokenKindVerification,
		DonorID:   d.ID,
		CreatedAt: testNow.Add(-48 * time.Hour),
		ExpiresAt: testNow.Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed token: %v", err)
	}

	sweeper.SweepExpirations(context.Background())

	// Probe at a time the token was still valid: a surviving row would
	// consume, a deleted one reads as not found.
	before := testNow.Add(-36 * time.Hour)
	if _, err := store.ConsumeToken(context.Background(), stale.Kind, stale.Token, before); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("consume after sweep: %v, want not found", err)
	}
}

func TestSweepRefreshesActivatesPendingDonor(t *testing.T) {
	store := openStore(t)
	sweeper, subs, _, _ := testSweeper(t, store)
	d := seedDonor(t, store, "pending@example.org", "I-R1", donor.StatusPending, nil)
	paidAt := testNow.Add(-2 * time.Hour)
	subs.subs["I-R1"] = payment.Subscription{
		ID:              "I-R1",
		Status:          payment.SubscriptionActive,
		LastPaymentTime: &paidAt,
	}

	sweeper.SweepRefreshes(context.Background())

	got, err := store.GetDonor(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("load donor: %v", err)
	}
	if got.Status != donor.StatusActive {
		t.Fatalf("status = %v, want active", got.Status)
	}
	if got.LastPaymentAt == nil || !got.LastPaymentAt.Equal(paidAt) {
		t.Fatalf("last payment at = %v, want %v", got.LastPaymentAt, paidAt)
	}
	if got.SubscriptionRefreshedAt == nil || !got.SubscriptionRefreshedAt.Equal(testNow) {
		t.Fatalf("refreshed at = %v, want %v", got.SubscriptionRefreshedAt, testNow)
	}

	events, err := store.ListEventsByDonor(context.Background(), d.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var refreshed int
	for _, e := range events {
		if e.Type != "donor.subscription.refreshed" {
			continue
		}
		refreshed++
		var payload map[string]string
		if err := json.Unmarshal(e.PayloadJSON, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["status"] != payment.SubscriptionActive {
			t.Fatalf("payload status = %q, want %q", payload["status"], payment.SubscriptionActive)
		}
	}
	if refreshed != 1 {
		t.Fatalf("refresh audit rows = %d, want 1", refreshed)
	}
}

func TestSweepRefreshesCancelledEntersGrace(t *testing.T) {
	store := openStore(t)
	sweeper, subs, _, _ := testSweeper(t, store)
	d := seedDonor(t, store, "active@example.org", "I-R2", donor.StatusActive, nil)
	nextBilling := testNow.Add(19 * 24 * time.Hour)
	subs.subs["I-R2"] = payment.Subscription{
		ID:              "I-R2",
		Status:          payment.SubscriptionCancelled,
		NextBillingTime: &nextBilling,
	}

	sweeper.SweepRefreshes(context.Background())

	got, err := store.GetDonor(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("load donor: %v", err)
	}
	if got.Status != donor.StatusCancelled {
		t.Fatalf("status = %v, want cancelled", got.Status)
	}
	if got.AccessExpiresAt == nil || !got.AccessExpiresAt.Equal(nextBilling) {
		t.Fatalf("access expiry = %v, want %v", got.AccessExpiresAt, nextBilling)
	}
}

func TestSweepRefreshesSkipsUnconfiguredProcessor(t *testing.T) {
	store := openStore(t)
	sweeper, subs, _, _ := testSweeper(t, store)
	subs.configured = false
	d := seedDonor(t, store, "pending@example.org", "I-R3", donor.StatusPending, nil)

	sweeper.SweepRefreshes(context.Background())

	if len(subs.fetched) != 0 {
		t.Fatalf("fetched = %v, want none while unconfigured", subs.fetched)
	}
	got, err := store.GetDonor(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("load donor: %v", err)
	}
	if got.Status != donor.StatusPending || got.SubscriptionRefreshedAt != nil {
		t.Fatalf("donor = %v %v, want untouched", got.Status, got.SubscriptionRefreshedAt)
	}
}

func TestSweepRefreshesFetchFailureLeavesDonorDue(t *testing.T) {
	store := openStore(t)
	sweeper, subs, _, _ := testSweeper(t, store)
	d := seedDonor(t, store, "pending@example.org", "I-MISSING", donor.StatusPending, nil)

	sweeper.SweepRefreshes(context.Background())

	if len(subs.fetched) != 1 {
		t.Fatalf("fetched = %v, want one attempt", subs.fetched)
	}
	got, err := store.GetDonor(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("load donor: %v", err)
	}
	if got.SubscriptionRefreshedAt != nil {
		t.Fatal("a failed fetch must not mark the donor refreshed")
	}
}

func TestSweepTrialRemindersMarksSent(t *testing.T) {
	store := openStore(t)
	sweeper, _, _, mailer := testSweeper(t, store)
	soon := testNow.Add(24 * time.Hour)
	far := testNow.Add(10 * 24 * time.Hour)
	due := seedDonor(t, store, "trial@example.org", "", donor.StatusTrial, &soon)
	seedDonor(t, store, "fresh-trial@example.org", "", donor.StatusTrial, &far)

	sweeper.SweepTrialReminders(context.Background())

	if len(mailer.to) != 1 || mailer.to[0] != "trial@example.org" {
		t.Fatalf("reminder recipients = %v, want [trial@example.org]", mailer.to)
	}
	if !mailer.expires[0].Equal(soon) {
		t.Fatalf("reminder expiry = %v, want %v", mailer.expires[0], soon)
	}
	if mailer.urls[0] != "https://gate.example.org/dashboard" {
		t.Fatalf("dashboard url = %q, want the gateway dashboard", mailer.urls[0])
	}

	got, err := store.GetDonor(context.Background(), due.ID)
	if err != nil {
		t.Fatalf("load donor: %v", err)
	}
	if got.TrialReminderSentAt == nil || !got.TrialReminderSentAt.Equal(testNow) {
		t.Fatalf("reminder sent at = %v, want %v", got.TrialReminderSentAt, testNow)
	}

	// Reminders go out once; the second pass finds nobody due.
	sweeper.SweepTrialReminders(context.Background())
	if len(mailer.to) != 1 {
		t.Fatalf("reminders after repeat = %d, want 1", len(mailer.to))
	}
}

func TestSweepTrialRemindersRetryAfterMailFailure(t *testing.T) {
	store := openStore(t)
	sweeper, _, _, mailer := testSweeper(t, store)
	soon := testNow.Add(12 * time.Hour)
	d := seedDonor(t, store, "trial@example.org", "", donor.StatusTrial, &soon)

	mailer.err = fmt.Errorf("relay unreachable")
	sweeper.SweepTrialReminders(context.Background())

	got, err := store.GetDonor(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("load donor: %v", err)
	}
	if got.TrialReminderSentAt != nil {
		t.Fatal("a failed send must not mark the reminder")
	}

	mailer.err = nil
	sweeper.SweepTrialReminders(context.Background())
	if len(mailer.to) != 1 {
		t.Fatalf("reminders = %d, want 1 after retry", len(mailer.to))
	}
}

func TestSweepTrialRemindersHonorConfiguredWindow(t *testing.T) {
	store := openStore(t)
	sweeper, _, _, mailer := testSweeper(t, store)
	if err := store.SaveSettings(context.Background(), settings.GroupTrial, json.RawMessage(`{"enabled":true,"duration_days":14,"reminder_hours":1}`)); err != nil {
		t.Fatalf("save trial settings: %v", err)
	}
	insideDefault := testNow.Add(24 * time.Hour)
	insideNarrow := testNow.Add(30 * time.Minute)
	seedDonor(t, store, "later@example.org", "", donor.StatusTrial, &insideDefault)
	seedDonor(t, store, "imminent@example.org", "", donor.StatusTrial, &insideNarrow)

	sweeper.SweepTrialReminders(context.Background())

	if len(mailer.to) != 1 || mailer.to[0] != "imminent@example.org" {
		t.Fatalf("reminder recipients = %v, want only the imminent trial", mailer.to)
	}
}
