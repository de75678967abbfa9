// Package sweep runs the gateway's periodic background loops: access
// expiration, subscription refresh against the payment processor, and
// trial-ending reminders. Each loop is scheduled on a cron table and
// guarded by singleflight, so a slow tick is never stacked on by the next
// one.
package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/payment"
	"github.com/donorgate/donorgate/internal/platform/keymutex"
	"github.com/donorgate/donorgate/internal/settings"
	"github.com/donorgate/donorgate/internal/storage"
)

// Audit row type appended after a subscription refresh.
const eventTypeSubscriptionRefreshed = "donor.subscription.refreshed"

// Tick schedules.
const (
	expirationSchedule = "@every 5m"
	refreshSchedule    = "@every 5m"
	reminderSchedule   = "@every 30m"
)

// DefaultRefreshInterval bounds how often one subscription is re-fetched
// from the processor.
const DefaultRefreshInterval = 12 * time.Hour

// SubscriptionFetcher is the payment-processor surface the refresh loop
// drives; the payment adapter implements it.
type SubscriptionFetcher interface {
	IsConfigured() bool
	GetSubscription(ctx context.Context, id string) (payment.Subscription, error)
}

// InviteRevoker removes a donor's media shares; the invite coordinator
// implements it.
type InviteRevoker interface {
	RevokeForDonor(ctx context.Context, d donor.Donor) error
}

// ReminderMailer sends trial-ending reminders; the mail adapter implements
// it.
type ReminderMailer interface {
	SendTrialReminder(ctx context.Context, to, toName string, expiresAt time.Time, dashboardURL string) error
}

// Config wires a Sweeper.
type Config struct {
	Store   storage.Store
	Payment SubscriptionFetcher
	Revoker InviteRevoker
	Mailer  ReminderMailer
	// Locks is the per-donor mutex table shared with the webhook processor
	// and the invite coordinator.
	Locks *keymutex.KeyMutex
	// BaseURL roots the dashboard link carried in reminder mail.
	BaseURL string
	// RefreshInterval defaults to DefaultRefreshInterval when zero.
	RefreshInterval time.Duration
	Now             func() time.Time
}

// Sweeper owns the three background loops. Construct with New; Start
// schedules the loops and Stop drains them.
type Sweeper struct {
	store           storage.Store
	payment         SubscriptionFetcher
	revoker         InviteRevoker
	mailer          ReminderMailer
	locks           *keymutex.KeyMutex
	baseURL         string
	refreshInterval time.Duration
	now             func() time.Time

	flight singleflight.Group
	cron   *cron.Cron
}

// New builds a Sweeper from its dependencies.
func New(cfg Config) *Sweeper {
	if cfg.Locks == nil {
		cfg.Locks = keymutex.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	return &Sweeper{
		store:           cfg.Store,
		payment:         cfg.Payment,
		revoker:         cfg.Revoker,
		mailer:          cfg.Mailer,
		locks:           cfg.Locks,
		baseURL:         strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		refreshInterval: cfg.RefreshInterval,
		now:             cfg.Now,
	}
}

// Start registers the loops on a cron scheduler and begins ticking. The
// context bounds every tick; cancelling it stops in-flight work.
func (s *Sweeper) Start(ctx context.Context) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("sweeper requires a store")
	}
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New()
	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{"expiration", expirationSchedule, s.SweepExpirations},
		{"refresh", refreshSchedule, s.SweepRefreshes},
		{"reminder", reminderSchedule, s.SweepTrialReminders},
	}
	for _, job := range jobs {
		job := job
		_, err := c.AddFunc(job.schedule, func() {
			// A tick that fires while the previous one is still running
			// joins it instead of starting a second pass.
			s.flight.Do(job.name, func() (any, error) {
				job.run(ctx)
				return nil, nil
			})
		})
		if err != nil {
			return fmt.Errorf("schedule %s sweep: %w", job.name, err)
		}
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop ends scheduling and waits for in-flight ticks, bounded by the
// context.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s == nil || s.cron == nil {
		return nil
	}
	drained := s.cron.Stop()
	select {
	case <-drained.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepExpirations revokes access for donors whose scheduled expiry has
// elapsed. The status change commits first; the expiry column clears only
// after the media revocation confirms, so a failed revocation keeps the
// donor on the list for the next tick. Expired single-use tokens are
// cleaned up at the end of the pass.
func (s *Sweeper) SweepExpirations(ctx context.Context) {
	now := s.now().UTC()
	donors, err := s.store.ListDonorsWithExpiredAccess(ctx, now)
	if err != nil {
		log.Printf("sweep: list expired access: %v", err)
		return
	}

	for _, d := range donors {
		if ctx.Err() != nil {
			return
		}
		if err := s.ExpireDonor(ctx, d.ID); err != nil {
			log.Printf("sweep: expire donor %d: %v", d.ID, err)
		}
	}

	if err := s.store.DeleteExpiredTokens(ctx, now); err != nil {
		log.Printf("sweep: delete expired tokens: %v", err)
	}
}

// ExpireDonor runs one donor through the expiration path: engine decision,
// committed status change, revocation, and the at-most-once expiry clear.
func (s *Sweeper) ExpireDonor(ctx context.Context, donorID int64) error {
	decision, err := s.commitExpiration(ctx, donorID)
	if err != nil {
		return err
	}

	for _, intent := range decision.Intents {
		switch intent.Kind {
		case donor.IntentRevokeInvite:
			if s.revoker == nil {
				continue
			}
			if err := s.revoker.RevokeForDonor(ctx, decision.Donor); err != nil {
				// The expiry stays set, so the next tick retries.
				return fmt.Errorf("revoke invite: %w", err)
			}
		case donor.IntentClearAccessExpiration:
			if err := s.store.ClearAccessExpiration(ctx, donorID, s.now().UTC()); err != nil {
				return fmt.Errorf("clear access expiration: %w", err)
			}
		}
	}
	return nil
}

// commitExpiration holds the per-donor critical section. The reload guards
// against a payment landing between the list query and the lock; a donor
// already moved to a terminal status re-runs revocation without appending
// another audit row.
func (s *Sweeper) commitExpiration(ctx context.Context, donorID int64) (donor.Decision, error) {
	key := donorLockKey(donorID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	current, err := s.store.GetDonor(ctx, donorID)
	if err != nil {
		return donor.Decision{}, fmt.Errorf("reload donor: %w", err)
	}
	now := s.now().UTC()
	if current.AccessExpiresAt == nil || now.Before(*current.AccessExpiresAt) {
		return donor.Decision{Donor: current}, nil
	}

	decision := donor.Decide(current, donor.Event{Kind: donor.EventAccessExpire, EventTime: now}, now)
	if !decision.Changed {
		return decision, nil
	}

	input := storage.ApplyDecisionInput{
		Donor:  &decision.Donor,
		Events: intentLogRows(current.ID, decision),
		Now:    now,
	}
	if _, err := s.store.ApplyDecision(ctx, input); err != nil {
		return donor.Decision{}, fmt.Errorf("commit expiration: %w", err)
	}
	return decision, nil
}

// SweepRefreshes reconciles donors against the processor's current
// subscription state, catching webhooks that never arrived.
func (s *Sweeper) SweepRefreshes(ctx context.Context) {
	if s.payment == nil || !s.payment.IsConfigured() {
		return
	}
	now := s.now().UTC()
	donors, err := s.store.ListDonorsForSubscriptionRefresh(ctx, s.refreshInterval, now)
	if err != nil {
		log.Printf("sweep: list donors for refresh: %v", err)
		return
	}

	for _, d := range donors {
		if ctx.Err() != nil {
			return
		}
		if err := s.RefreshDonor(ctx, d.ID); err != nil {
			log.Printf("sweep: refresh donor %d: %v", d.ID, err)
		}
	}
}

// RefreshDonor fetches the donor's subscription and applies the resulting
// lifecycle event. Concurrent refreshes of one subscription collapse into a
// single fetch, so an admin-triggered refresh never races the sweep.
func (s *Sweeper) RefreshDonor(ctx context.Context, donorID int64) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("sweeper is not configured")
	}
	if s.payment == nil {
		return fmt.Errorf("payment adapter is not configured")
	}
	d, err := s.store.GetDonor(ctx, donorID)
	if err != nil {
		return fmt.Errorf("load donor %d: %w", donorID, err)
	}
	if d.SubscriptionID == "" {
		return nil
	}

	_, err, _ = s.flight.Do("refresh/"+d.SubscriptionID, func() (any, error) {
		return nil, s.refreshSubscription(ctx, d.ID, d.SubscriptionID)
	})
	return err
}

func (s *Sweeper) refreshSubscription(ctx context.Context, donorID int64, subscriptionID string) error {
	sub, err := s.payment.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
	}

	key := donorLockKey(donorID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	current, err := s.store.GetDonor(ctx, donorID)
	if err != nil {
		return fmt.Errorf("reload donor: %w", err)
	}
	now := s.now().UTC()

	decision := donor.Decision{Donor: current}
	if event, ok := refreshEvent(sub); ok {
		decision = donor.Decide(current, event, now)
	}

	// Refresh decisions carry no side effects of their own: receipts only
	// follow real payment webhooks, and any expiry the decision schedules is
	// completed by the expiration sweep.
	input := storage.ApplyDecisionInput{
		Events: []storage.Event{{
			Type:        eventTypeSubscriptionRefreshed,
			DonorID:     current.ID,
			PayloadJSON: marshalPayload(map[string]string{"status": sub.Status}),
		}},
		Now: now,
	}
	if decision.Changed {
		input.Donor = &decision.Donor
	}
	if _, err := s.store.ApplyDecision(ctx, input); err != nil {
		return fmt.Errorf("commit refresh: %w", err)
	}
	if err := s.store.MarkSubscriptionRefreshed(ctx, current.ID, now); err != nil {
		return fmt.Errorf("mark refreshed: %w", err)
	}
	return nil
}

// refreshEvent synthesises the lifecycle event for a fetched subscription.
// The event carries no source time: a refresh reflects the processor's
// current truth, so the stale guard never blocks it.
func refreshEvent(sub payment.Subscription) (donor.Event, bool) {
	switch sub.Status {
	case payment.SubscriptionActive:
		event := donor.Event{Kind: donor.EventPaymentCompleted}
		if sub.LastPaymentTime != nil {
			event.PaidAt = *sub.LastPaymentTime
		}
		return event, true
	case payment.SubscriptionCancelled, payment.SubscriptionSuspended, payment.SubscriptionExpired:
		event := donor.Event{Kind: donor.EventSubscriptionCancelled}
		if sub.NextBillingTime != nil {
			event.NextBillingTime = *sub.NextBillingTime
		}
		return event, true
	default:
		return donor.Event{}, false
	}
}

// SweepTrialReminders mails trial donors approaching expiry, once each.
func (s *Sweeper) SweepTrialReminders(ctx context.Context) {
	if s.mailer == nil {
		return
	}
	now := s.now().UTC()
	donors, err := s.store.ListTrialDonorsForReminder(ctx, s.reminderWindow(ctx), now)
	if err != nil {
		log.Printf("sweep: list trial reminders: %v", err)
		return
	}

	for _, d := range donors {
		if ctx.Err() != nil {
			return
		}
		if err := s.remindDonor(ctx, d, now); err != nil {
			log.Printf("sweep: trial reminder for donor %d: %v", d.ID, err)
		}
	}
}

// remindDonor sends one reminder. The sent marker lands only after the mail
// goes out, so a failed send retries on a later tick.
func (s *Sweeper) remindDonor(ctx context.Context, d donor.Donor, now time.Time) error {
	if d.AccessExpiresAt == nil || d.Email == "" {
		return nil
	}
	if err := s.mailer.SendTrialReminder(ctx, d.Email, d.Name, *d.AccessExpiresAt, s.dashboardURL()); err != nil {
		return err
	}
	if err := s.store.MarkTrialReminderSent(ctx, d.ID, now); err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

func (s *Sweeper) reminderWindow(ctx context.Context) time.Duration {
	fallback := time.Duration(settings.DefaultTrial().ReminderHours) * time.Hour
	blob, err := s.store.GetSettings(ctx, settings.GroupTrial)
	if err != nil {
		return fallback
	}
	group := settings.Decode(blob, settings.DefaultTrial)
	if group.ReminderHours <= 0 {
		return fallback
	}
	return time.Duration(group.ReminderHours) * time.Hour
}

func (s *Sweeper) dashboardURL() string {
	if s.baseURL == "" {
		return ""
	}
	return s.baseURL + "/dashboard"
}

func intentLogRows(donorID int64, decision donor.Decision) []storage.Event {
	var rows []storage.Event
	for _, intent := range decision.Intents {
		if intent.Kind != donor.IntentLogEvent {
			continue
		}
		rows = append(rows, storage.Event{
			Type:        intent.EventType,
			DonorID:     donorID,
			PayloadJSON: marshalPayload(intent.EventPayload),
		})
	}
	return rows
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
