// Package webhook ingests payment-processor event deliveries.
//
// Each delivery follows a fixed protocol: verify the signature over the raw
// body, parse the envelope, drop replayed event ids, resolve the donor by
// subscription id, run the lifecycle engine, and commit the record diff
// together with its audit and payment rows in one store transaction. Side
// effects (receipt mail, media revocation) run after the commit and never
// fail the delivery. An acknowledged delivery means durably recorded, not
// side effects completed; the processor replays freely on anything else.
package webhook

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
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/platform/keymutex"
	"github.com/donorgate/donorgate/internal/storage"
)

// Processor event types the gateway maps onto lifecycle events.
const (
	TypePaymentCompleted      = "PAYMENT.SALE.COMPLETED"
	TypePaymentFailed         = "BILLING.SUBSCRIPTION.PAYMENT.FAILED"
	TypeSubscriptionActivated = "BILLING.SUBSCRIPTION.ACTIVATED"
	TypeSubscriptionCancelled = "BILLING.SUBSCRIPTION.CANCELLED"
	TypeSubscriptionSuspended = "BILLING.SUBSCRIPTION.SUSPENDED"
	TypeSubscriptionExpired   = "BILLING.SUBSCRIPTION.EXPIRED"
)

// Audit row types for deliveries outside the canonical set.
const (
	eventTypeDuplicate = "webhook.duplicate"
	eventTypeUnknown   = "webhook.unknown"
)

// Outcome labels how a delivery was resolved.
type Outcome string

const (
	// OutcomeRecorded means a lifecycle commit landed for the delivery.
	OutcomeRecorded Outcome = "recorded"
	// OutcomeDuplicate means the event id was already on file.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnknownType means the event type is outside the handled set.
	OutcomeUnknownType Outcome = "unknown_type"
	// OutcomeUnmatched means no donor could be attached to the delivery.
	OutcomeUnmatched Outcome = "unmatched"
)

// Receipt reports the resolution of one delivery.
type Receipt struct {
	Outcome   Outcome
	EventID   string
	EventType string
	DonorID   int64
}

// SignatureVerifier checks a delivery's authenticity over its raw body; the
// payment adapter implements it.
type SignatureVerifier interface {
	VerifyWebhookSignature(ctx context.Context, header http.Header, body []byte) (bool, error)
}

// InviteRevoker applies revoke_invite intents; the invite coordinator
// implements it.
type InviteRevoker interface {
	RevokeForDonor(ctx context.Context, d donor.Donor) error
}

// ReceiptSender mails payment receipts; the mail adapter implements it.
type ReceiptSender interface {
	SendPaymentReceipt(ctx context.Context, to, toName, amount, currency string, paidAt time.Time) error
}

// Config wires a Processor.
type Config struct {
	Store    storage.Store
	Verifier SignatureVerifier
	// Locks is the per-donor mutex table shared with the invite coordinator.
	Locks *keymutex.KeyMutex
	// Mailer and Revoker are optional; missing ones skip their intents.
	Mailer  ReceiptSender
	Revoker InviteRevoker
	Now     func() time.Time
}

// Processor consumes processor deliveries end to end.
type Processor struct {
	store    storage.Store
	verifier SignatureVerifier
	locks    *keymutex.KeyMutex
	mailer   ReceiptSender
	revoker  InviteRevoker
	now      func() time.Time
}

// New builds a Processor from its dependencies.
func New(cfg Config) *Processor {
	if cfg.Locks == nil {
		cfg.Locks = keymutex.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{
		store:    cfg.Store,
		verifier: cfg.Verifier,
		locks:    cfg.Locks,
		mailer:   cfg.Mailer,
		revoker:  cfg.Revoker,
		now:      cfg.Now,
	}
}

type envelope struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	CreateTime   string          `json:"create_time"`
	ResourceType string          `json:"resource_type"`
	Summary      string          `json:"summary"`
	Resource     json.RawMessage `json:"resource"`
}

// resource covers both payload shapes the processor sends: sale objects on
// payment events and subscription objects on billing events.
type resource struct {
	ID                 string `json:"id"`
	BillingAgreementID string `json:"billing_agreement_id"`
	Amount             struct {
		Total        string `json:"total"`
		Currency     string `json:"currency"`
		Value        string `json:"value"`
		CurrencyCode string `json:"currency_code"`
	} `json:"amount"`
	CreateTime string `json:"create_time"`
	UpdateTime string `json:"update_time"`
	Subscriber struct {
		EmailAddress string `json:"email_address"`
		Name         struct {
			GivenName string `json:"given_name"`
			Surname   string `json:"surname"`
		} `json:"name"`
	} `json:"subscriber"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     struct {
			Time string `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
}

type deliveryPayload struct {
	EventType      string `json:"event_type"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Summary        string `json:"summary,omitempty"`
	// OriginalEventID points a duplicate row at the delivery it replays.
	OriginalEventID string `json:"original_event_id,omitempty"`
	Unmatched       bool   `json:"unmatched,omitempty"`
}

// Process handles one raw delivery. Signature and envelope failures surface
// as typed errors for the transport layer to map; every other path records
// an audit row and acknowledges.
func (p *Processor) Process(ctx context.Context, header http.Header, body []byte) (Receipt, error) {
	if p == nil || p.store == nil || p.verifier == nil {
		return Receipt{}, fmt.Errorf("webhook processor is not configured")
	}

	ok, err := p.verifier.VerifyWebhookSignature(ctx, header, body)
	if err != nil {
		return Receipt{}, fmt.Errorf("verify webhook signature: %w", err)
	}
	if !ok {
		return Receipt{}, apperrors.New(apperrors.CodeWebhookSignatureInvalid, "webhook signature verification failed")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Receipt{}, apperrors.Wrap(apperrors.CodeWebhookEnvelopeInvalid, "parse webhook envelope", err)
	}
	env.ID = strings.TrimSpace(env.ID)
	env.EventType = strings.ToUpper(strings.TrimSpace(env.EventType))
	if env.ID == "" || env.EventType == "" {
		return Receipt{}, apperrors.New(apperrors.CodeWebhookEnvelopeInvalid, "webhook envelope is missing id or event_type")
	}

	var res resource
	if len(env.Resource) > 0 {
		if err := json.Unmarshal(env.Resource, &res); err != nil {
			return Receipt{}, apperrors.Wrap(apperrors.CodeWebhookEnvelopeInvalid, "parse webhook resource", err)
		}
	}
	subscriptionID := resolveSubscriptionID(env, res)

	seen, err := p.store.HasEventWithExternalID(ctx, env.ID)
	if err != nil {
		return Receipt{}, fmt.Errorf("check webhook event id: %w", err)
	}
	if seen {
		return p.acknowledgeDuplicate(ctx, env, subscriptionID)
	}

	canonical, known := canonicalType(env.EventType)
	if !known || subscriptionID == "" {
		return p.recordUnknown(ctx, env, subscriptionID)
	}

	d, fresh, err := p.resolveDonor(ctx, subscriptionID, res)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return p.recordUnmatched(ctx, env, canonical, subscriptionID)
		}
		return Receipt{}, err
	}

	result, err := p.commitDecision(ctx, env, res, canonical, subscriptionID, d, fresh)
	if err != nil {
		return Receipt{}, err
	}
	if result.receipt.Outcome == OutcomeRecorded {
		// Intents run outside the per-donor lock: the revoker takes the
		// same lock itself.
		p.applyIntents(ctx, result.decision, result.event)
	}
	return result.receipt, nil
}

type commitResult struct {
	receipt  Receipt
	decision donor.Decision
	event    donor.Event
}

// commitDecision holds the per-donor critical section: reload the record,
// run the engine, and land the commit. A constraint violation means a
// concurrent identical delivery won the race, which downgrades this one to
// a duplicate acknowledgement.
func (p *Processor) commitDecision(ctx context.Context, env envelope, res resource, canonical, subscriptionID string, d donor.Donor, fresh bool) (commitResult, error) {
	key := donorLockKey(d.ID)
	p.locks.Lock(key)
	defer p.locks.Unlock(key)

	current, err := p.store.GetDonor(ctx, d.ID)
	if err != nil {
		return commitResult{}, fmt.Errorf("reload donor %d: %w", d.ID, err)
	}

	event, payment, runEngine := buildLifecycleEvent(env, res, fresh)
	now := p.now().UTC()

	decision := donor.Decision{Donor: current}
	if runEngine {
		decision = donor.Decide(current, event, now)
	}

	input := storage.ApplyDecisionInput{
		Events:  auditRows(env, canonical, subscriptionID, current.ID, decision),
		Payment: payment,
		Now:     now,
	}
	if payment != nil {
		input.Payment.DonorID = current.ID
	}
	if decision.Changed {
		input.Donor = &decision.Donor
	}

	if _, err := p.store.ApplyDecision(ctx, input); err != nil {
		if errors.Is(err, storage.ErrConstraint) {
			receipt, ackErr := p.acknowledgeDuplicate(ctx, env, subscriptionID)
			return commitResult{receipt: receipt}, ackErr
		}
		return commitResult{}, fmt.Errorf("commit webhook decision: %w", err)
	}

	return commitResult{
		receipt:  Receipt{Outcome: OutcomeRecorded, EventID: env.ID, EventType: env.EventType, DonorID: current.ID},
		decision: decision,
		event:    event,
	}, nil
}

// resolveDonor loads the donor owning the subscription, creating a pending
// record when the delivery carries subscriber identity. ErrNotFound means
// neither a record nor enough identity exists.
func (p *Processor) resolveDonor(ctx context.Context, subscriptionID string, res resource) (donor.Donor, bool, error) {
	d, err := p.store.GetDonorBySubscription(ctx, subscriptionID)
	if err == nil {
		return d, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return donor.Donor{}, false, fmt.Errorf("load donor for subscription %s: %w", subscriptionID, err)
	}

	email := donor.NormalizeEmail(res.Subscriber.EmailAddress)
	if email == "" {
		return donor.Donor{}, false, err
	}
	record, err := p.store.UpsertDonorBySubscription(ctx, subscriptionID, storage.UpsertDonorInput{
		Email:  email,
		Name:   subscriberName(res),
		Status: donor.StatusPending,
	})
	if err != nil {
		return donor.Donor{}, false, fmt.Errorf("create donor for subscription %s: %w", subscriptionID, err)
	}

	// A brand-new row has matching timestamps; an adopted prospect keeps its
	// original creation time. Only truly fresh records skip the stale check.
	fresh := record.CreatedAt.Equal(record.UpdatedAt)
	return record, fresh, nil
}

func (p *Processor) applyIntents(ctx context.Context, decision donor.Decision, event donor.Event) {
	for _, intent := range decision.Intents {
		switch intent.Kind {
		case donor.IntentSendMail:
			p.sendIntentMail(ctx, decision.Donor, intent, event)
		case donor.IntentRevokeInvite:
			if p.revoker == nil {
				continue
			}
			if err := p.revoker.RevokeForDonor(ctx, decision.Donor); err != nil {
				// The record keeps its access expiry, so the expiration
				// sweep retries the revocation.
				log.Printf("webhook: revoke invite for donor %d: %v", decision.Donor.ID, err)
			}
		case donor.IntentLogEvent, donor.IntentClearAccessExpiration, donor.IntentScheduleExpiration:
			// Log rows and expiry changes landed with the commit.
		}
	}
}

func (p *Processor) sendIntentMail(ctx context.Context, d donor.Donor, intent donor.Intent, event donor.Event) {
	if p.mailer == nil || d.Email == "" {
		return
	}
	switch intent.Template {
	case donor.MailPaymentReceipt:
		paidAt := event.PaidAt
		if paidAt.IsZero() && d.LastPaymentAt != nil {
			paidAt = *d.LastPaymentAt
		}
		if paidAt.IsZero() {
			paidAt = p.now().UTC()
		}
		if err := p.mailer.SendPaymentReceipt(ctx, d.Email, d.Name, event.Amount, event.Currency, paidAt); err != nil {
			log.Printf("webhook: send payment receipt to donor %d: %v", d.ID, err)
		}
	}
}

func (p *Processor) acknowledgeDuplicate(ctx context.Context, env envelope, subscriptionID string) (Receipt, error) {
	donorID := p.scopeDonor(ctx, subscriptionID)
	row := storage.Event{
		Type:    eventTypeDuplicate,
		DonorID: donorID,
		PayloadJSON: marshalPayload(deliveryPayload{
			EventType:       env.EventType,
			SubscriptionID:  subscriptionID,
			OriginalEventID: env.ID,
		}),
	}
	if _, err := p.store.AppendEvent(ctx, row); err != nil {
		return Receipt{}, fmt.Errorf("record duplicate delivery: %w", err)
	}
	log.Printf("webhook: acknowledged duplicate delivery %s (%s)", env.ID, env.EventType)
	return Receipt{Outcome: OutcomeDuplicate, EventID: env.ID, EventType: env.EventType, DonorID: donorID}, nil
}

func (p *Processor) recordUnknown(ctx context.Context, env envelope, subscriptionID string) (Receipt, error) {
	donorID := p.scopeDonor(ctx, subscriptionID)
	row := storage.Event{
		Type:       eventTypeUnknown,
		ExternalID: env.ID,
		DonorID:    donorID,
		PayloadJSON: marshalPayload(deliveryPayload{
			EventType:      env.EventType,
			SubscriptionID: subscriptionID,
			Summary:        env.Summary,
		}),
	}
	if _, err := p.store.AppendEvent(ctx, row); err != nil {
		if errors.Is(err, storage.ErrConstraint) {
			return p.acknowledgeDuplicate(ctx, env, subscriptionID)
		}
		return Receipt{}, fmt.Errorf("record unknown webhook type: %w", err)
	}
	return Receipt{Outcome: OutcomeUnknownType, EventID: env.ID, EventType: env.EventType, DonorID: donorID}, nil
}

// recordUnmatched acknowledges a known type that no donor claims yet. The
// row carries the external id, so a replay after the subscriber appears is
// still treated as a duplicate; the refresh sweep reconciles the state.
func (p *Processor) recordUnmatched(ctx context.Context, env envelope, canonical, subscriptionID string) (Receipt, error) {
	row := storage.Event{
		Type:       canonical,
		ExternalID: env.ID,
		PayloadJSON: marshalPayload(deliveryPayload{
			EventType:      env.EventType,
			SubscriptionID: subscriptionID,
			Summary:        env.Summary,
			Unmatched:      true,
		}),
	}
	if _, err := p.store.AppendEvent(ctx, row); err != nil {
		if errors.Is(err, storage.ErrConstraint) {
			return p.acknowledgeDuplicate(ctx, env, subscriptionID)
		}
		return Receipt{}, fmt.Errorf("record unmatched delivery: %w", err)
	}
	log.Printf("webhook: no donor for subscription %s on delivery %s", subscriptionID, env.ID)
	return Receipt{Outcome: OutcomeUnmatched, EventID: env.ID, EventType: env.EventType}, nil
}

// scopeDonor best-effort resolves a donor id for audit scoping.
func (p *Processor) scopeDonor(ctx context.Context, subscriptionID string) int64 {
	if subscriptionID == "" {
		return 0
	}
	d, err := p.store.GetDonorBySubscription(ctx, subscriptionID)
	if err != nil {
		return 0
	}
	return d.ID
}

// buildLifecycleEvent maps a delivery onto an engine event. Activation
// deliveries only establish identity, so they skip the engine. Fresh donor
// records carry no history worth a stale check, so their event time is left
// unset.
func buildLifecycleEvent(env envelope, res resource, fresh bool) (donor.Event, *storage.Payment, bool) {
	eventTime := parseProcessorTime(env.CreateTime)
	if fresh {
		eventTime = time.Time{}
	}

	switch env.EventType {
	case TypePaymentCompleted:
		amount := res.Amount.Total
		if amount == "" {
			amount = res.Amount.Value
		}
		currency := res.Amount.Currency
		if currency == "" {
			currency = res.Amount.CurrencyCode
		}
		paidAt := parseProcessorTime(res.CreateTime)
		if paidAt.IsZero() {
			paidAt = parseProcessorTime(res.UpdateTime)
		}
		if paidAt.IsZero() {
			paidAt = parseProcessorTime(env.CreateTime)
		}

		event := donor.Event{
			Kind:      donor.EventPaymentCompleted,
			EventTime: eventTime,
			PaymentID: res.ID,
			Amount:    amount,
			Currency:  currency,
			PaidAt:    paidAt,
		}
		var payment *storage.Payment
		if res.ID != "" {
			payment = &storage.Payment{
				ProcessorPaymentID: res.ID,
				Amount:             amount,
				Currency:           currency,
				PaidAt:             paidAt,
			}
		}
		return event, payment, true
	case TypePaymentFailed:
		return donor.Event{Kind: donor.EventPaymentFailed, EventTime: eventTime}, nil, true
	case TypeSubscriptionCancelled, TypeSubscriptionSuspended, TypeSubscriptionExpired:
		return donor.Event{
			Kind:            donor.EventSubscriptionCancelled,
			EventTime:       eventTime,
			NextBillingTime: parseProcessorTime(res.BillingInfo.NextBillingTime),
		}, nil, true
	default:
		return donor.Event{}, nil, false
	}
}

// auditRows builds the canonical delivery row plus any log rows the engine
// asked for, all committed in the decision's transaction.
func auditRows(env envelope, canonical, subscriptionID string, donorID int64, decision donor.Decision) []storage.Event {
	rows := []storage.Event{{
		Type:       canonical,
		ExternalID: env.ID,
		DonorID:    donorID,
		PayloadJSON: marshalPayload(deliveryPayload{
			EventType:      env.EventType,
			SubscriptionID: subscriptionID,
			Summary:        env.Summary,
		}),
	}}
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

func canonicalType(eventType string) (string, bool) {
	switch eventType {
	case TypePaymentCompleted:
		return "payment.completed", true
	case TypePaymentFailed:
		return "payment.failed", true
	case TypeSubscriptionActivated:
		return "subscription.activated", true
	case TypeSubscriptionCancelled:
		return "subscription.cancelled", true
	case TypeSubscriptionSuspended:
		return "subscription.suspended", true
	case TypeSubscriptionExpired:
		return "subscription.expired", true
	default:
		return "", false
	}
}

// resolveSubscriptionID prefers the sale object's billing agreement; on
// subscription objects the resource id is the subscription itself.
func resolveSubscriptionID(env envelope, res resource) string {
	if id := strings.TrimSpace(res.BillingAgreementID); id != "" {
		return id
	}
	if strings.HasPrefix(env.EventType, "BILLING.SUBSCRIPTION.") {
		return strings.TrimSpace(res.ID)
	}
	return ""
}

func subscriberName(res resource) string {
	return strings.TrimSpace(strings.TrimSpace(res.Subscriber.Name.GivenName) + " " + strings.TrimSpace(res.Subscriber.Name.Surname))
}

func parseProcessorTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return at.UTC()
}

func marshalPayload(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func donorLockKey(id int64) string {
	return fmt.Sprintf("donor/%d", id)
}
