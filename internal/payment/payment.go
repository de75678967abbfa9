// Package payment talks to the PayPal REST subscriptions API. It
// authenticates with client credentials, reads and creates subscriptions,
// and verifies the transmission signature PayPal attaches to webhook
// deliveries.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/platform/timeouts"
	"github.com/donorgate/donorgate/internal/settings"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const serviceName = "payment"

// Base URLs per processor environment.
const (
	SandboxBaseURL = "https://api-m.sandbox.paypal.com"
	LiveBaseURL    = "https://api-m.paypal.com"
)

// Config carries the processor credentials and endpoint selection.
type Config struct {
	// BaseURL overrides the environment-derived endpoint; used in tests.
	BaseURL      string
	Environment  string
	ClientID     string
	ClientSecret string
	PlanID       string
	WebhookID    string
	HTTPClient   *http.Client
}

// FromSettings builds a Config from the payment settings group.
func FromSettings(group settings.Payment) Config {
	return Config{
		Environment:  group.Environment,
		ClientID:     group.ClientID,
		ClientSecret: group.ClientSecret,
		PlanID:       group.PlanID,
		WebhookID:    group.WebhookID,
	}
}

// Subscription is the processor's view of one billing agreement.
type Subscription struct {
	ID              string
	Status          string
	PlanID          string
	SubscriberEmail string
	SubscriberName  string
	LastPaymentTime *time.Time
	NextBillingTime *time.Time
}

// Subscription statuses as reported by the processor.
const (
	SubscriptionActive    = "ACTIVE"
	SubscriptionCancelled = "CANCELLED"
	SubscriptionSuspended = "SUSPENDED"
	SubscriptionExpired   = "EXPIRED"
)

// Subscriber identifies who a new subscription is created for.
type Subscriber struct {
	Email string
	Name  string
}

// CreatedSubscription is the result of a create call; the subscriber must
// visit ApprovalURL to authorize billing.
type CreatedSubscription struct {
	SubscriptionID string
	ApprovalURL    string
}

// Diagnostic reports the outcome of a read-only connection check.
type Diagnostic struct {
	OK     bool
	Detail string
}

// Adapter is the processor client. The zero value is unusable; construct
// with New.
type Adapter struct {
	cfg     Config
	baseURL string
	client  *http.Client
	certs   *certCache
}

// New builds an Adapter from the given config. A nil HTTPClient falls back
// to http.DefaultClient; the client-credentials token source wraps it so
// every API call carries a bearer token.
func New(cfg Config) *Adapter {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		if cfg.Environment == settings.PaymentEnvironmentLive {
			baseURL = LiveBaseURL
		} else {
			baseURL = SandboxBaseURL
		}
	}

	a := &Adapter{
		cfg:     cfg,
		baseURL: baseURL,
		certs:   newCertCache(httpClient),
	}

	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		credentials := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     baseURL + "/v1/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		a.client = oauth2.NewClient(tokenCtx, credentials.TokenSource(tokenCtx))
	} else {
		a.client = httpClient
	}

	return a
}

// IsConfigured reports whether the adapter has credentials and a plan.
func (a *Adapter) IsConfigured() bool {
	return a != nil && a.cfg.ClientID != "" && a.cfg.ClientSecret != "" && a.cfg.PlanID != ""
}

// PlanID returns the configured billing plan.
func (a *Adapter) PlanID() string {
	if a == nil {
		return ""
	}
	return a.cfg.PlanID
}

// WebhookID returns the configured webhook registration id.
func (a *Adapter) WebhookID() string {
	if a == nil {
		return ""
	}
	return a.cfg.WebhookID
}

// VerifyConnection performs a read-only round trip against the processor:
// it forces a token exchange by listing the configured plan. Nothing is
// mutated.
func (a *Adapter) VerifyConnection(ctx context.Context) (Diagnostic, error) {
	if !a.IsConfigured() {
		return Diagnostic{Detail: "client id, secret and plan id are required"}, nil
	}

	var plan struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := a.get(ctx, "/v1/billing/plans/"+a.cfg.PlanID, &plan); err != nil {
		return Diagnostic{Detail: err.Error()}, err
	}
	return Diagnostic{OK: true, Detail: fmt.Sprintf("plan %s is %s", plan.ID, strings.ToLower(plan.Status))}, nil
}

// GetSubscription fetches one subscription by the processor's id.
func (a *Adapter) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Subscription{}, fmt.Errorf("subscription id is required")
	}
	if !a.IsConfigured() {
		return Subscription{}, apperrors.New(apperrors.CodeAdapterNotConfigured, "payment processor is not configured")
	}

	var payload struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		PlanID     string `json:"plan_id"`
		Subscriber struct {
			Email string `json:"email_address"`
			Name  struct {
				Given   string `json:"given_name"`
				Surname string `json:"surname"`
			} `json:"name"`
		} `json:"subscriber"`
		BillingInfo struct {
			LastPayment struct {
				Time string `json:"time"`
			} `json:"last_payment"`
			NextBillingTime string `json:"next_billing_time"`
		} `json:"billing_info"`
	}
	if err := a.get(ctx, "/v1/billing/subscriptions/"+id, &payload); err != nil {
		return Subscription{}, err
	}

	sub := Subscription{
		ID:              payload.ID,
		Status:          strings.ToUpper(strings.TrimSpace(payload.Status)),
		PlanID:          payload.PlanID,
		SubscriberEmail: strings.ToLower(strings.TrimSpace(payload.Subscriber.Email)),
		SubscriberName:  strings.TrimSpace(strings.TrimSpace(payload.Subscriber.Name.Given) + " " + strings.TrimSpace(payload.Subscriber.Name.Surname)),
		LastPaymentTime: parseProcessorTime(payload.BillingInfo.LastPayment.Time),
		NextBillingTime: parseProcessorTime(payload.BillingInfo.NextBillingTime),
	}
	if sub.ID == "" || sub.Status == "" {
		return Subscription{}, apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("subscription response missing id or status"))
	}
	return sub, nil
}

// CreateSubscription asks the processor for a new subscription under the
// configured plan and returns the approval URL the subscriber must visit.
func (a *Adapter) CreateSubscription(ctx context.Context, subscriber Subscriber) (CreatedSubscription, error) {
	if !a.IsConfigured() {
		return CreatedSubscription{}, apperrors.New(apperrors.CodeAdapterNotConfigured, "payment processor is not configured")
	}
	email := strings.ToLower(strings.TrimSpace(subscriber.Email))
	if email == "" {
		return CreatedSubscription{}, fmt.Errorf("subscriber email is required")
	}

	request := map[string]any{
		"plan_id": a.cfg.PlanID,
		"subscriber": map[string]any{
			"email_address": email,
		},
	}
	if name := strings.TrimSpace(subscriber.Name); name != "" {
		request["subscriber"].(map[string]any)["name"] = map[string]string{"given_name": name}
	}

	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Links  []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := a.post(ctx, "/v1/billing/subscriptions", request, &payload); err != nil {
		return CreatedSubscription{}, err
	}
	if payload.ID == "" {
		return CreatedSubscription{}, apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("create subscription response missing id"))
	}

	created := CreatedSubscription{SubscriptionID: payload.ID}
	for _, link := range payload.Links {
		if link.Rel == "approve" {
			created.ApprovalURL = link.Href
			break
		}
	}
	if created.ApprovalURL == "" {
		return CreatedSubscription{}, apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("create subscription response missing approval link"))
	}
	return created, nil
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	return a.do(ctx, http.MethodGet, path, nil, out)
}

func (a *Adapter) post(ctx context.Context, path string, in, out any) error {
	return a.do(ctx, http.MethodPost, path, in, out)
}

func (a *Adapter) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.AdapterCall)
	defer cancel()

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s %s request: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := a.client.Do(req)
	if err != nil {
		return apperrors.NewAdapterError(serviceName, apperrors.AdapterUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return apperrors.New(apperrors.CodeNotFound, "processor has no record at "+path)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, readErr := io.ReadAll(io.LimitReader(res.Body, 4096))
		if readErr != nil {
			detail = nil
		}
		return apperrors.NewAdapterError(serviceName, apperrors.AdapterKindForStatus(res.StatusCode),
			fmt.Errorf("%s %s status %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(detail))))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("decode %s %s response: %w", method, path, err))
	}
	return nil
}

func parseProcessorTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}
