// Package mediaauth implements the device-link PIN flow against the media
// vendor's account service. A donor requests a short code, enters it on the
// vendor's link page, and the gateway polls until the pin is claimed, then
// fetches the linked account identity.
package mediaauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/platform/timeouts"
)

const serviceName = "media_auth"

// Request headers the account service expects.
const (
	headerClientID = "X-Media-Client-Identifier"
	headerProduct  = "X-Media-Product"
	headerToken    = "X-Media-Token"
)

// DefaultPollInterval is used when the account service does not suggest one.
const DefaultPollInterval = 2 * time.Second

// Config carries the account-service endpoint and install identity.
type Config struct {
	// BaseURL is the vendor account service, from the media settings group's
	// auth_url.
	BaseURL string
	// ClientIdentifier is a stable per-install identifier.
	ClientIdentifier string
	// Product names this gateway on the vendor's link page.
	Product    string
	HTTPClient *http.Client
	// Now is the clock used for pin-expiry decisions; defaults to time.Now.
	Now func() time.Time
}

// Pin is one pending device-link request.
type Pin struct {
	PinID          int64
	Code           string
	AuthURL        string
	ExpiresAt      time.Time
	PollIntervalMs int
}

// PinState is the polled status of a pin.
type PinState int

const (
	// PinPending means the code has not been entered yet.
	PinPending PinState = iota
	// PinAuthorized means the donor claimed the pin; AuthToken is set.
	PinAuthorized
	// PinExpired means the pin lapsed before being claimed.
	PinExpired
)

// PollResult reports one poll round trip.
type PollResult struct {
	State     PinState
	AuthToken string
}

// Identity is the linked media account.
type Identity struct {
	MediaAccountID string
	MediaEmail     string
}

// Diagnostic reports the outcome of a connection check.
type Diagnostic struct {
	OK     bool
	Detail string
}

// Adapter is the account-service client. Construct with New.
type Adapter struct {
	cfg     Config
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// New builds an Adapter from the given config.
func New(cfg Config) *Adapter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		cfg:     cfg,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  cfg.HTTPClient,
		now:     now,
	}
}

// IsConfigured reports whether the adapter can reach the account service.
func (a *Adapter) IsConfigured() bool {
	return a != nil && a.baseURL != ""
}

// VerifyConnection confirms the account service answers this install's
// client identifier. It requests a throwaway pin, which is the smallest call
// the service authenticates; the pin is never shown to anyone and lapses on
// its own.
func (a *Adapter) VerifyConnection(ctx context.Context) (Diagnostic, error) {
	if !a.IsConfigured() {
		return Diagnostic{Detail: "auth url is required"}, nil
	}
	pin, err := a.RequestPin(ctx)
	if err != nil {
		return Diagnostic{Detail: err.Error()}, err
	}
	return Diagnostic{OK: true, Detail: fmt.Sprintf("account service issued link code expiring %s",
		pin.ExpiresAt.Format(time.RFC3339))}, nil
}

// RequestPin asks the account service for a new link code.
func (a *Adapter) RequestPin(ctx context.Context) (Pin, error) {
	if !a.IsConfigured() {
		return Pin{}, apperrors.New(apperrors.CodeAdapterNotConfigured, "media account service is not configured")
	}

	var payload struct {
		ID             int64  `json:"id"`
		Code           string `json:"code"`
		ExpiresAt      string `json:"expires_at"`
		PollIntervalMs int    `json:"poll_interval_ms"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/v2/pins", "", &payload); err != nil {
		return Pin{}, err
	}
	if payload.ID == 0 || payload.Code == "" {
		return Pin{}, apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("pin response missing id or code"))
	}

	pin := Pin{
		PinID:          payload.ID,
		Code:           payload.Code,
		AuthURL:        a.baseURL + "/link?code=" + url.QueryEscape(payload.Code),
		PollIntervalMs: payload.PollIntervalMs,
	}
	if pin.PollIntervalMs <= 0 {
		pin.PollIntervalMs = int(DefaultPollInterval / time.Millisecond)
	}
	expiresAt, err := time.Parse(time.RFC3339, payload.ExpiresAt)
	if err != nil {
		return Pin{}, apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("pin response expiry %q: %w", payload.ExpiresAt, err))
	}
	pin.ExpiresAt = expiresAt.UTC()
	return pin, nil
}

// PollPin checks whether the pin was claimed. A poll at or past the pin's
// expiry reports PinExpired; before that, an unclaimed pin is PinPending.
func (a *Adapter) PollPin(ctx context.Context, pinID int64) (PollResult, error) {
	if !a.IsConfigured() {
		return PollResult{}, apperrors.New(apperrors.CodeAdapterNotConfigured, "media account service is not configured")
	}
	if pinID <= 0 {
		return PollResult{}, fmt.Errorf("pin id is required")
	}

	var payload struct {
		ID        int64  `json:"id"`
		AuthToken string `json:"auth_token"`
		ExpiresAt string `json:"expires_at"`
	}
	err := a.do(ctx, http.MethodGet, "/api/v2/pins/"+strconv.FormatInt(pinID, 10), "", &payload)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return PollResult{State: PinExpired}, nil
		}
		return PollResult{}, err
	}

	if token := strings.TrimSpace(payload.AuthToken); token != "" {
		return PollResult{State: PinAuthorized, AuthToken: token}, nil
	}

	expiresAt, parseErr := time.Parse(time.RFC3339, payload.ExpiresAt)
	if parseErr != nil {
		return PollResult{}, apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("pin poll expiry %q: %w", payload.ExpiresAt, parseErr))
	}
	if !a.now().Before(expiresAt) {
		return PollResult{State: PinExpired}, nil
	}
	return PollResult{State: PinPending}, nil
}

// FetchIdentity resolves the account behind a claimed pin's auth token.
func (a *Adapter) FetchIdentity(ctx context.Context, authToken string) (Identity, error) {
	if !a.IsConfigured() {
		return Identity{}, apperrors.New(apperrors.CodeAdapterNotConfigured, "media account service is not configured")
	}
	authToken = strings.TrimSpace(authToken)
	if authToken == "" {
		return Identity{}, fmt.Errorf("auth token is required")
	}

	var payload struct {
		ID    json.Number `json:"id"`
		Email string      `json:"email"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v2/user", authToken, &payload); err != nil {
		return Identity{}, err
	}

	identity := Identity{
		MediaAccountID: payload.ID.String(),
		MediaEmail:     strings.ToLower(strings.TrimSpace(payload.Email)),
	}
	if identity.MediaAccountID == "" || identity.MediaAccountID == "0" {
		return Identity{}, apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("identity response missing account id"))
	}
	return identity, nil
}

func (a *Adapter) do(ctx context.Context, method, path, authToken string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.SessionPoll)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerClientID, a.cfg.ClientIdentifier)
	if a.cfg.Product != "" {
		req.Header.Set(headerProduct, a.cfg.Product)
	}
	if authToken != "" {
		req.Header.Set(headerToken, authToken)
	}

	res, err := a.client.Do(req)
	if err != nil {
		return apperrors.NewAdapterError(serviceName, apperrors.AdapterUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return apperrors.New(apperrors.CodeNotFound, "account service has no record at "+path)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, readErr := io.ReadAll(io.LimitReader(res.Body, 4096))
		if readErr != nil {
			detail = nil
		}
		return apperrors.NewAdapterError(serviceName, apperrors.AdapterKindForStatus(res.StatusCode),
			fmt.Errorf("%s %s status %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(detail))))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("decode %s %s response: %w", method, path, err))
	}
	return nil
}
