// Package media talks to the media server's sharing API: enumerating
// account users, creating library invites and revoking shares. Requests
// authenticate with the server token from the media settings group.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/platform/timeouts"
	"github.com/donorgate/donorgate/internal/settings"
)

const serviceName = "media"

// Request headers the media server expects.
const (
	headerToken  = "X-Media-Token"
	headerAccept = "Accept"
)

// Config carries the media-server endpoint and sharing defaults.
type Config struct {
	ServerURL        string
	Token            string
	ServerIdentifier string
	FriendlyName     string
	// LibrarySectionIDs is the default section set for invites that do not
	// name their own.
	LibrarySectionIDs []string
	AllowSync         bool
	AllowChannels     bool
	HTTPClient        *http.Client
}

// FromSettings builds a Config from the media settings group.
func FromSettings(group settings.Media) Config {
	return Config{
		ServerURL:         group.ServerURL,
		Token:             group.Token,
		ServerIdentifier:  group.ServerIdentifier,
		FriendlyName:      group.FriendlyName,
		LibrarySectionIDs: group.LibrarySectionIDs,
		AllowSync:         group.AllowSync,
		AllowChannels:     group.AllowChannels,
	}
}

// User is one account known to the media server.
type User struct {
	ID       string
	Username string
	Email    string
}

// InviteRequest describes one library share to create. Zero-valued fields
// fall back to the configured defaults.
type InviteRequest struct {
	Email            string
	ServerIdentifier string
	SectionIDs       []string
	FriendlyName     string
	AllowSync        bool
	AllowChannels    bool
}

// CreatedInvite is the server's record of a new share.
type CreatedInvite struct {
	InviteID  string
	InviteURL string
	Status    string
	InvitedAt time.Time
	Libraries []string
}

// RevokeRequest identifies whose share to remove. Either field may be
// empty; matching prefers the account id.
type RevokeRequest struct {
	MediaAccountID string
	Email          string
}

// RevokeResult reports the outcome of a revocation. A share the server no
// longer has is Success=false with Reason=RevokeReasonNotFound, not an
// error.
type RevokeResult struct {
	Success bool
	Reason  string
	ShareID string
}

// RevokeReasonNotFound marks a revocation whose share was already gone.
const RevokeReasonNotFound = "not_found"

// Diagnostic reports the outcome of a read-only connection check.
type Diagnostic struct {
	OK     bool
	Detail string
}

// Adapter is the media-server client. Construct with New.
type Adapter struct {
	cfg     Config
	baseURL string
	client  *http.Client
}

// New builds an Adapter from the given config. A nil HTTPClient falls back
// to http.DefaultClient.
func New(cfg Config) *Adapter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Adapter{
		cfg:     cfg,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/"),
		client:  cfg.HTTPClient,
	}
}

// IsConfigured reports whether the adapter can reach the server.
func (a *Adapter) IsConfigured() bool {
	return a != nil && a.baseURL != "" && a.cfg.Token != ""
}

// SectionIDs returns the configured default library sections.
func (a *Adapter) SectionIDs() []string {
	if a == nil {
		return nil
	}
	return a.cfg.LibrarySectionIDs
}

// VerifyConnection asks the server to identify itself. Nothing is mutated.
func (a *Adapter) VerifyConnection(ctx context.Context) (Diagnostic, error) {
	if !a.IsConfigured() {
		return Diagnostic{Detail: "server url and token are required"}, nil
	}

	var identity struct {
		MachineIdentifier string `json:"machine_identifier"`
		FriendlyName      string `json:"friendly_name"`
		Version           string `json:"version"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v2/server", nil, &identity); err != nil {
		return Diagnostic{Detail: err.Error()}, err
	}
	if identity.MachineIdentifier == "" {
		err := apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("server identity missing machine identifier"))
		return Diagnostic{Detail: err.Error()}, err
	}

	detail := fmt.Sprintf("reached %s (%s)", identity.FriendlyName, identity.MachineIdentifier)
	if a.cfg.ServerIdentifier != "" && identity.MachineIdentifier != a.cfg.ServerIdentifier {
		return Diagnostic{Detail: fmt.Sprintf("server identifies as %s, configured as %s",
			identity.MachineIdentifier, a.cfg.ServerIdentifier)}, nil
	}
	return Diagnostic{OK: true, Detail: detail}, nil
}

// ListUsers enumerates the accounts the server knows about.
func (a *Adapter) ListUsers(ctx context.Context) ([]User, error) {
	if !a.IsConfigured() {
		return nil, apperrors.New(apperrors.CodeAdapterNotConfigured, "media server is not configured")
	}

	var payload struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
			Email    string `json:"email"`
		} `json:"users"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v2/users", nil, &payload); err != nil {
		return nil, err
	}

	users := make([]User, 0, len(payload.Users))
	for _, u := range payload.Users {
		users = append(users, User{
			ID:       u.ID,
			Username: u.Username,
			Email:    strings.ToLower(strings.TrimSpace(u.Email)),
		})
	}
	return users, nil
}

// CreateInvite shares the configured libraries with the given email.
func (a *Adapter) CreateInvite(ctx context.Context, req InviteRequest) (CreatedInvite, error) {
	if !a.IsConfigured() {
		return CreatedInvite{}, apperrors.New(apperrors.CodeAdapterNotConfigured, "media server is not configured")
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return CreatedInvite{}, fmt.Errorf("invite email is required")
	}

	identifier := strings.TrimSpace(req.ServerIdentifier)
	if identifier == "" {
		identifier = a.cfg.ServerIdentifier
	}
	sections := req.SectionIDs
	if len(sections) == 0 {
		sections = a.cfg.LibrarySectionIDs
	}
	friendly := strings.TrimSpace(req.FriendlyName)
	if friendly == "" {
		friendly = a.cfg.FriendlyName
	}

	request := map[string]any{
		"machine_identifier":  identifier,
		"invited_email":       email,
		"library_section_ids": sections,
		"friendly_name":       friendly,
		"settings": map[string]bool{
			"allow_sync":     req.AllowSync || a.cfg.AllowSync,
			"allow_channels": req.AllowChannels || a.cfg.AllowChannels,
		},
	}

	var payload struct {
		ID                string   `json:"id"`
		InviteURL         string   `json:"invite_url"`
		Status            string   `json:"status"`
		InvitedAt         string   `json:"invited_at"`
		LibrarySectionIDs []string `json:"library_section_ids"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/v2/shared_servers", request, &payload); err != nil {
		return CreatedInvite{}, err
	}
	if payload.ID == "" {
		return CreatedInvite{}, apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("invite response missing id"))
	}

	created := CreatedInvite{
		InviteID:  payload.ID,
		InviteURL: payload.InviteURL,
		Status:    payload.Status,
		Libraries: payload.LibrarySectionIDs,
	}
	if payload.InvitedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, payload.InvitedAt); err == nil {
			created.InvitedAt = parsed.UTC()
		}
	}
	return created, nil
}

// RevokeUser removes the share matching the account id or email. The server
// not having such a share is a successful no-op reported as not found.
func (a *Adapter) RevokeUser(ctx context.Context, req RevokeRequest) (RevokeResult, error) {
	if !a.IsConfigured() {
		return RevokeResult{}, apperrors.New(apperrors.CodeAdapterNotConfigured, "media server is not configured")
	}
	accountID := strings.TrimSpace(req.MediaAccountID)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if accountID == "" && email == "" {
		return RevokeResult{}, fmt.Errorf("account id or email is required")
	}

	var payload struct {
		SharedServers []struct {
			ID           string `json:"id"`
			UserID       string `json:"user_id"`
			InvitedEmail string `json:"invited_email"`
		} `json:"shared_servers"`
	}
	path := "/api/v2/shared_servers"
	if a.cfg.ServerIdentifier != "" {
		path += "?machine_identifier=" + url.QueryEscape(a.cfg.ServerIdentifier)
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return RevokeResult{}, err
	}

	shareID := ""
	for _, share := range payload.SharedServers {
		if accountID != "" && share.UserID == accountID {
			shareID = share.ID
			break
		}
		if email != "" && strings.ToLower(share.InvitedEmail) == email {
			shareID = share.ID
			break
		}
	}
	if shareID == "" {
		return RevokeResult{Reason: RevokeReasonNotFound}, nil
	}

	err := a.do(ctx, http.MethodDelete, "/api/v2/shared_servers/"+url.PathEscape(shareID), nil, nil)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return RevokeResult{Reason: RevokeReasonNotFound, ShareID: shareID}, nil
		}
		return RevokeResult{}, err
	}
	return RevokeResult{Success: true, ShareID: shareID}, nil
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
	req.Header.Set(headerAccept, "application/json")
	req.Header.Set(headerToken, a.cfg.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := a.client.Do(req)
	if err != nil {
		return apperrors.NewAdapterError(serviceName, apperrors.AdapterUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return apperrors.New(apperrors.CodeNotFound, "media server has no record at "+path)
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
