package web

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/platform/id"
)

const (
	// sessionTTL bounds a donor session; tokens rotate on every mutation so
	// active donors never hit it.
	sessionTTL = 30 * 24 * time.Hour

	adminCookieName = "donorgate_admin"
	adminSessionAge = 12 * time.Hour
)

// sessionManager issues and verifies the donor bearer tokens. Tokens are
// HS256 JWTs; a revocation table keyed by jti covers logout and rotation
// until the underlying token expires.
type sessionManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

func newSessionManager(secret []byte, now func() time.Time) *sessionManager {
	if now == nil {
		now = time.Now
	}
	return &sessionManager{
		secret:  secret,
		ttl:     sessionTTL,
		now:     now,
		revoked: make(map[string]time.Time),
	}
}

// Issue signs a fresh session token for the donor.
func (m *sessionManager) Issue(donorID int64) (string, error) {
	jti, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("mint session id: %w", err)
	}
	now := m.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(donorID, 10),
		ID:        jti,
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks a session token and returns the donor it belongs to along
// with the token's jti and expiry.
func (m *sessionManager) Verify(token string) (int64, string, time.Time, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, "", time.Time{}, apperrors.New(apperrors.CodeAuthTokenInvalid, "session token is required")
	}

	var parsed jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return 0, "", time.Time{}, mapSessionJWTError(err)
	}

	if parsed.ID == "" {
		return 0, "", time.Time{}, apperrors.New(apperrors.CodeAuthTokenInvalid, "session jti is required")
	}
	if parsed.ExpiresAt == nil {
		return 0, "", time.Time{}, apperrors.New(apperrors.CodeAuthTokenInvalid, "session exp is required")
	}

	now := m.now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return 0, "", time.Time{}, apperrors.New(apperrors.CodeAuthSessionExpired, "session is expired")
	}

	donorID, err := strconv.ParseInt(parsed.Subject, 10, 64)
	if err != nil || donorID <= 0 {
		return 0, "", time.Time{}, apperrors.New(apperrors.CodeAuthTokenInvalid, "session subject is invalid")
	}
	if m.isRevoked(parsed.ID) {
		return 0, "", time.Time{}, apperrors.New(apperrors.CodeAuthSessionExpired, "session has been revoked")
	}
	return donorID, parsed.ID, exp, nil
}

// Revoke invalidates a token by jti until its natural expiry, pruning
// entries that have already lapsed.
func (m *sessionManager) Revoke(jti string, expiry time.Time) {
	if jti == "" {
		return
	}
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, exp := range m.revoked {
		if !exp.After(now) {
			delete(m.revoked, key)
		}
	}
	m.revoked[jti] = expiry
}

func (m *sessionManager) isRevoked(jti string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[jti]
	return ok
}

// mapSessionJWTError translates jwt library errors to application errors.
func mapSessionJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return apperrors.New(apperrors.CodeAuthTokenInvalid, "session signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeAuthTokenInvalid, "session alg is invalid")
	}
	return apperrors.New(apperrors.CodeAuthTokenInvalid, "session token is invalid")
}

// adminGate guards the admin surface with a signed cookie session and a
// double-submit CSRF token on mutations.
type adminGate struct {
	store        *sessions.CookieStore
	username     string
	passwordHash string
}

func newAdminGate(secret []byte, username, passwordHash string, secure bool) *adminGate {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/admin",
		MaxAge:   int(adminSessionAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
	return &adminGate{
		store:        store,
		username:     strings.TrimSpace(username),
		passwordHash: passwordHash,
	}
}

// login checks the operator credentials and, on success, writes the session
// cookie and returns the CSRF token the client must echo on mutations.
func (g *adminGate) login(w http.ResponseWriter, r *http.Request, username, password string) (string, error) {
	if g.username == "" || g.passwordHash == "" {
		return "", apperrors.New(apperrors.CodeAuthInvalidCredentials, "admin credentials are not configured")
	}
	if strings.TrimSpace(username) != g.username {
		return "", apperrors.New(apperrors.CodeAuthInvalidCredentials, "invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(g.passwordHash), []byte(password)); err != nil {
		return "", apperrors.New(apperrors.CodeAuthInvalidCredentials, "invalid username or password")
	}

	csrf, err := id.NewToken(32)
	if err != nil {
		return "", fmt.Errorf("mint csrf token: %w", err)
	}
	session, _ := g.store.Get(r, adminCookieName)
	session.Values["admin"] = true
	session.Values["csrf"] = csrf
	if err := session.Save(r, w); err != nil {
		return "", fmt.Errorf("save admin session: %w", err)
	}
	return csrf, nil
}

// require checks that the request carries a live admin session.
func (g *adminGate) require(r *http.Request) error {
	session, err := g.store.Get(r, adminCookieName)
	if err != nil {
		return apperrors.New(apperrors.CodeAuthForbidden, "admin session required")
	}
	if ok, _ := session.Values["admin"].(bool); !ok {
		return apperrors.New(apperrors.CodeAuthForbidden, "admin session required")
	}
	return nil
}

// requireMutation additionally checks the X-CSRF-Token header against the
// token stored in the session.
func (g *adminGate) requireMutation(r *http.Request) error {
	session, err := g.store.Get(r, adminCookieName)
	if err != nil {
		return apperrors.New(apperrors.CodeAuthForbidden, "admin session required")
	}
	if ok, _ := session.Values["admin"].(bool); !ok {
		return apperrors.New(apperrors.CodeAuthForbidden, "admin session required")
	}
	stored, _ := session.Values["csrf"].(string)
	header := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if stored == "" || header == "" || subtle.ConstantTimeCompare([]byte(header), []byte(stored)) != 1 {
		return apperrors.New(apperrors.CodeAuthCSRFMismatch, "csrf token mismatch")
	}
	return nil
}

// logout expires the admin cookie.
func (g *adminGate) logout(w http.ResponseWriter, r *http.Request) error {
	session, err := g.store.Get(r, adminCookieName)
	if err != nil {
		return nil
	}
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("clear admin session: %w", err)
	}
	return nil
}
