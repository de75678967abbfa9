// Package errors provides structured error handling with HTTP status mapping.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Donor errors
	CodeDonorEmailEmpty        Code = "DONOR_EMAIL_EMPTY"
	CodeDonorEmailInvalid      Code = "DONOR_EMAIL_INVALID"
	CodeDonorEmailTaken        Code = "DONOR_EMAIL_TAKEN"
	CodeDonorStatusInvalid     Code = "DONOR_STATUS_INVALID"
	CodeDonorTransitionInvalid Code = "DONOR_TRANSITION_INVALID"
	CodeDonorPasswordWeak      Code = "DONOR_PASSWORD_WEAK"
	CodeDonorPasswordSet       Code = "DONOR_PASSWORD_ALREADY_SET"

	// Invite / provisioning errors
	CodeInviteSubscriptionRequired Code = "INVITE_SUBSCRIPTION_REQUIRED"
	CodeInviteMediaLinkRequired    Code = "INVITE_MEDIA_LINK_REQUIRED"
	CodeInviteCooldownActive       Code = "INVITE_COOLDOWN_ACTIVE"
	CodeInviteRecipientInvalid     Code = "INVITE_RECIPIENT_INVALID"
	CodeInviteActiveExists         Code = "INVITE_ACTIVE_EXISTS"

	// Share link errors
	CodeShareLinkOwnerConflict Code = "SHARE_LINK_OWNER_CONFLICT"
	CodeShareLinkExpired       Code = "SHARE_LINK_EXPIRED"
	CodeShareLinkUsed          Code = "SHARE_LINK_USED"
	CodeShareLinkSessionBad    Code = "SHARE_LINK_SESSION_INVALID"

	// Auth / session errors
	CodeAuthInvalidCredentials Code = "AUTH_INVALID_CREDENTIALS"
	CodeAuthSessionExpired     Code = "AUTH_SESSION_EXPIRED"
	CodeAuthForbidden          Code = "AUTH_FORBIDDEN"
	CodeAuthTokenInvalid       Code = "AUTH_TOKEN_INVALID"
	CodeAuthTokenExpired       Code = "AUTH_TOKEN_EXPIRED"
	CodeAuthTokenUsed          Code = "AUTH_TOKEN_USED"
	CodeAuthCSRFMismatch       Code = "AUTH_CSRF_MISMATCH"

	// Settings errors
	CodeSettingsGroupUnknown Code = "SETTINGS_GROUP_UNKNOWN"
	CodeSettingsInvalid      Code = "SETTINGS_VALUE_INVALID"

	// Webhook errors
	CodeWebhookSignatureInvalid Code = "WEBHOOK_SIGNATURE_INVALID"
	CodeWebhookEnvelopeInvalid  Code = "WEBHOOK_ENVELOPE_INVALID"

	// Generic validation
	CodeValidation Code = "VALIDATION"

	// Adapter errors
	CodeAdapterNotConfigured   Code = "ADAPTER_NOT_CONFIGURED"
	CodeAdapterUnavailable     Code = "ADAPTER_UNAVAILABLE"
	CodeAdapterUnauthorized    Code = "ADAPTER_UNAUTHORIZED"
	CodeAdapterInvalidResponse Code = "ADAPTER_INVALID_RESPONSE"
	CodeAdapterThrottled       Code = "ADAPTER_THROTTLED"

	// Storage errors
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflictingOwner    Code = "CONFLICTING_OWNER"
	CodeConstraintViolation Code = "CONSTRAINT_VIOLATION"
	CodeStoreUnavailable    Code = "STORE_UNAVAILABLE"

	// Support thread errors
	CodeSupportSubjectEmpty Code = "SUPPORT_SUBJECT_EMPTY"
	CodeSupportBodyEmpty    Code = "SUPPORT_BODY_EMPTY"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input
	case CodeDonorEmailEmpty,
		CodeDonorEmailInvalid,
		CodeDonorStatusInvalid,
		CodeDonorPasswordWeak,
		CodeInviteRecipientInvalid,
		CodeSettingsInvalid,
		CodeWebhookEnvelopeInvalid,
		CodeSupportSubjectEmpty,
		CodeSupportBodyEmpty,
		CodeValidation:
		return http.StatusBadRequest

	// Unauthorized - missing or invalid credentials
	case CodeAuthInvalidCredentials,
		CodeAuthSessionExpired,
		CodeAuthTokenInvalid,
		CodeAuthTokenExpired,
		CodeAuthTokenUsed,
		CodeWebhookSignatureInvalid:
		return http.StatusUnauthorized

	// Forbidden
	case CodeAuthForbidden,
		CodeAuthCSRFMismatch:
		return http.StatusForbidden

	// Not found
	case CodeNotFound,
		CodeSettingsGroupUnknown:
		return http.StatusNotFound

	// Conflict - state disallows the operation
	case CodeDonorEmailTaken,
		CodeDonorPasswordSet,
		CodeDonorTransitionInvalid,
		CodeInviteSubscriptionRequired,
		CodeInviteMediaLinkRequired,
		CodeInviteCooldownActive,
		CodeInviteActiveExists,
		CodeShareLinkOwnerConflict,
		CodeShareLinkExpired,
		CodeShareLinkUsed,
		CodeShareLinkSessionBad,
		CodeAdapterNotConfigured,
		CodeConflictingOwner,
		CodeConstraintViolation:
		return http.StatusConflict

	// Bad gateway - an external dependency misbehaved
	case CodeAdapterUnavailable,
		CodeAdapterUnauthorized,
		CodeAdapterInvalidResponse,
		CodeAdapterThrottled:
		return http.StatusBadGateway

	// Service unavailable - the store is down
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatus resolves the status for any error, walking wrapped causes.
// Non-domain errors map to fallback.
func HTTPStatus(err error, fallback int) int {
	for err != nil {
		if domainErr, ok := err.(*Error); ok {
			return domainErr.Code.HTTPStatus()
		}
		if adapterErr, ok := err.(*AdapterError); ok {
			return adapterErr.Kind.Code().HTTPStatus()
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return fallback
}
