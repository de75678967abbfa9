// Package web hosts the gateway's four HTTP surfaces on one mux: the
// payment-processor webhook, the donor self-service API, the admin API, and
// the share-link registration funnel.
//
// Donor mutations authenticate with a bearer session token that rotates on
// every mutating request; the refreshed token is echoed in X-Session-Token.
// The admin surface uses a signed session cookie with a double-submit CSRF
// header on mutations. The webhook and the funnel are unauthenticated; the
// webhook proves itself by signature, the funnel by its single-use token.
package web
