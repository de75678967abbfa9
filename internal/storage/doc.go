// Package storage defines the persistence interfaces for the donor gateway.
//
// It provides one interface per entity family (donors, prospects, invites,
// share links, payments, events, settings, tokens, support threads) plus a
// composite Store that adds the cross-entity transactional operations the
// coordinators need. Implementations of these interfaces (e.g. using
// SQLite) can be found in subpackages.
//
// # Error Types
//
// The package defines common error values used across implementations:
//   - ErrNotFound: a requested record is missing.
//   - ErrConflictingOwner: an ownership rule was violated.
//   - ErrConstraint: a uniqueness or integrity rule was violated.
//   - ErrStoreUnavailable: the underlying database cannot serve.
package storage
