// Package timeouts defines shared timeout constants used across the
// gateway. Centralizing these values prevents drift between components and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// AdapterCall caps the time allowed for a single call to an external
// service (payment processor, media server, or mail relay).
const AdapterCall = 10 * time.Second

// SweepDrain limits how long a periodic sweep may keep running after the
// gateway receives a shutdown signal.
const SweepDrain = 30 * time.Second

// SessionPoll caps a single device-link poll round trip so a slow media
// server cannot stall the donor dashboard.
const SessionPoll = 10 * time.Second
