package llm

import "errors"

// Sentinel errors for provider failures. Check with errors.Is; the sync
// pipeline treats them differently from archive errors (the message stays
// archived and unread, only the summary is retried later).
var (
	// ErrNotReady indicates the configured backend cannot be constructed,
	// e.g. the local model is not installed or an API key is missing.
	ErrNotReady = errors.New("llm backend not ready")

	// ErrProviderUnavailable indicates the provider could not be reached.
	ErrProviderUnavailable = errors.New("llm provider unavailable")

	// ErrProviderTimeout indicates the provider did not answer in time.
	ErrProviderTimeout = errors.New("llm provider timeout")
)
