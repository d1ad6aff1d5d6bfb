package scrip

import "errors"

// Error taxonomy. SourceUnavailable and EmptyIndex are rebuild-side
// failures; NotFound is a normal lookup outcome, never a system failure.
var (
	// ErrSourceUnavailable means the scrip-master feed could not be
	// fetched or parsed. Fatal only when no prior cache exists.
	ErrSourceUnavailable = errors.New("scrip source unavailable")

	// ErrNotFound means no contract matches the requested
	// (expiry, strike, option type) coordinates.
	ErrNotFound = errors.New("contract not found")

	// ErrEmptyIndex means the feed was fetched but the underlying filter
	// matched zero rows — almost always symbol or schema drift upstream,
	// so it is kept distinct from "not yet built".
	ErrEmptyIndex = errors.New("scrip filter produced no contracts")

	// ErrStaleCache is a warning: a refresh failed and lookups are being
	// served from the previous, out-of-window index.
	ErrStaleCache = errors.New("serving stale scrip cache")

	// ErrNotBuilt means no index exists at all; lookups must fail rather
	// than fabricate data.
	ErrNotBuilt = errors.New("scrip cache not built")
)
