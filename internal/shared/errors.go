package shared

import "fmt"

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")

	// Authentication errors
	ErrAuthFailed       = fmt.Errorf("authentication failed")
	ErrNotAuthenticated = fmt.Errorf("not authenticated")
	ErrTokenExpired     = fmt.Errorf("access token expired")

	// Persistence errors
	ErrNotFound    = fmt.Errorf("not found")
	ErrConflict    = fmt.Errorf("unique constraint conflict")
	ErrTransaction = fmt.Errorf("transaction failed")

	// Domain errors
	ErrValidation = fmt.Errorf("validation failed")

	// Node and workflow errors
	ErrDependency      = fmt.Errorf("missing dependency")
	ErrUnknownNode     = fmt.Errorf("unknown node")
	ErrCyclicWorkflow  = fmt.Errorf("workflow contains a cycle")
	ErrInvalidWorkflow = fmt.Errorf("invalid workflow definition")

	// External service errors. Transient errors (network, rate limit, 5xx)
	// are retried with backoff; permanent errors (other 4xx) surface as-is.
	ErrTransient          = fmt.Errorf("transient external error")
	ErrPermanent          = fmt.Errorf("permanent external error")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")

	// Entity-specific lookups wrap ErrNotFound so retry classifiers treat
	// them as non-retryable without matching each sentinel.
	ErrPlaylistNotFound = fmt.Errorf("playlist %w", ErrNotFound)
	ErrTrackNotFound    = fmt.Errorf("track %w", ErrNotFound)
)
