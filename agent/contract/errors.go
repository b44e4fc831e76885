package contract

import "errors"

var (
	// ErrClassifierUnavailable means the language-model collaborator could
	// not be reached; the turn fails before any workflow is started.
	ErrClassifierUnavailable = errors.New("intent classifier unavailable")

	// ErrInvalidParameters fails a tool call before any network traffic.
	ErrInvalidParameters = errors.New("invalid tool parameters")

	// ErrToolTransient marks a failure that may be retried once for
	// idempotent read tools.
	ErrToolTransient = errors.New("transient tool failure")

	// ErrToolPermanent marks a failure that moves the workflow straight to
	// its error response.
	ErrToolPermanent = errors.New("permanent tool failure")

	// ErrTimeout is a bounded-wait expiry on a tool call.
	ErrTimeout = errors.New("tool call timed out")

	// ErrReauthRequired means the stored grant is unusable and the user must
	// authenticate again. Surfaced distinctly from generic tool failure.
	ErrReauthRequired = errors.New("re-authentication required")

	// ErrConfiguration is fatal at startup: catalog collisions, missing
	// required settings, unknown transport modes.
	ErrConfiguration = errors.New("configuration error")

	// ErrModelInvoke wraps language-model transport failures outside
	// classification (e.g. response synthesis).
	ErrModelInvoke = errors.New("model invoke failed")

	// ErrSchemaViolation means a model response did not match the expected
	// structured shape.
	ErrSchemaViolation = errors.New("model response violates schema")

	// ErrValidation covers malformed inputs at component boundaries.
	ErrValidation = errors.New("validation failed")
)
