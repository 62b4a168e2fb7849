package lifecycle

import "errors"

// Error taxonomy surfaced to the API layer. Validation errors cause no state
// change; ErrAdapterUnavailable during create/start leaves the container in
// failed with its ledger slot released.
var (
	ErrQuotaExceeded      = errors.New("lifecycle: concurrent container quota exceeded")
	ErrDuplicateName      = errors.New("lifecycle: container name already in use")
	ErrNotFound           = errors.New("lifecycle: container not found")
	ErrForbidden          = errors.New("lifecycle: caller is not owner or admin")
	ErrInvalidTransition  = errors.New("lifecycle: invalid state transition")
	ErrAdapterUnavailable = errors.New("lifecycle: runtime adapter unavailable")
)
