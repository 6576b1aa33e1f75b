package oracle

import "errors"

// Error kinds surfaced to transports. Validation messages are deliberately
// uninformative about which rule failed.
var (
	ErrInvalidPubkey  = errors.New("invalid pubkey")
	ErrInvalidMaxHops = errors.New("invalid max_hops")
	ErrTooManyTargets = errors.New("too many targets")
	ErrInternal       = errors.New("internal error")
)
