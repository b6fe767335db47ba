package convergence

import "errors"

var (
	// ErrIdentityNotFound means no cached user record matched the caller or
	// event. Webhook paths treat it as a benign no-op; authenticated paths
	// surface it.
	ErrIdentityNotFound = errors.New("no matching user record")

	// ErrPersistence means the primary entitlement write failed; the cached
	// record is unchanged and the whole entry point can be retried.
	ErrPersistence = errors.New("entitlement write failed")

	// ErrPartialPersistence means the user record was written but the shop
	// mirror was not. The mirror self-heals on the next convergence pass.
	ErrPartialPersistence = errors.New("shop mirror write lagged")
)
