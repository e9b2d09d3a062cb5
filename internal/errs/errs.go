// Package errs defines the failure taxonomy shared by the lifecycle engine,
// repositories and the HTTP layer. Callers wrap these sentinels with
// fmt.Errorf("...: %w", ...) and the server maps them to status codes with
// errors.Is.
package errs

import "errors"

var (
	// ErrValidation marks malformed or semantically invalid input, such as
	// an empty item list or a menu item from another restaurant.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing order, restaurant or menu item.
	ErrNotFound = errors.New("not found")

	// ErrAuthentication marks a missing, malformed or expired token.
	ErrAuthentication = errors.New("authentication required")

	// ErrAuthorization marks a valid identity lacking the role or ownership
	// needed for the requested action.
	ErrAuthorization = errors.New("not permitted")

	// ErrConflict marks a lost race, e.g. an order already accepted by
	// another courier.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition marks a status change that is not a legal edge
	// from the order's current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)
