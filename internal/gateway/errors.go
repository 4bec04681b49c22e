package gateway

import "errors"

// Sentinel errors for the shard/manager state machine, grounded on the
// teacher's internal/errors.go.
var (
	// ErrSessionLimitExhausted reports that fewer sessions remain than the
	// manager needs to spawn its configured shard count. No function in
	// this package returns it.
	ErrSessionLimitExhausted = errors.New("the session limit has been reached")

	// ErrInvalidToken is returned when Discord rejects the bot token.
	ErrInvalidToken = errors.New("token passed is not valid")

	// ErrTerminal is returned by Listen when the shard received a terminal
	// close code and must not reconnect.
	ErrTerminal = errors.New("shard received a terminal close code")

	// ErrAlreadyClosed is returned by WriteJSON when the shard has no
	// active connection.
	ErrAlreadyClosed = errors.New("shard has no active connection")

	// ErrManagerClosed reports an operation attempted after the manager
	// was closed. No Manager method returns it.
	ErrManagerClosed = errors.New("manager has been closed")
)
