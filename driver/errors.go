package driver

import "errors"

// Connection error classes. Drivers wrap these so the supervisor can
// classify failures without knowing protocol details.
var (
	ErrConnectTimeout    = errors.New("connect timeout")
	ErrConnectRefused    = errors.New("connection refused")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrNotConnected      = errors.New("not connected")
)

// IsConnectionError reports whether err belongs to the connection error
// taxonomy shared by all drivers.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrConnectRefused) ||
		errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrNotConnected)
}
