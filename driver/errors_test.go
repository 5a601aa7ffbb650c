package driver

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsConnectionError(t *testing.T) {
	conn := []error{
		ErrConnectTimeout,
		ErrConnectRefused,
		ErrProtocolViolation,
		ErrNotConnected,
		fmt.Errorf("dial sim1: %w", ErrConnectRefused),
		fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrConnectTimeout)),
	}
	for _, err := range conn {
		if !IsConnectionError(err) {
			t.Errorf("IsConnectionError(%v) = false", err)
		}
	}

	other := []error{
		nil,
		errors.New("node not found"),
		errors.New("value out of range"),
	}
	for _, err := range other {
		if IsConnectionError(err) {
			t.Errorf("IsConnectionError(%v) = true", err)
		}
	}
}
