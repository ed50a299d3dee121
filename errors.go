package transit

import (
	"fmt"
	"time"

	"github.com/transit-rpc/transit/envelope"
)

type (
	// TransportError marks infrastructure failures, as opposed to a
	// business rejection carried inside a response envelope. Nothing at
	// this layer retries them.
	TransportError interface {
		error
		transportError()
	}

	// TimeoutError reports that no matching response arrived within the
	// call deadline.
	TimeoutError struct {
		Duration time.Duration
	}

	// ServiceError reports that the remote handler failed without
	// structured detail (the reserved failure frame was received).
	ServiceError struct{}

	// ConnectionError reports a broker connection problem: not connected,
	// publish on a stale channel, broker unreachable.
	ConnectionError struct {
		Err error
	}

	// HTTPError reports a non-200 status from the HTTP fallback.
	HTTPError struct {
		Status int
	}

	// MockError wraps a failure injected by a test double.
	MockError struct {
		Err error
	}

	// CallError wraps the business rejection entries of an Error response
	// for the unwrapping call variant.
	CallError struct {
		Entries []envelope.Entry
	}
)

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: no response within %s", e.Duration)
}

func (e *ServiceError) Error() string {
	return "rpc: remote handler failed"
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "rpc: not connected"
	}
	return "rpc: connection failure: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *HTTPError) Error() string {
	return fmt.Sprintf("rpc: http status %d", e.Status)
}

func (e *MockError) Error() string {
	return "rpc: mock failure: " + e.Err.Error()
}

func (e *MockError) Unwrap() error { return e.Err }

func (e *CallError) Error() string {
	return fmt.Sprintf("rpc: call rejected with %d error(s)", len(e.Entries))
}

func (e *TimeoutError) transportError()    {}
func (e *ServiceError) transportError()    {}
func (e *ConnectionError) transportError() {}
func (e *HTTPError) transportError()       {}
func (e *MockError) transportError()       {}

// IsTransport reports whether err is an infrastructure failure from this
// layer.
func IsTransport(err error) bool {
	_, ok := err.(TransportError)
	return ok
}
