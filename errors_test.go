package transit

import (
	"errors"
	"testing"
	"time"

	"github.com/transit-rpc/transit/envelope"
)

func TestTransportErrorKinds(t *testing.T) {
	underlying := errors.New("boom")
	kinds := []error{
		&TimeoutError{Duration: time.Second},
		&ServiceError{},
		&ConnectionError{Err: underlying},
		&HTTPError{Status: 503},
		&MockError{Err: underlying},
	}
	for _, err := range kinds {
		if !IsTransport(err) {
			t.Errorf("%T must be a TransportError", err)
		}
		if err.Error() == "" {
			t.Errorf("%T has an empty message", err)
		}
	}
}

func TestCallErrorIsNotTransport(t *testing.T) {
	err := &CallError{Entries: []envelope.Entry{{Reason: envelope.Sym("nope")}}}
	if IsTransport(err) {
		t.Error("a business rejection is not an infrastructure failure")
	}
	if err.Error() == "" {
		t.Error("empty message")
	}
}

func TestErrorUnwrapping(t *testing.T) {
	underlying := errors.New("boom")
	if !errors.Is(&ConnectionError{Err: underlying}, underlying) {
		t.Error("ConnectionError must unwrap to its cause")
	}
	if !errors.Is(&MockError{Err: underlying}, underlying) {
		t.Error("MockError must unwrap to its cause")
	}
}
