// Package envelope implements the text wire format for transit frames:
// request envelopes carrying a service name, an opaque payload and string
// metadata, and response envelopes carrying either a payload or a list of
// structured error entries. Payloads are never interpreted here.
package envelope

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformed marks a frame that cannot be a message from a compatible peer.
var ErrMalformed = errors.New("malformed envelope")

// failureFrame is the reserved reply body meaning "handler failed, no
// structured detail available".
var failureFrame = []byte("ESRV")

// FailureSymbol is the reason carried by a decoded failure frame.
const FailureSymbol = "ESRV"

// Metadata carries string key/value pairs alongside a payload. Order is
// irrelevant.
type Metadata map[string]string

// Merge returns a copy of md with the given pairs set. md itself is never
// mutated; a nil md is treated as empty.
func (md Metadata) Merge(pairs Metadata) Metadata {
	out := make(Metadata, len(md)+len(pairs))
	for k, v := range md {
		out[k] = v
	}
	for k, v := range pairs {
		out[k] = v
	}
	return out
}

// Request is a decoded request envelope.
type Request struct {
	Service  string
	Payload  []byte
	Metadata Metadata
}

// SegmentKind locates an error inside a structured payload.
type SegmentKind string

const (
	KindStruct   SegmentKind = "struct"
	KindMap      SegmentKind = "map"
	KindRepeated SegmentKind = "repeated"
)

// Segment is one step of an error pointer.
type Segment struct {
	Kind SegmentKind
	Key  string
}

// Reason is the cause attached to an error entry, either a symbol or free
// text. On the wire symbols carry a leading ':'.
type Reason struct {
	Symbol bool
	Value  string
}

// Sym builds a symbol reason.
func Sym(v string) Reason { return Reason{Symbol: true, Value: v} }

// Text builds a free-text reason.
func Text(v string) Reason { return Reason{Value: v} }

// Entry is one error of a rejected response: a reason plus an optional
// pointer into the offending payload.
type Entry struct {
	Reason  Reason
	Pointer []Segment
}

// Response is a decoded response envelope: exactly one of the Ok and Error
// variants. OK distinguishes them.
type Response struct {
	OK       bool
	Payload  []byte
	Entries  []Entry
	Metadata Metadata
}

type wireRequest struct {
	Service  string            `json:"service"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  *[]byte           `json:"payload"`
}

type wireResponse struct {
	Status   string            `json:"status"`
	Payload  []byte            `json:"payload,omitempty"`
	Errors   []Entry           `json:"errors,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EncodeRequest builds the wire form of a request envelope.
func EncodeRequest(service string, payload []byte, md Metadata) ([]byte, error) {
	if service == "" {
		return nil, errors.Wrap(ErrMalformed, "empty service name")
	}
	if payload == nil {
		payload = []byte{}
	}
	return json.Marshal(wireRequest{
		Service:  service,
		Metadata: md,
		Payload:  &payload,
	})
}

// DecodeRequest parses a request envelope, failing with ErrMalformed when a
// required field is missing. Absent metadata decodes to an empty map.
func DecodeRequest(raw []byte) (*Request, error) {
	var w wireRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if w.Service == "" {
		return nil, errors.Wrap(ErrMalformed, "missing service name")
	}
	if w.Payload == nil {
		return nil, errors.Wrap(ErrMalformed, "missing payload")
	}
	md := Metadata{}
	for k, v := range w.Metadata {
		md[k] = v
	}
	return &Request{Service: w.Service, Payload: *w.Payload, Metadata: md}, nil
}

// EncodeResponse builds the wire form of a response envelope.
func EncodeResponse(r *Response) ([]byte, error) {
	w := wireResponse{Metadata: r.Metadata}
	if r.OK {
		w.Status = "ok"
		w.Payload = r.Payload
		if w.Payload == nil {
			w.Payload = []byte{}
		}
	} else {
		w.Status = "error"
		w.Errors = r.Entries
		if w.Errors == nil {
			w.Errors = []Entry{}
		}
	}
	return json.Marshal(w)
}

// DecodeResponse parses a response envelope. The reserved failure frame
// decodes to an Error response with a single untyped ESRV entry.
func DecodeResponse(raw []byte) (*Response, error) {
	if IsFailureFrame(raw) {
		return &Response{Entries: []Entry{{Reason: Sym(FailureSymbol)}}, Metadata: Metadata{}}, nil
	}
	var w wireResponse
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	md := Metadata{}
	for k, v := range w.Metadata {
		md[k] = v
	}
	switch w.Status {
	case "ok":
		p := w.Payload
		if p == nil {
			p = []byte{}
		}
		return &Response{OK: true, Payload: p, Metadata: md}, nil
	case "error":
		return &Response{Entries: w.Errors, Metadata: md}, nil
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown response status %q", w.Status)
	}
}

// FailureFrame returns the reserved reply body for a failed handler.
func FailureFrame() []byte {
	out := make([]byte, len(failureFrame))
	copy(out, failureFrame)
	return out
}

// IsFailureFrame reports whether raw is exactly the reserved failure frame.
func IsFailureFrame(raw []byte) bool {
	return bytes.Equal(raw, failureFrame)
}

// MarshalJSON writes a symbol reason as ":name" and a text reason verbatim.
func (r Reason) MarshalJSON() ([]byte, error) {
	if r.Symbol {
		return json.Marshal(":" + r.Value)
	}
	return json.Marshal(r.Value)
}

func (r *Reason) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	if strings.HasPrefix(s, ":") {
		r.Symbol = true
		r.Value = s[1:]
	} else {
		r.Symbol = false
		r.Value = s
	}
	return nil
}

// MarshalJSON writes a segment as a 2-element [kind, key] array.
func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{string(s.Kind), s.Key})
}

func (s *Segment) UnmarshalJSON(raw []byte) error {
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	if len(pair) != 2 {
		return errors.Wrapf(ErrMalformed, "pointer segment of %d elements", len(pair))
	}
	switch k := SegmentKind(pair[0]); k {
	case KindStruct, KindMap, KindRepeated:
		s.Kind = k
	default:
		return errors.Wrapf(ErrMalformed, "unknown segment kind %q", pair[0])
	}
	s.Key = pair[1]
	return nil
}

// MarshalJSON writes an entry as [reason, pointer], pointer null when absent.
func (e Entry) MarshalJSON() ([]byte, error) {
	var ptr interface{}
	if e.Pointer != nil {
		ptr = e.Pointer
	}
	return json.Marshal([2]interface{}{e.Reason, ptr})
}

func (e *Entry) UnmarshalJSON(raw []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	if len(pair) != 2 {
		return errors.Wrapf(ErrMalformed, "error entry of %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Reason); err != nil {
		return err
	}
	if string(pair[1]) == "null" {
		e.Pointer = nil
		return nil
	}
	return json.Unmarshal(pair[1], &e.Pointer)
}
