package transit

import (
	"time"

	"github.com/pkg/errors"
	"github.com/transit-rpc/transit/envelope"
)

// HandlerFunc handles one inbound request. The payload is the opaque
// schema-encoded bytes from the envelope, never interpreted by the
// transport.
type HandlerFunc func(payload []byte, md envelope.Metadata) Result

type resultKind int

const (
	resultInvalid resultKind = iota
	resultOK
	resultOKPayload
	resultFail
)

// Result is the canonical outcome of a handler: success with an optional
// response payload, or failure with error entries. The zero Result is a
// programming error.
type Result struct {
	kind    resultKind
	payload []byte
	entries []envelope.Entry
}

// OK is success with the endpoint's default response.
func OK() Result {
	return Result{kind: resultOK}
}

// OKPayload is success with an explicit response payload.
func OKPayload(payload []byte) Result {
	return Result{kind: resultOKPayload, payload: payload}
}

// Fail is a business rejection. With no entries it normalizes to a single
// untyped entry.
func Fail(entries ...envelope.Entry) Result {
	if len(entries) == 0 {
		entries = []envelope.Entry{{Reason: envelope.Sym("error")}}
	}
	return Result{kind: resultFail, entries: entries}
}

// Reason builds a pointerless error entry.
func Reason(r envelope.Reason) envelope.Entry {
	return envelope.Entry{Reason: r}
}

// ReasonAt builds an error entry pointing into the offending payload.
func ReasonAt(r envelope.Reason, segments ...envelope.Segment) envelope.Entry {
	return envelope.Entry{Reason: r, Pointer: segments}
}

// endpoint binds a service name to its handler. hasResponse distinguishes
// Call endpoints from Push endpoints; defaultResponse constructs the
// payload for a bare OK result.
type endpoint struct {
	service         string
	handler         HandlerFunc
	hasResponse     bool
	defaultResponse func() []byte
}

// EndpointOption adjusts a Call endpoint registration.
type EndpointOption func(*endpoint)

// WithDefaultResponse sets the payload constructor used when the handler
// returns a bare OK.
func WithDefaultResponse(construct func() []byte) EndpointOption {
	return func(e *endpoint) { e.defaultResponse = construct }
}

// processor decodes inbound envelopes, dispatches to the endpoint table and
// encodes the outcome. The table is populated before Start and read-only
// afterwards.
type processor struct {
	endpoints map[string]*endpoint
	info      LogFunc
}

func newProcessor(cfg *config) *processor {
	return &processor{
		endpoints: make(map[string]*endpoint),
		info:      cfg.info,
	}
}

func (p *processor) bind(e *endpoint) {
	p.endpoints[e.service] = e
}

// process turns one raw inbound frame into an optional reply frame. A nil
// reply with a nil error means a completed push. Any error is a failed
// outcome for the worker's monitor to absorb.
func (p *processor) process(raw []byte) ([]byte, error) {
	started := time.Now()

	req, err := envelope.DecodeRequest(raw)
	if err != nil {
		return nil, err
	}
	md := req.Metadata.Merge(envelope.Metadata{
		MetaReceivedAt: started.UTC().Format(time.RFC3339Nano),
	})

	e, ok := p.endpoints[req.Service]
	if !ok {
		return nil, errors.Errorf("no handler bound for service %q", req.Service)
	}

	result := e.handler(req.Payload, md)

	if !e.hasResponse {
		p.logOutcome(req.Service, "push", started)
		return nil, nil
	}

	resp := p.normalize(e, result)
	resp.Metadata = md.Merge(envelope.Metadata{
		MetaRespondedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if resp.OK {
		p.logOutcome(req.Service, "ok", started)
	} else {
		p.logOutcome(req.Service, "rejected", started)
	}
	return envelope.EncodeResponse(resp)
}

// normalize maps a handler result to its canonical response form.
func (p *processor) normalize(e *endpoint, r Result) *envelope.Response {
	switch r.kind {
	case resultOK:
		var payload []byte
		if e.defaultResponse != nil {
			payload = e.defaultResponse()
		}
		return &envelope.Response{OK: true, Payload: payload}
	case resultOKPayload:
		return &envelope.Response{OK: true, Payload: r.payload}
	case resultFail:
		return &envelope.Response{Entries: r.entries}
	default:
		// Not a recoverable path: the handler broke the contract.
		panic("transit: handler returned an invalid result")
	}
}

func (p *processor) logOutcome(service, outcome string, started time.Time) {
	p.info("processed %s: %s in %s", service, outcome, time.Since(started))
}
