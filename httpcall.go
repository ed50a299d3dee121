package transit

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"

	"github.com/pkg/errors"
)

// SecretHeader carries the shared secret on HTTP fallback requests.
const SecretHeader = "X-Transit-Secret"

// HTTPCaller is the synchronous fallback transport: the opaque payload is
// POSTed to a fixed URL and the response body is the response payload. No
// correlation machinery, pairing is implicit in the HTTP exchange.
type HTTPCaller struct {
	url    string
	secret string
	client *http.Client
}

// HTTPOption configures an HTTPCaller.
type HTTPOption func(*HTTPCaller)

// SetHTTPClient replaces the underlying http.Client.
func SetHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPCaller) { h.client = client }
}

// NewHTTPCaller creates a caller for the given endpoint and shared secret.
func NewHTTPCaller(url, secret string, opts ...HTTPOption) *HTTPCaller {
	h := &HTTPCaller{url: url, secret: secret, client: http.DefaultClient}
	for _, setter := range opts {
		setter(h)
	}
	return h
}

// Call POSTs the payload. A 200 yields the response body; any other status
// fails with HTTPError.
func (h *HTTPCaller) Call(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(SecretHeader, h.secret)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Status: resp.StatusCode}
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	return body, nil
}
