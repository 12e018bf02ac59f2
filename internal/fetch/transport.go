package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/steveyegge/tablesync/internal/protocol"
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 4 << 10

// NetworkError reports a failed remote call: the transport failed, the
// server answered with a non-2xx status, or the body was not an envelope.
type NetworkError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err == nil:
		return fmt.Sprintf("request to %s failed with status %d: %s", e.URL, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("request to %s (status %d) failed: %v", e.URL, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTP returns a Call that sends req with client and decodes the response
// body as an envelope. A request with a body can only be sent more than
// once when req.GetBody is set.
func HTTP(client *http.Client, req *http.Request) Call {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (*protocol.Envelope, error) {
		r := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, &NetworkError{URL: req.URL.String(), Err: err}
			}
			r.Body = body
		}

		resp, err := client.Do(r)
		if err != nil {
			return nil, &NetworkError{URL: req.URL.String(), Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &NetworkError{URL: req.URL.String(), StatusCode: resp.StatusCode, Body: string(body)}
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &NetworkError{URL: req.URL.String(), StatusCode: resp.StatusCode, Err: err}
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			return nil, &NetworkError{URL: req.URL.String(), StatusCode: resp.StatusCode, Err: err}
		}
		return env, nil
	}
}

// FileCall returns a Call that reads an envelope from a file.
func FileCall(path string) Call {
	return func(ctx context.Context) (*protocol.Envelope, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read envelope: %w", err)
		}
		return protocol.DecodeEnvelope(data)
	}
}

// Static returns a Call that yields env.
func Static(env *protocol.Envelope) Call {
	return func(ctx context.Context) (*protocol.Envelope, error) {
		return env, nil
	}
}
