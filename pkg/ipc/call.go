package ipc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/billm/m2mipc/pkg/types"
)

// Response is the outcome of a Call
type Response struct {
	Status  Status            `json:"status"`
	Payload json.RawMessage   `json:"payload"`
	Parts   []json.RawMessage `json:"parts,omitempty"`
}

// Call sends payload as a single DONE request on base and blocks until the
// DONE response arrives, the request times out or ctx ends. CONTINUE
// responses received before DONE are collected in Parts.
//
// A zero timeout uses the configured default; a negative timeout never
// expires. On timeout the TIMEOUT response is returned together with a
// TIMEOUT error. Call must not be used from inside a handler: handlers run on
// the goroutine that would deliver the response.
func (s *Session) Call(ctx context.Context, base string, payload any, timeout time.Duration) (*Response, error) {
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}

	var (
		mu    sync.Mutex
		parts []json.RawMessage
	)
	result := make(chan *Response, 1)

	handler := func(status Status, _ any, p json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		if status == StatusContinue {
			parts = append(parts, p)
			return
		}
		result <- &Response{Status: status, Payload: p, Parts: parts}
	}

	req, err := s.PrepareRequest(base, nil, handler, timeout)
	if err != nil {
		return nil, err
	}

	if req.Send(payload, StatusDone) == StatusError {
		req.Cancel()
		return nil, types.NewError(types.ErrCodeInvalidArgument, "failed to send request to "+req.RequestTopic())
	}

	select {
	case resp := <-result:
		if resp.Status == StatusTimeout {
			return resp, types.NewError(types.ErrCodeTimeout, "request to "+req.RequestTopic()+" timed out after "+timeout.String())
		}
		return resp, nil
	case <-ctx.Done():
		req.Cancel()
		return nil, types.WrapError(types.ErrCodeCanceled, "call to "+req.RequestTopic()+" canceled", ctx.Err())
	case <-s.Done():
		req.Cancel()
		return nil, types.NewError(types.ErrCodeUnavailable, "session stopped while waiting for "+req.ReplyTopic())
	}
}
