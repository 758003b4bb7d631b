package inference

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned when a Scripted client runs out of steps.
var ErrScriptExhausted = errors.New("scripted client has no more responses")

// Step produces one scripted reply.
type Step func(req Request) (*Response, error)

// Reply returns a Step answering with resp.
func Reply(resp *Response) Step {
	return func(Request) (*Response, error) { return resp, nil }
}

// Fail returns a Step answering with err.
func Fail(err error) Step {
	return func(Request) (*Response, error) { return nil, err }
}

// Scripted is a Client that replays steps in order and records every
// request. When Repeat is set, the last step is replayed forever.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	requests []Request
	Repeat   bool
}

var _ Client = (*Scripted)(nil)

// NewScripted returns a client replaying steps.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// CreateMessage returns the next scripted reply.
func (s *Scripted) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	// Messages are copied so later appends by the caller are not observed.
	req.Messages = append([]Message(nil), req.Messages...)
	s.requests = append(s.requests, req)
	n := len(s.requests)
	var step Step
	switch {
	case n <= len(s.steps):
		step = s.steps[n-1]
	case s.Repeat && len(s.steps) > 0:
		step = s.steps[len(s.steps)-1]
	}
	s.mu.Unlock()

	if step == nil {
		return nil, ErrScriptExhausted
	}
	return step(req)
}

// Requests returns the recorded requests.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns the number of requests made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// EndTurn is a final text response.
func EndTurn(text string) *Response {
	return &Response{Content: []ContentBlock{TextBlock(text)}, StopReason: StopEndTurn}
}

// UseTools is a response requesting the given tool calls.
func UseTools(calls ...ContentBlock) *Response {
	return &Response{Content: calls, StopReason: StopToolUse}
}
