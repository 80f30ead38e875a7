package llm

import (
	"context"
	"sync"
)

// ScriptedProvider replays canned responses in order. It exists for tests and
// for running the engine offline.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	calls     int

	// OnRequest, when set, observes each request before a response is served.
	OnRequest func(req *Request)
}

var _ Provider = (*ScriptedProvider)(nil)

// NewScriptedProvider builds a provider that serves the given responses one by
// one. After the script runs out, the last response repeats.
func NewScriptedProvider(responses ...*Response) *ScriptedProvider {
	return &ScriptedProvider{responses: responses}
}

// FailWith arranges for the nth call (zero-based) to return err instead of a
// scripted response.
func (p *ScriptedProvider) FailWith(call int, err error) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.errs) <= call {
		p.errs = append(p.errs, nil)
	}
	p.errs[call] = err
	return p
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	call := p.calls
	p.calls++

	if p.OnRequest != nil {
		p.OnRequest(req)
	}
	if call < len(p.errs) && p.errs[call] != nil {
		return nil, p.errs[call]
	}
	if len(p.responses) == 0 {
		return &Response{Content: ""}, nil
	}
	if call >= len(p.responses) {
		call = len(p.responses) - 1
	}
	return p.responses[call], nil
}

// Calls reports how many completions were requested.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
