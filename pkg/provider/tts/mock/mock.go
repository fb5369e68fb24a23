// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider in unit tests to feed controlled playback URLs to the
// queue engine without a live synthesis backend. Zero values return an
// empty Result and nil error; set Err to inject failures.
package mock

import (
	"context"
	"sync"

	"github.com/overvox/overvox/pkg/provider/tts"
)

// Call records a single invocation of Synthesize.
type Call struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned from Synthesize when Err and Fn are unset.
	Result tts.Result

	// Err, if non-nil, is returned from Synthesize.
	Err error

	// Fn, if non-nil, replaces the canned Result/Err behaviour entirely.
	// Useful for blocking until a cancellation signal in tests.
	Fn func(ctx context.Context, req tts.Request) (tts.Result, error)

	// Delay, if non-nil, is closed-waited on before returning: Synthesize
	// blocks until the channel is closed or ctx is cancelled.
	Delay chan struct{}

	calls []Call
}

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Ctx: ctx, Req: req})
	fn := p.Fn
	delay := p.Delay
	res, err := p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return tts.Result{}, tts.ErrAborted
		}
	}
	if ctx.Err() != nil {
		return tts.Result{}, tts.ErrAborted
	}
	return res, err
}

// Calls returns a copy of all recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of recorded invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
