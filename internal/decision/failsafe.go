package decision

import "github.com/steveyegge/gasbot/internal/action"

// Failsafe tolerates up to Limit consecutive empty outputs from the wrapped
// maker, then emits Fallback and starts counting again.
type Failsafe struct {
	Maker
	Limit    int
	Fallback func(ctx *Context) action.Request

	empty int
}

// NewFailsafe wraps m.
func NewFailsafe(m Maker, limit int, fallback func(ctx *Context) action.Request) *Failsafe {
	return &Failsafe{Maker: m, Limit: limit, Fallback: fallback}
}

// Decide delegates to the wrapped maker. Errors do not count as empty output.
func (f *Failsafe) Decide(ctx *Context) (*action.Request, error) {
	req, err := f.Maker.Decide(ctx)
	if err != nil {
		return nil, err
	}
	if req != nil {
		f.empty = 0
		return req, nil
	}
	f.empty++
	if f.empty <= f.Limit || f.Fallback == nil {
		return nil, nil
	}
	f.empty = 0
	r := f.Fallback(ctx)
	return &r, nil
}

// Unwrap returns the wrapped maker.
func (f *Failsafe) Unwrap() Maker { return f.Maker }
