package session

import (
	"context"
	"sync"

	"github.com/JakeFAU/dealscan/internal/deal"
)

// Token is a one-way cancellation flag shared by every component of a run.
// Once signalled it never resets; each run gets a fresh token. A nil *Token
// is never cancelled.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	once   sync.Once
}

// NewToken returns an armed token. It is also signalled when parent ends.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel signals the token. Extra calls are no-ops.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.cancel(deal.ErrCanceled)
	})
}

// Cancelled reports whether the token has been signalled.
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	return t.ctx.Err() != nil
}

// Done is closed once the token is signalled.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ctx.Done()
}

// Err returns nil while armed and an ErrCanceled-matching error afterwards.
func (t *Token) Err() error {
	if t == nil || t.ctx.Err() == nil {
		return nil
	}
	return deal.Canceled(context.Cause(t.ctx))
}

// Context exposes the token as a context for APIs that only accept one.
func (t *Token) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}

// Bind returns a context that ends when either ctx or the token ends.
func (t *Token) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	if t == nil {
		return context.WithCancel(ctx)
	}
	bound, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(t.ctx, func() {
		cancel(deal.ErrCanceled)
	})
	return bound, func() {
		stop()
		cancel(context.Canceled)
	}
}

type tokenKey struct{}

// WithToken returns a copy of ctx carrying tok, for collaborators whose
// interfaces only take a context.
func WithToken(ctx context.Context, tok *Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, tok)
}

// FromContext returns the token stored by WithToken, or nil.
func FromContext(ctx context.Context) *Token {
	tok, _ := ctx.Value(tokenKey{}).(*Token)
	return tok
}
