package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailbridge/models"
)

// Refresher is the token surface the retry layer needs; satisfied by
// *TokenManager and faked in tests.
type Refresher interface {
	Refresh(ctx context.Context, acc *models.MailAccount) error
}

// Retrier wraps provider calls with the token lifecycle: refresh ahead
// of a known-expired token, and on an unauthorized response refresh
// once and replay. A second unauthorized response is terminal.
type Retrier struct {
	Tokens Refresher
	Clock  func() time.Time
}

// NewRetrier builds a retrier on the real clock.
func NewRetrier(tokens Refresher) *Retrier {
	return &Retrier{Tokens: tokens, Clock: time.Now}
}

func (r *Retrier) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

// Do runs fn with acc's current token, handling expiry and a single
// unauthorized retry. fn must re-read the token from acc on each call
// since a refresh rewrites it in place.
func (r *Retrier) Do(ctx context.Context, acc *models.MailAccount, fn func() error) error {
	if !acc.Connected() {
		return ErrAuthExpired
	}

	if acc.TokenExpired(r.now()) {
		if err := r.Tokens.Refresh(ctx, acc); err != nil {
			return err
		}
	}

	err := fn()
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	if refreshErr := r.Tokens.Refresh(ctx, acc); refreshErr != nil {
		return refreshErr
	}

	err = fn()
	if errors.Is(err, ErrUnauthorized) {
		// Fresh token still rejected; not a retry situation.
		return fmt.Errorf("%w: token rejected after refresh", ErrAuthExpired)
	}
	return err
}
