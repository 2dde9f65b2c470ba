package provider

import (
	"context"
	"math/rand/v2"
	"time"

	"chatcore/model"
)

// Backoff returns the delay before retry number attempt (0-based):
// min(MaxDelay, BaseDelay*2^attempt + rand[0, Jitter)).
func Backoff(p model.RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt && i < 32 && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.Jitter > 0 {
		d += rand.N(p.Jitter)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type retryHookKey struct{}

// WithRetryHook returns a context whose streams report retries to fn, in
// addition to Client.OnRetry.
func WithRetryHook(ctx context.Context, fn RetryCallback) context.Context {
	return context.WithValue(ctx, retryHookKey{}, fn)
}

func retryHookFrom(ctx context.Context) RetryCallback {
	fn, _ := ctx.Value(retryHookKey{}).(RetryCallback)
	return fn
}
