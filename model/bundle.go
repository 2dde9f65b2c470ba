package model

import "time"

// ContextBundle is the exact payload sent to the model for one request.
// It is built fresh on every send.
type ContextBundle struct {
	SystemContent string
	Messages      []Message
}

// CompressionResult is the output of a history compression pass.
type CompressionResult struct {
	Messages           []Message
	OriginalTokens     int
	CompressedTokens   int
	DroppedCount       int
	CompressionApplied bool
}

// RetryPolicy bounds how the streaming client retries a failed request.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the exclusive upper bound of the random delay added to
	// each backoff step.
	Jitter time.Duration
}

// DefaultJitter is the random spread added to each backoff step.
const DefaultJitter = 500 * time.Millisecond

// DefaultRetryPolicy returns three retries with 1s base and 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  1000 * time.Millisecond,
		MaxDelay:   10000 * time.Millisecond,
		Jitter:     DefaultJitter,
	}
}
