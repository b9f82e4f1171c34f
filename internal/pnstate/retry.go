package pnstate

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dstotijn/ssev/internal/model"
)

// RetryPolicy wraps the upload retry strategy the specification
// leaves as an explicit placeholder ("insert favorite retry strategy
// here", §9): exponential backoff with jitter and a bounded max
// elapsed time, rather than the prototype's hardcoded constant.
// download never retries (§4.3, §7): a dropped tick is caught up by
// the next periodic refresh, so no RetryPolicy is used there.
type RetryPolicy struct {
	b backoff.BackOff
}

// DefaultRetryPolicy returns the retry policy used for
// blacklist_upload and greylist_upload.
func DefaultRetryPolicy() RetryPolicy {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 2 * time.Minute
	return RetryPolicy{b: eb}
}

// Run retries fn, which allocates a computation id (blacklist_upload),
// until it succeeds, the policy gives up, or ctx is cancelled.
func (p RetryPolicy) Run(ctx context.Context, fn func() (model.ComputationID, error)) (model.ComputationID, error) {
	var result model.ComputationID
	op := func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		result = v
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(p.b, ctx))
	return result, err
}

// RunVoid retries fn, which returns only an error (greylist_upload),
// until it succeeds, the policy gives up, or ctx is cancelled.
func (p RetryPolicy) RunVoid(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, backoff.WithContext(p.b, ctx))
}
