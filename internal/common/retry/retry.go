// Package retry applies bounded exponential backoff at store and
// provider I/O boundaries. Higher layers never retry; they translate
// failures into user-visible errors.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/pairdev/pairdev/internal/common/errors"
)

const (
	defaultMaxTries        = 3
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
)

// Do runs op with exponential backoff, up to three attempts. Only
// transient errors are retried; validation, not-found, conflict and
// other terminal kinds fail immediately.
func Do[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return DoN(ctx, defaultMaxTries, op)
}

// DoN is Do with an explicit attempt bound.
func DoN[T any](ctx context.Context, maxTries uint, op func() (T, error)) (T, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = defaultInitialInterval
	exp.MaxInterval = defaultMaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		out, err := op()
		if err != nil && !retriable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(maxTries))
}

// retriable reports whether err should be attempted again. AppErrors
// retry only when transient; unclassified errors are assumed to come
// from an I/O path and retry.
func retriable(err error) bool {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == apperrors.KindTransient
	}
	return true
}
