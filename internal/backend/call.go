package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/observability"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
)

// CallPolicy bounds every call to the backing store.
type CallPolicy struct {
	// Timeout applies to each attempt separately.
	Timeout         time.Duration
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultCallPolicy is used for zero fields of a configured policy.
var DefaultCallPolicy = CallPolicy{
	Timeout:         5 * time.Second,
	MaxAttempts:     3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

func (p CallPolicy) withDefaults() CallPolicy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultCallPolicy.Timeout
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultCallPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultCallPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultCallPolicy.MaxInterval
	}
	return p
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case models.CodeValidation, models.CodeNotFound, models.CodeForbidden, models.CodeUnauthorized:
			return true
		}
	}
	return false
}

// call runs fn under the store's policy: one span for the whole call, a timeout per
// attempt and exponential backoff between attempts. Errors that are not already
// AppErrors come back as transport errors.
func call[T any](ctx context.Context, p CallPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	span, ctx := observability.NewSpan(ctx, "backend."+op)
	defer span.End()
	finish := observability.TrackBackendCall(op)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	attempts := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		v, err := fn(attemptCtx)
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(time.Duration(p.MaxAttempts)*(p.Timeout+p.MaxInterval)),
		backoff.WithNotify(func(err error, next time.Duration) {
			observability.BackendRetries.WithLabelValues(op).Inc()
			observability.Logger.WarnContext(ctx, "backend call failed, retrying",
				slog.String("operation", op),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()),
			)
		}),
	)

	span.AddAttributes(attribute.Int("backend.attempts", attempts))
	finish(err)
	if err == nil {
		return res, nil
	}

	span.SetError(err)
	var appErr *models.AppError
	if errors.As(err, &appErr) || errors.Is(err, context.Canceled) {
		return res, err
	}
	return res, models.NewTransportError(op, err)
}
