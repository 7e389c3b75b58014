package cloud

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/kumoproj/kumo/internal/migrate"
)

// ClassifyHTTP maps an HTTP status code from a provider API to an error
// kind. Drivers use this after extracting the status from their SDK's
// error type.
func ClassifyHTTP(status int) migrate.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return migrate.KindAuth
	case status == http.StatusNotFound:
		return migrate.KindNotFound
	case status == http.StatusTooManyRequests:
		return migrate.KindProviderRateLimit
	case status >= 500:
		return migrate.KindTransientNetwork
	}
	return migrate.KindInternal
}

// WrapNetwork classifies timeouts, connection failures, and context
// deadlines as transient network errors; everything else falls through to
// the given default kind.
func WrapNetwork(op string, err error, fallback migrate.Kind) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return migrate.NewError(migrate.KindTransientNetwork, op, err)
	}
	return migrate.NewError(fallback, op, err)
}
