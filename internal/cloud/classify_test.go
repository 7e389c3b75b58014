package cloud

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/kumoproj/kumo/internal/migrate"
)

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		status int
		kind   migrate.Kind
	}{
		{http.StatusUnauthorized, migrate.KindAuth},
		{http.StatusForbidden, migrate.KindAuth},
		{http.StatusNotFound, migrate.KindNotFound},
		{http.StatusTooManyRequests, migrate.KindProviderRateLimit},
		{http.StatusInternalServerError, migrate.KindTransientNetwork},
		{http.StatusServiceUnavailable, migrate.KindTransientNetwork},
		{http.StatusBadRequest, migrate.KindInternal},
		{http.StatusConflict, migrate.KindInternal},
	}
	for _, tt := range tests {
		if got := ClassifyHTTP(tt.status); got != tt.kind {
			t.Errorf("ClassifyHTTP(%d) = %s, want %s", tt.status, got, tt.kind)
		}
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestWrapNetwork(t *testing.T) {
	if WrapNetwork("op", nil, migrate.KindInternal) != nil {
		t.Error("WrapNetwork(nil) != nil")
	}

	err := WrapNetwork("op", timeoutError{}, migrate.KindInternal)
	if migrate.KindOf(err) != migrate.KindTransientNetwork {
		t.Errorf("timeout classified as %s, want transient_network", migrate.KindOf(err))
	}

	err = WrapNetwork("op", context.DeadlineExceeded, migrate.KindInternal)
	if migrate.KindOf(err) != migrate.KindTransientNetwork {
		t.Errorf("deadline classified as %s, want transient_network", migrate.KindOf(err))
	}

	err = WrapNetwork("op", errors.New("boom"), migrate.KindAuth)
	if migrate.KindOf(err) != migrate.KindAuth {
		t.Errorf("fallback classified as %s, want auth", migrate.KindOf(err))
	}
}
