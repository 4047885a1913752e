package apperr

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Validation("bad %s", "url"), http.StatusBadRequest},
		{"not found", NotFound("gone"), http.StatusNotFound},
		{"capacity", Capacity(time.Second, "full"), http.StatusTooManyRequests},
		{"not ready", Unavailable(time.Second, "warming"), http.StatusServiceUnavailable},
		{"round trip timeout", Timeout("slow"), http.StatusGatewayTimeout},
		{"deadline", Deadline("budget spent"), http.StatusRequestTimeout},
		{"protocol", Protocol("bad manifest"), http.StatusBadGateway},
		{"internal", Internal("crash"), http.StatusInternalServerError},
		{"untyped", fmt.Errorf("boom"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("ctx: %w", NotFound("x")), http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("dial tcp: refused")
	err := Wrap(KindProtocol, cause, "upstream %s", "example.com")

	assert.Equal(t, KindProtocol, KindOf(err))
	assert.True(t, Is(fmt.Errorf("outer: %w", err), KindProtocol))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Contains(t, err.Error(), "dial tcp: refused")
}
