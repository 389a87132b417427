package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"pairchat/backend/internal/apperr"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", apperr.Validation("bad kind %q", "fax"), http.StatusBadRequest},
		{"not found", apperr.NotFound("room %s", "r1"), http.StatusNotFound},
		{"authorization", apperr.Authorization("room mismatch"), http.StatusUnauthorized},
		{"conflict", apperr.Conflict("user %s busy", "301"), http.StatusConflict},
		{"transient", apperr.Transient("redis get", errors.New("dial tcp: refused")), http.StatusServiceUnavailable},
		{"wrapped conflict", fmt.Errorf("create session: %w", apperr.Conflict("busy")), http.StatusConflict},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.HTTPStatus(tt.err))
		})
	}
}

func TestTransient_KeepsCause(t *testing.T) {
	cause := errors.New("i/o timeout")

	err := apperr.Transient("zadd", cause)

	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "zadd")
	assert.NoError(t, apperr.Transient("noop", nil))
}
