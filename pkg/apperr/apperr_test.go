package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkError_Is(t *testing.T) {
	err := fmt.Errorf("fetch snapshot: %w", &NetworkError{Op: "coins/markets", Kind: KindStatus, StatusCode: 503})

	assert.ErrorIs(t, err, ErrNetwork)
	assert.NotErrorIs(t, err, ErrRateLimitExceeded)
	assert.Contains(t, err.Error(), "coins/markets: status 503")
}

func TestNetworkError_Unwrap(t *testing.T) {
	err := &NetworkError{Op: "simple/price", Kind: KindTimeout, Err: context.DeadlineExceeded}

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsTimeout(errors.New("boom")))
}

func TestInvalid(t *testing.T) {
	err := Invalid("limit %d out of range", 0)

	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, "invalid argument: limit 0 out of range", err.Error())
}
