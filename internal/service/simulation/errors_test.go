package simulation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := newError(KindNotFound, "ask", "session not found", nil)
	wrapped := fmt.Errorf("handler: %w", err)

	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.NotErrorIs(t, wrapped, ErrForbidden)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, "ask: session not found", err.Error())
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := newError(KindUpstreamFailure, "ask", "", context.Canceled)

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrUpstreamFailure)
	assert.Equal(t, "ask: upstream_failure: context canceled", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}
