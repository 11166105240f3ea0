package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsSentinel(t *testing.T) {
	err := Validation("graph.UpsertEdge", "weight %v out of range", 1.5)

	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrAuth)
	assert.Equal(t, "graph.UpsertEdge: weight 1.5 out of range", err.Error())
}

func TestKindOfWrapped(t *testing.T) {
	inner := E(KindServer, "remote.Commit", errors.New("status 503"))
	wrapped := fmt.Errorf("send write: %w", inner)

	assert.Equal(t, KindServer, KindOf(wrapped))
	assert.True(t, Retryable(wrapped))
	assert.ErrorIs(t, wrapped, ErrServer)
}

func TestKindOfDeadline(t *testing.T) {
	err := fmt.Errorf("commit: %w", context.DeadlineExceeded)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.True(t, Retryable(err))
}

func TestRetryableKinds(t *testing.T) {
	cases := map[Kind]bool{
		KindNetwork:    true,
		KindServer:     true,
		KindAuth:       false,
		KindValidation: false,
		KindConflict:   false,
	}
	for kind, want := range cases {
		if got := Retryable(E(kind, "op", errors.New("x"))); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", kind, got, want)
		}
	}
	assert.False(t, Retryable(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
