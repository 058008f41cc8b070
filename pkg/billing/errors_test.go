package billing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindInternal},
		{"plain error", errors.New("boom"), KindInternal},
		{"validation", Validation("bad"), KindValidation},
		{"wrapped conflict", fmt.Errorf("outer: %w", NewError(KindConflict, "dup", nil)), KindConflict},
		{"wrapped not found sentinel", fmt.Errorf("failed: %w", ErrSubscriptionNotFound), KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "internal error", PublicMessage(errors.New("pq: relation does not exist")))
	assert.Equal(t, "bad input", PublicMessage(Validation("bad input")))
	assert.Equal(t, "internal error", PublicMessage(NewError(KindInternal, "secret", nil)))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := NewError(KindCompensated, "plan change rolled back", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "plan change rolled back: cause", err.Error())
	assert.Equal(t, "compensated", KindCompensated.String())
}

func TestSubscriptionStatusLive(t *testing.T) {
	assert.True(t, SubscriptionStatusActive.Live())
	assert.True(t, SubscriptionStatusTrialing.Live())
	assert.True(t, SubscriptionStatusPastDue.Live())
	assert.False(t, SubscriptionStatusCanceled.Live())
	assert.False(t, SubscriptionStatusCancelled.Live())
}
