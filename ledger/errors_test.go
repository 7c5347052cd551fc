package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClasses(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		class     error
		retryable bool
		client    bool
	}{
		{"missing field", MissingField("account_id"), ErrValidation, false, true},
		{"violation", Violation(ReasonCodeExpired, "WELCOME10"), ErrConstraintViolation, false, true},
		{"conflict", &ConcurrencyConflict{Resource: "balance:acc-1"}, ErrConcurrencyConflict, true, false},
		{"external", External("get balance", errors.New("connection refused")), ErrExternalDependency, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("purchase: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.class)
			assert.Equal(t, tt.retryable, IsRetryable(wrapped))
			assert.Equal(t, tt.client, IsClientError(wrapped))
		})
	}
}

func TestValidationError_Kind(t *testing.T) {
	err := InvalidAmount("amount", -3)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Contains(t, err.Error(), "amount")

	assert.ErrorIs(t, InvalidEnum("type", "GIFT"), ErrInvalidEnum)
	assert.ErrorIs(t, &ValidationError{Message: "bad"}, ErrValidation)
}

func TestExternal_PassesClassifiedErrorsThrough(t *testing.T) {
	for _, err := range []error{
		MissingField("code"),
		Violation(ReasonCodeExhausted, ""),
		&ConcurrencyConflict{Resource: "code:X"},
		ErrNotFound,
	} {
		assert.Same(t, err, External("op", err))
	}
	assert.Nil(t, External("op", nil))

	raw := errors.New("disk full")
	got := External("insert movement", raw)
	assert.True(t, IsExternal(got))
	assert.ErrorIs(t, got, raw)
	assert.Equal(t, "insert movement: disk full", got.Error())
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonFirstPurchaseOnly, ReasonOf(fmt.Errorf("wrapped: %w", Violation(ReasonFirstPurchaseOnly, "x"))))
	assert.Equal(t, Reason(""), ReasonOf(errors.New("plain")))
}
