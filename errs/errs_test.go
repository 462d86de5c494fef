package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatchesCategory(t *testing.T) {
	errAlready := Conflict("already registered")
	wrapped := fmt.Errorf("registering alice: %w", errAlready)

	assert.ErrorIs(t, wrapped, errAlready)
	assert.ErrorIs(t, wrapped, ErrConflict)
	assert.NotErrorIs(t, wrapped, ErrValidation)
	assert.NotErrorIs(t, wrapped, Conflict("already registered"), "distinct sentinels must not match")
}

func TestCategoryDoesNotMatchSpecific(t *testing.T) {
	errNotOwner := Unauthorized("not owner")
	assert.False(t, errors.Is(ErrUnauthorized, errNotOwner))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"Validation", Validation("bad"), KindValidation},
		{"WrappedIntegrity", fmt.Errorf("ctx: %w", Integrity("tag")), KindIntegrity},
		{"NotFound", NotFound("missing"), KindNotFound},
		{"Plain", errors.New("plain"), KindUnknown},
		{"Nil", nil, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "conflict", KindConflict.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
