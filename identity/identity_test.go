package identity

import (
	"strings"
	"testing"

	"github.com/jmcleod/medkey/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	id, err := Parse("dr.house")
	require.NoError(t, err)
	assert.Equal(t, Identity("dr.house"), id)

	// Compatibility forms normalize to the same identity.
	a, err := Parse("ﬁnch")
	require.NoError(t, err)
	assert.Equal(t, Identity("finch"), a)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"Empty", ""},
		{"TooLong", strings.Repeat("a", MaxLength+1)},
		{"Colon", "patient:1"},
		{"Slash", "patient/1"},
		{"Control", "pat\nient"},
		{"BadUTF8", string([]byte{0xff, 0xfe})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestValidate_RequiresCanonicalForm(t *testing.T) {
	assert.Error(t, Identity("ﬁnch").Validate())
	assert.NoError(t, Identity("finch").Validate())
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("") })
}
