// Package identity defines the opaque principal handle used across medkey.
package identity

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jmcleod/medkey/errs"
	"github.com/jmcleod/medkey/internal/util"
)

// MaxLength is the maximum encoded length of an identity in bytes.
const MaxLength = 256

var ErrInvalid = errs.Validation("invalid identity")

// Identity is a stable, globally unique principal handle (patient,
// physician or administrator). Identities are compared byte-wise after
// NFKC normalization.
type Identity string

// Parse normalizes s and validates the result.
func Parse(s string) (Identity, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalid)
	}
	id := Identity(util.Normalize(s))
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// MustParse is like Parse but panics on error. For tests and constants.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Validate checks that id is already in canonical form.
func (id Identity) Validate() error {
	s := string(id)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}
	if len(s) > MaxLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalid, MaxLength)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalid)
	}
	if strings.ContainsAny(s, ":/") {
		return fmt.Errorf("%w: contains a reserved separator", ErrInvalid)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains a control character", ErrInvalid)
		}
	}
	if util.Normalize(s) != s {
		return fmt.Errorf("%w: not NFKC-normalized", ErrInvalid)
	}
	return nil
}

func (id Identity) String() string { return string(id) }
