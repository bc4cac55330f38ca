// ABOUTME: Phone identifier normalization for messaging endpoints.
// ABOUTME: Internal form is digits only; external form carries exactly one leading plus.

package phone

import (
	"errors"
	"fmt"
	"strings"
)

// MinDigits is the shortest accepted phone identifier.
const MinDigits = 10

// ErrInvalidPhoneNumber is returned when an input has fewer than MinDigits digits.
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// Number is a normalized phone identifier. The zero value is invalid.
type Number struct {
	digits string
}

// Normalize strips everything but digits from raw and validates the length.
// Inputs in any format are accepted ("+55 (11) 9-8765-4321", "++5511...",
// "5511 98765 4321"), as well as already-normalized values.
func Normalize(raw string) (Number, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	digits := b.String()
	if len(digits) < MinDigits {
		return Number{}, fmt.Errorf("%w: %q has %d digits, need at least %d",
			ErrInvalidPhoneNumber, raw, len(digits), MinDigits)
	}
	return Number{digits: digits}, nil
}

// MustNormalize is like Normalize but panics on invalid input. Intended for
// tests and constants.
func MustNormalize(raw string) Number {
	n, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return n
}

// Digits returns the internal digits-only form.
func (n Number) Digits() string {
	return n.digits
}

// E164 returns the external form sent to the provisioning backend.
func (n Number) E164() string {
	if n.digits == "" {
		return ""
	}
	return "+" + n.digits
}

// IsZero reports whether n was never normalized.
func (n Number) IsZero() bool {
	return n.digits == ""
}

// String returns the external form.
func (n Number) String() string {
	return n.E164()
}
