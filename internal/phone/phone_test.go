// ABOUTME: Tests for phone identifier normalization.
// ABOUTME: Covers idempotence, single leading plus, and short-input rejection.

package phone

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Formats(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain digits", "5511987654321", "+5511987654321"},
		{"leading plus", "+5511987654321", "+5511987654321"},
		{"multiple pluses", "+++5511987654321", "+5511987654321"},
		{"spaces and dashes", "+55 11 98765-4321", "+5511987654321"},
		{"parentheses", "(11) 98765-4321", "+11987654321"},
		{"exactly ten", "1234567890", "+1234567890"},
		{"dots", "55.11.98765.4321", "+5511987654321"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Normalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.E164())
			assert.Equal(t, strings.TrimPrefix(tt.want, "+"), n.Digits())
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"+55 11 98765-4321",
		"++++1 (555) 123-4567",
		"  44 20 7946 0958 ",
		"5511987654321",
	}

	for _, in := range inputs {
		once, err := Normalize(in)
		require.NoError(t, err)

		twice, err := Normalize(once.E164())
		require.NoError(t, err)
		assert.Equal(t, once, twice, "normalize(normalize(%q))", in)

		fromDigits, err := Normalize(once.Digits())
		require.NoError(t, err)
		assert.Equal(t, once, fromDigits)

		assert.True(t, strings.HasPrefix(twice.E164(), "+"))
		assert.False(t, strings.HasPrefix(twice.E164(), "++"))
	}
}

func TestNormalize_TooShort(t *testing.T) {
	for _, in := range []string{"", "+", "123456789", "+55 11 9876", "abc-def-ghij"} {
		_, err := Normalize(in)
		assert.ErrorIs(t, err, ErrInvalidPhoneNumber, "input %q", in)
	}
}

func TestNumber_Zero(t *testing.T) {
	var n Number
	assert.True(t, n.IsZero())
	assert.Equal(t, "", n.E164())
}

func TestMustNormalize_Panics(t *testing.T) {
	assert.Panics(t, func() { MustNormalize("12") })
	assert.NotPanics(t, func() { MustNormalize("5511987654321") })
}
