// Package validate checks client-supplied identifiers before they reach the
// location layer.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// MaxLocationCodeLength bounds location codes accepted from clients.
const MaxLocationCodeLength = 64

var locationCodePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-\.]*$`)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length in runes (0 = no minimum)
	MaxLength      int            // Maximum length in runes (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional pattern the whole string must match
	AllowEmpty     bool
	TrimSpace      bool // Trim whitespace before validation
}

// String validates s against constraints and returns the (optionally
// trimmed) value.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	length := utf8.RuneCountInString(s)
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}
	return s, nil
}

// LocationCode validates a location code:
// - Required, surrounding whitespace is trimmed
// - At most 64 characters
// - Letters, digits, dash, underscore and period, starting with a letter or digit
func LocationCode(code string) (string, error) {
	return String(code, StringConstraints{
		MaxLength:      MaxLocationCodeLength,
		AllowedPattern: locationCodePattern,
		TrimSpace:      true,
	})
}

// OptionalLocationCode is LocationCode with the empty string allowed.
func OptionalLocationCode(code string) (string, error) {
	return String(code, StringConstraints{
		MaxLength:      MaxLocationCodeLength,
		AllowedPattern: locationCodePattern,
		AllowEmpty:     true,
		TrimSpace:      true,
	})
}
