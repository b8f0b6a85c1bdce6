package voice

import (
	"errors"
	"strings"
)

// ErrInvalidPhone is returned when a number has no digits to dial.
var ErrInvalidPhone = errors.New("voice: phone number has no digits")

// PhoneNormalizer turns a locally formatted phone number into E.164.
type PhoneNormalizer interface {
	Normalize(raw string) (string, error)
}

// CountryNormalizer applies a single country's dialing plan: numbers already
// carrying the country code get a "+", a leading trunk "0" is replaced by the
// country code, and anything else is treated as a subscriber number.
type CountryNormalizer struct {
	CountryCode string
}

// NewCountryNormalizer builds a normalizer for the given calling code ("61", "+44").
func NewCountryNormalizer(code string) CountryNormalizer {
	return CountryNormalizer{CountryCode: digitsOnly(code)}
}

// Normalize implements PhoneNormalizer.
func (n CountryNormalizer) Normalize(raw string) (string, error) {
	digits := digitsOnly(raw)
	if digits == "" {
		return "", ErrInvalidPhone
	}
	cc := n.CountryCode
	switch {
	case cc == "":
		return "+" + digits, nil
	case strings.HasPrefix(digits, cc):
		return "+" + digits, nil
	case strings.HasPrefix(digits, "0"):
		return "+" + cc + digits[1:], nil
	default:
		return "+" + cc + digits, nil
	}
}

func digitsOnly(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
