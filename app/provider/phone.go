package provider

import (
	"fmt"
	"strings"
)

const (
	kenyaCountryCode     = "254"
	canonicalPhoneDigits = 12
)

// NormalizePhoneNumber converts a Kenyan subscriber number into the
// 254XXXXXXXXX form the gateway expects.
func NormalizePhoneNumber(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "0"):
		digits = kenyaCountryCode + digits[1:]
	case strings.HasPrefix(digits, kenyaCountryCode):
	default:
		digits = kenyaCountryCode + digits
	}

	if len(digits) != canonicalPhoneDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return digits, nil
}
