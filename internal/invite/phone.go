package invite

import (
	"strings"
)

const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
)

// NormalizePhone converts a human-entered number to E.164 ("+" and digits).
// A national number starting with a single 0 is rewritten with countryCode
// when one is given, e.g. 0541234567 -> +972541234567.
func NormalizePhone(raw, countryCode string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", InvalidGuest("phone", "phone number is required")
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", InvalidGuest("phone", "unexpected character %q in %q", r, raw)
		}
	}
	digits := b.String()

	if !strings.HasPrefix(s, "+") {
		switch {
		case strings.HasPrefix(digits, "00"):
			digits = digits[2:]
		case strings.HasPrefix(digits, "0") && countryCode != "":
			digits = strings.TrimPrefix(countryCode, "+") + digits[1:]
		}
	}

	// Reason: some sources keep the trunk 0 after the country code (+9720...)
	if countryCode != "" {
		cc := strings.TrimPrefix(countryCode, "+")
		if strings.HasPrefix(digits, cc+"0") {
			digits = cc + digits[len(cc)+1:]
		}
	}

	if strings.HasPrefix(digits, "0") {
		return "", InvalidGuest("phone", "%q has no country code", raw)
	}
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", InvalidGuest("phone", "%q must have between %d and %d digits", raw, minPhoneDigits, maxPhoneDigits)
	}
	return "+" + digits, nil
}
