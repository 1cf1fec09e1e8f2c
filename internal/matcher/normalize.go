package matcher

import "strings"

// NormalizePhone reduces a raw contact number to E.164: digits only, one
// leading +, default country prefix applied to bare national numbers. Returns
// false when nothing usable remains.
func NormalizePhone(raw, defaultCountry string) (string, bool) {
	var digits strings.Builder
	hasPlus := false
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' && i == 0:
			hasPlus = true
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators people type into contact forms
		default:
			// anything else means the field isn't a phone number at all
			return "", false
		}
	}

	n := digits.String()
	if len(n) < 7 {
		return "", false
	}
	if hasPlus {
		return "+" + n, true
	}
	// 00 is the ITU international call prefix.
	if strings.HasPrefix(n, "00") && len(n) > 8 {
		return "+" + n[2:], true
	}
	// Gateways sometimes send the country code without the plus.
	cc := strings.TrimPrefix(defaultCountry, "+")
	if cc != "" && strings.HasPrefix(n, cc) && len(n) > len(cc)+6 {
		return "+" + n, true
	}
	if defaultCountry != "" {
		return defaultCountry + n, true
	}
	return "+" + n, true
}

// NormalizeEmail lowercases and trims a contact email. Returns false for
// fields that cannot be an address.
func NormalizeEmail(raw string) (string, bool) {
	e := strings.ToLower(strings.TrimSpace(raw))
	at := strings.IndexByte(e, '@')
	if at <= 0 || at == len(e)-1 {
		return "", false
	}
	return e, true
}
