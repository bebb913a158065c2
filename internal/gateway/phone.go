package gateway

import (
	"fmt"
	"strings"

	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
)

const countryCode = "255"

// NormalizePhone rewrites a Tanzanian mobile number to the local 0XXXXXXXXX
// form the gateway expects. Non-digits are stripped first.
func NormalizePhone(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	var local string
	switch {
	case strings.HasPrefix(digits, "06"), strings.HasPrefix(digits, "07"):
		local = digits
	case strings.HasPrefix(digits, countryCode) && len(digits) == len(countryCode)+9:
		local = "0" + digits[len(countryCode):]
	case len(digits) == 9:
		local = "0" + digits
	default:
		return "", fmt.Errorf("%w: %q", pkgerrors.ErrInvalidPhone, raw)
	}

	if len(local) != 10 || !(strings.HasPrefix(local, "06") || strings.HasPrefix(local, "07")) {
		return "", fmt.Errorf("%w: %q", pkgerrors.ErrInvalidPhone, raw)
	}
	return local, nil
}
