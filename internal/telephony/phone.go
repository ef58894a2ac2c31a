package telephony

import (
	"regexp"
	"strings"
)

var phoneDigitsRe = regexp.MustCompile(`[0-9]+`)

// NormalizeE164 ensures the value begins with + and only contains digits
// afterward. Empty or digit-free input yields "".
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := sanitizePhone(value)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

func sanitizePhone(value string) string {
	if value == "" {
		return ""
	}
	digits := phoneDigitsRe.FindAllString(value, -1)
	return strings.Join(digits, "")
}
