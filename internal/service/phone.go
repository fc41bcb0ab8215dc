package service

import (
	"regexp"
	"strings"
)

// E.164: +[country code][number], at most 15 digits after +.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// NormalizePhone trims phone, strips common separators and adds the leading
// +. It reports false when the result is not E.164.
func NormalizePhone(phone string) (string, bool) {
	phone = strings.TrimSpace(phone)
	phone = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(phone)
	if phone != "" && !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	if !e164.MatchString(phone) {
		return "", false
	}
	return phone, true
}
