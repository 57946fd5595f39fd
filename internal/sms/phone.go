// Package sms builds and delivers SafeWalk text messages.
package sms

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrPhoneMissingPlus indicates the number lacks the leading + country prefix.
	ErrPhoneMissingPlus = errors.New("phone number must start with + and a country code")
	// ErrPhoneTooShort indicates fewer than the minimum digits after normalization.
	ErrPhoneTooShort = errors.New("phone number is too short")
	// ErrPhoneTooLong indicates the number exceeds the E.164 limit.
	ErrPhoneTooLong = errors.New("phone number is too long")
	// ErrPhoneMalformed indicates the number does not match the international pattern.
	ErrPhoneMalformed = errors.New("phone number is not a valid international number")
)

var internationalPattern = regexp.MustCompile(`^\+\d{1,3}[\s\-]?(\d[\s\-]?){8,14}$`)
var nonDigitRunes = regexp.MustCompile(`[^\d]`)

// ValidatePhone checks an international phone number: leading +, 10 to 16
// characters once normalized, country code followed by 8-14 digits with
// optional grouping separators.
func ValidatePhone(phone string) error {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return ErrPhoneTooShort
	}
	if !strings.HasPrefix(trimmed, "+") {
		return ErrPhoneMissingPlus
	}

	normalized := NormalizePhone(trimmed)
	if len(normalized) < 10 {
		return ErrPhoneTooShort
	}
	if len(normalized) > 16 {
		return ErrPhoneTooLong
	}
	if !internationalPattern.MatchString(trimmed) {
		return ErrPhoneMalformed
	}
	return nil
}

// NormalizePhone strips every rune except digits, keeping a leading + when
// present. A + anywhere else in the number is dropped.
func NormalizePhone(phone string) string {
	trimmed := strings.TrimSpace(phone)
	digits := nonDigitRunes.ReplaceAllString(trimmed, "")
	if strings.HasPrefix(trimmed, "+") {
		return "+" + digits
	}
	return digits
}

// FormatPhone renders a number for display, grouping French and NANP numbers
// the way users write them. Unknown prefixes pass through unchanged.
func FormatPhone(phone string) string {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return ""
	}

	if strings.HasPrefix(trimmed, "+33") {
		digits := strings.TrimPrefix(NormalizePhone(trimmed), "+33")
		if len(digits) == 9 {
			return "+33 " + digits[:1] + " " + digits[1:3] + " " + digits[3:5] + " " + digits[5:7] + " " + digits[7:]
		}
	}

	if strings.HasPrefix(trimmed, "+1") {
		digits := strings.TrimPrefix(NormalizePhone(trimmed), "+1")
		if len(digits) == 10 {
			return "+1 (" + digits[:3] + ") " + digits[3:6] + "-" + digits[6:]
		}
	}

	return trimmed
}
