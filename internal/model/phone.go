package model

import (
	"regexp"
	"strings"

	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
)

// e164Digits is E.164 without the leading "+": a non-zero country code digit
// followed by up to 14 more digits.
var e164Digits = regexp.MustCompile(`^[1-9]\d{1,14}$`)

// NormalizePhone keeps only the digits of a phone number, which is the form
// the gateway expects (country code included, no "+"). WhatsApp ids such as
// 5511999999999@c.us are cut at the "@".
func NormalizePhone(raw string) string {
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// validateRecipient checks an outbound destination.
func validateRecipient(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errs.Validation("phone", "is required")
	}
	if !e164Digits.MatchString(NormalizePhone(raw)) {
		return errs.Validation("phone", "is not an E.164 number")
	}
	return nil
}

// validateSender checks the origin of a provider callback. Group and short
// national ids are accepted as long as some digits remain.
func validateSender(raw string) error {
	if NormalizePhone(raw) == "" {
		return errs.Validation("from", "has no digits")
	}
	return nil
}
