package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validate checks the password policy. Lengths are counted in runes.
func (h *Hasher) Validate(password string) error {
	n := utf8.RuneCountInString(password)

	if n < h.policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > h.policy.MaxLength {
		return ErrPasswordTooLong
	}
	if h.policy.RejectVeryWeak && looksVeryWeak(password) {
		return ErrWeakPassword
	}
	return nil
}

// looksVeryWeak rejects only the most trivial inputs; it is not a strength estimator.
func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	if strings.TrimLeft(s, string(first)) == "" {
		return true
	}

	if strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 && utf8.RuneCountInString(s) < 12 {
		return true
	}

	switch strings.ToLower(s) {
	case "password", "password1", "password123", "12345678", "123456789", "qwerty123", "qwertyuiop", "iloveyou":
		return true
	}
	return false
}
