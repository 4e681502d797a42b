package config

import (
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// SaveFromForm applies settings submitted as an HTML form. Field names use
// "-" as the nested path separator ("detections-line1-confidence"). Values
// are coerced to the narrowest matching scalar; "on"/"off" come from
// checkboxes. Password fields under "users" are stored bcrypt-hashed, and
// never re-hashed when the submitted value is already a hash.
func (m *Manager) SaveFromForm(form url.Values) error {
	for field := range form {
		value := form.Get(field)
		keys := strings.Split(field, "-")

		coerced := CoerceValue(value)
		if len(keys) >= 2 && keys[0] == "users" && keys[len(keys)-1] == "password" {
			if s, ok := coerced.(string); ok && !strings.HasPrefix(s, "$2") {
				hashed, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
				if err != nil {
					return err
				}
				coerced = string(hashed)
			}
		}

		m.mu.Lock()
		store(m.data, keys, coerced)
		m.version++
		m.mu.Unlock()
	}
	return m.Save()
}

// CoerceValue converts a form string to int, float, bool, or list where the
// shape allows, else returns it unchanged.
func CoerceValue(s string) any {
	trimmed := strings.TrimSpace(s)
	switch strings.ToLower(trimmed) {
	case "on", "true":
		return true
	case "off", "false":
		return false
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	if isBracketed(trimmed) {
		return parseList(trimmed)
	}
	return s
}

func isBracketed(s string) bool {
	return (strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")) ||
		(strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")"))
}

// parseList parses a flat or one-level-nested literal like "[1, 2, 3]" or
// "[[10, 20], [30, 40]]". Elements are coerced with the same scalar rules.
func parseList(s string) any {
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return []any{}
	}

	var out []any
	depth := 0
	start := 0
	for i, r := range inner {
		switch r {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, coerceElement(inner[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, coerceElement(inner[start:]))
	return out
}

func coerceElement(s string) any {
	trimmed := strings.TrimSpace(s)
	if isBracketed(trimmed) {
		return parseList(trimmed)
	}
	if len(trimmed) >= 2 {
		if (trimmed[0] == '\'' && trimmed[len(trimmed)-1] == '\'') ||
			(trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"') {
			return trimmed[1 : len(trimmed)-1]
		}
	}
	return CoerceValue(trimmed)
}
