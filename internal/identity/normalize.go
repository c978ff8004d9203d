// Package identity normalizes contact data into the forms used for matching:
// identifier values (emails, phones, identity documents) and name lookup rows.
package identity

import (
	"regexp"
	"strings"
)

// DataKind is the kind of a non-name value that can corroborate a match.
type DataKind string

const (
	DataKindEmail    DataKind = "email"
	DataKindPhone    DataKind = "phone"
	DataKindIdentity DataKind = "identity"
)

// nonDigitRegex matches any non-digit character
var nonDigitRegex = regexp.MustCompile(`\D`)

// Normalize returns the normalized form of a value based on its kind.
// Normalization rules:
// - Email: lowercase, trim whitespace
// - Phone: strip all non-digits, normalize to E.164 format
// - Identity: namespace and value trimmed, namespace lowercased
func Normalize(raw string, kind DataKind) string {
	switch kind {
	case DataKindEmail:
		return normalizeEmail(raw)
	case DataKindPhone:
		return normalizePhone(raw)
	case DataKindIdentity:
		return normalizeIdentity(raw)
	default:
		return strings.TrimSpace(raw)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizePhone normalizes a phone number to E.164 format.
// It strips all non-digit characters and ensures proper country code handling.
func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}

	digits := nonDigitRegex.ReplaceAllString(phone, "")
	if digits == "" {
		return ""
	}

	if len(digits) == 10 && !strings.HasPrefix(phone, "+") {
		return "+1" + digits
	}

	return "+" + digits
}

// normalizeIdentity expects "namespace:value", e.g. "passport:X1234".
func normalizeIdentity(raw string) string {
	namespace, value, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return strings.TrimSpace(raw)
	}
	namespace = strings.ToLower(strings.TrimSpace(namespace))
	value = strings.TrimSpace(value)
	if namespace == "" || value == "" {
		return ""
	}
	return namespace + ":" + value
}

// DetectKind guesses whether a free-form identifier is an email or a phone.
func DetectKind(identifier string) DataKind {
	identifier = strings.TrimSpace(identifier)

	if strings.Contains(identifier, "@") {
		return DataKindEmail
	}

	if strings.HasPrefix(identifier, "+") {
		return DataKindPhone
	}

	// Count digits vs non-digits
	digits := nonDigitRegex.ReplaceAllString(identifier, "")
	if len(digits) >= 7 && float64(len(digits))/float64(len(identifier)) > 0.5 {
		return DataKindPhone
	}

	return DataKindEmail
}
