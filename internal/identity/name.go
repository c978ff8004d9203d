package identity

import (
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName folds a name or name token for comparison: lowercase, no
// diacritics, letters and digits only.
func NormalizeName(name string) string {
	folded, _, err := transform.String(stripMarks, strings.ToLower(name))
	if err != nil {
		folded = strings.ToLower(name)
	}

	var sb strings.Builder
	sb.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// SplitName breaks a display name into normalized tokens, dropping empty ones.
func SplitName(name string) []string {
	fields := strings.FieldsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '.' || r == '-'
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := NormalizeName(f); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// EncodeName converts a normalized name to its stored form.
func EncodeName(normalized string) string {
	return hex.EncodeToString([]byte(normalized))
}

// DecodeName reverses EncodeName.
func DecodeName(encoded string) (string, error) {
	b, err := hex.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EmailNickname derives a name from the local part of an email address,
// e.g. "john.smith+work@example.com" gives "johnsmith".
func EmailNickname(email string) string {
	local, _, ok := strings.Cut(normalizeEmail(email), "@")
	if !ok {
		return ""
	}
	local, _, _ = strings.Cut(local, "+")
	return NormalizeName(local)
}
