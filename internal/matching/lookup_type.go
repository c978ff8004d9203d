package matching

import "fmt"

// LookupType classifies how a normalized name was derived from a contact.
type LookupType int

const (
	LookupTypeNameExact LookupType = iota
	LookupTypeNameVariant
	LookupTypeNameCollationKey
	LookupTypeNickname
	LookupTypeEmailBasedNickname

	lookupTypeCount
)

var lookupTypeNames = [lookupTypeCount]string{
	"name_exact",
	"name_variant",
	"name_collation_key",
	"nickname",
	"email_based_nickname",
}

// Valid reports whether t is one of the known lookup types.
func (t LookupType) Valid() bool {
	return t >= 0 && t < lookupTypeCount
}

func (t LookupType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("lookup_type(%d)", int(t))
	}
	return lookupTypeNames[t]
}

// ParseLookupType converts a lookup type name back to its value.
func ParseLookupType(s string) (LookupType, error) {
	for i, name := range lookupTypeNames {
		if name == s {
			return LookupType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown lookup type %q", s)
}

// StructuredNameTypes are the lookup types derived from a structured name,
// as opposed to nicknames and email addresses.
var StructuredNameTypes = []LookupType{
	LookupTypeNameExact,
	LookupTypeNameVariant,
	LookupTypeNameCollationKey,
}

// ApproximateMatchTypes are the stored lookup types considered when looking
// for approximate name matches.
var ApproximateMatchTypes = []LookupType{
	LookupTypeNameCollationKey,
	LookupTypeEmailBasedNickname,
	LookupTypeNickname,
}
