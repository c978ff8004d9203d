package identity

import (
	"context"
	"fmt"
	"strings"

	"contact-aggregator/internal/matching"
)

// maxVariantTokens caps the tokens that are permuted into name variants.
// Tokens beyond the cap keep their position at the end of every variant.
const maxVariantTokens = 4

// ClusterLookup resolves a normalized name to its nickname clusters.
type ClusterLookup interface {
	Clusters(ctx context.Context, normalizedName string) ([]string, error)
}

// NameLookup is one row of the name lookup table. Name is the encoded
// normalized name.
type NameLookup struct {
	Name string              `json:"name"`
	Type matching.LookupType `json:"type"`
}

// NameInput is the name-related data of a raw contact.
type NameInput struct {
	DisplayName string
	Nicknames   []string
	Emails      []string
}

// LookupBuilder turns names, nicknames and email addresses into name lookup
// rows.
type LookupBuilder struct {
	nicknames ClusterLookup
}

// NewLookupBuilder creates a builder. A nil nicknames lookup disables
// nickname cluster expansion.
func NewLookupBuilder(nicknames ClusterLookup) *LookupBuilder {
	return &LookupBuilder{nicknames: nicknames}
}

type lookupSet struct {
	rows []NameLookup
	seen map[NameLookup]struct{}
}

func (s *lookupSet) add(normalized string, t matching.LookupType) {
	if normalized == "" {
		return
	}
	row := NameLookup{Name: EncodeName(normalized), Type: t}
	if _, ok := s.seen[row]; ok {
		return
	}
	s.seen[row] = struct{}{}
	s.rows = append(s.rows, row)
}

// Build returns the deduplicated lookup rows for the input. Nickname cluster
// lookup failures are returned as errors.
func (b *LookupBuilder) Build(ctx context.Context, in NameInput) ([]NameLookup, error) {
	set := &lookupSet{seen: make(map[NameLookup]struct{})}

	tokens := SplitName(in.DisplayName)
	if len(tokens) > 0 {
		set.add(strings.Join(tokens, ""), matching.LookupTypeNameExact)

		for _, variant := range tokenVariants(tokens) {
			set.add(variant, matching.LookupTypeNameVariant)
		}

		for _, token := range tokens {
			set.add(token, matching.LookupTypeNameCollationKey)
			if err := b.addClusters(ctx, set, token); err != nil {
				return nil, err
			}
		}
	}

	for _, nick := range in.Nicknames {
		normalized := NormalizeName(nick)
		if normalized == "" {
			continue
		}
		set.add(normalized, matching.LookupTypeNickname)
		if err := b.addClusters(ctx, set, normalized); err != nil {
			return nil, err
		}
	}

	for _, email := range in.Emails {
		set.add(EmailNickname(email), matching.LookupTypeEmailBasedNickname)
	}

	return set.rows, nil
}

func (b *LookupBuilder) addClusters(ctx context.Context, set *lookupSet, normalized string) error {
	if b.nicknames == nil {
		return nil
	}
	clusters, err := b.nicknames.Clusters(ctx, normalized)
	if err != nil {
		return fmt.Errorf("nickname clusters: %w", err)
	}
	for _, cluster := range clusters {
		set.add(cluster, matching.LookupTypeNickname)
	}
	return nil
}

// tokenVariants returns every reordering of the leading tokens except the
// original order, each joined into one string.
func tokenVariants(tokens []string) []string {
	head := tokens
	var tail string
	if len(tokens) > maxVariantTokens {
		head = tokens[:maxVariantTokens]
		tail = strings.Join(tokens[maxVariantTokens:], "")
	}
	original := strings.Join(head, "")

	var variants []string
	permute(append([]string(nil), head...), 0, func(p []string) {
		joined := strings.Join(p, "")
		if joined != original {
			variants = append(variants, joined+tail)
		}
	})
	return variants
}

func permute(tokens []string, k int, emit func([]string)) {
	if k == len(tokens) {
		emit(tokens)
		return
	}
	for i := k; i < len(tokens); i++ {
		tokens[k], tokens[i] = tokens[i], tokens[k]
		permute(tokens, k+1, emit)
		tokens[k], tokens[i] = tokens[i], tokens[k]
	}
}
