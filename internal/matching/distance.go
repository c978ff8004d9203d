package matching

const (
	// minExactPrefixLength is the shortest input that can match by prefix alone.
	minExactPrefixLength = 3

	// winklerBonusThreshold is the Jaro score below which no prefix bonus applies.
	winklerBonusThreshold = 0.7
)

// NameDistance computes a Jaro-Winkler similarity between normalized names.
// An instance keeps scratch buffers between calls and must not be shared
// across goroutines.
type NameDistance struct {
	maxLength   int
	prefixOnly  bool
	matchFlags1 []bool
	matchFlags2 []bool
}

// NewNameDistance returns an approximate matcher that compares at most
// maxLength bytes of each input.
func NewNameDistance(maxLength int) *NameDistance {
	return &NameDistance{
		maxLength:   maxLength,
		matchFlags1: make([]bool, maxLength),
		matchFlags2: make([]bool, maxLength),
	}
}

// NewPrefixNameDistance returns a matcher that only recognizes exact prefixes.
func NewPrefixNameDistance() *NameDistance {
	return &NameDistance{prefixOnly: true}
}

// Distance returns the similarity of two normalized names in [0, 1]. The
// shorter input is used as the reference string.
func (d *NameDistance) Distance(a, b []byte) float64 {
	short, long := a, b
	if len(a) > len(b) {
		short, long = b, a
	}

	if len(short) >= minExactPrefixLength && isPrefix(short, long) {
		return 1.0
	}

	if d.prefixOnly {
		return 0
	}

	length1 := min(len(short), d.maxLength)
	length2 := min(len(long), d.maxLength)

	flags1 := d.matchFlags1[:length1]
	flags2 := d.matchFlags2[:length2]
	clear(flags1)
	clear(flags2)

	window := max(length2/2-1, 0)

	matches := 0
	for i := 0; i < length1; i++ {
		c := short[i]
		from := max(i-window, 0)
		to := min(i+window+1, length2)
		for j := from; j < to; j++ {
			if !flags2[j] && c == long[j] {
				flags1[i] = true
				flags2[j] = true
				matches++
				break
			}
		}
	}

	if matches == 0 {
		return 0
	}

	transpositions := 0
	j := 0
	for i := 0; i < length1; i++ {
		if !flags1[i] {
			continue
		}
		for !flags2[j] {
			j++
		}
		if short[i] != long[j] {
			transpositions++
		}
		j++
	}

	m := float64(matches)
	jaro := (m/float64(length1) + m/float64(length2) + (m-float64(transpositions/2))/m) / 3
	if jaro < winklerBonusThreshold {
		return jaro
	}

	prefix := 0
	for i := 0; i < len(short); i++ {
		if short[i] != long[i] {
			break
		}
		prefix++
	}

	return jaro + min(0.1, 1/float64(length2))*float64(prefix)*(1-jaro)
}

func isPrefix(short, long []byte) bool {
	for i := range short {
		if short[i] != long[i] {
			return false
		}
	}
	return true
}
