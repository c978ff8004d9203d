package matching

// Score range and threshold constants. Scores are integers in [0, MaxScore].
const (
	MaxScore = 100

	ScoreThresholdPrimary   = 70
	ScoreThresholdSecondary = 50
	ScoreThresholdSuggest   = 50

	PhoneMatchScore    = 71
	EmailMatchScore    = 71
	NicknameMatchScore = 71

	// MaxMatchedNameLength caps the bytes compared by approximate matching.
	MaxMatchedNameLength = 30

	ApproximateMatchThreshold         = 0.82
	ApproximateMatchThresholdForEmail = 0.95

	// ScoreScale separates the base score from the match count in composite scores.
	ScoreScale = 1000
)

// Thresholds defines the cutoffs that turn match scores into merge decisions.
type Thresholds struct {
	// Primary is the name score that triggers automatic aggregation.
	Primary int
	// Secondary is the name score required when a phone, email or nickname
	// signal already matched.
	Secondary int
	// Suggest is the minimum score for an aggregation suggestion.
	Suggest int
}

// DefaultThresholds are the cutoffs used unless configuration overrides them.
var DefaultThresholds = Thresholds{
	Primary:   ScoreThresholdPrimary,
	Secondary: ScoreThresholdSecondary,
	Suggest:   ScoreThresholdSuggest,
}

// ScoreRange is the score interval for one pair of lookup types. A zero Max
// means the pair is not comparable.
type ScoreRange struct {
	Min int
	Max int
}

// ScoreMatrix holds the score range for every ordered (candidate, query)
// pair of lookup types.
type ScoreMatrix struct {
	cells [lookupTypeCount][lookupTypeCount]ScoreRange
}

// DefaultScoreMatrix returns the reference score configuration.
func DefaultScoreMatrix() *ScoreMatrix {
	m := &ScoreMatrix{}
	m.Set(LookupTypeNameExact, LookupTypeNameExact, 99, 99)
	m.Set(LookupTypeNameVariant, LookupTypeNameVariant, 90, 90)
	m.Set(LookupTypeNameCollationKey, LookupTypeNameCollationKey, 50, 80)
	m.Set(LookupTypeNameCollationKey, LookupTypeEmailBasedNickname, 30, 60)
	m.Set(LookupTypeNameCollationKey, LookupTypeNickname, 50, 60)
	m.Set(LookupTypeEmailBasedNickname, LookupTypeEmailBasedNickname, 50, 60)
	m.Set(LookupTypeEmailBasedNickname, LookupTypeNickname, 50, 60)
	m.Set(LookupTypeNickname, LookupTypeNickname, 50, 60)
	m.Set(LookupTypeNickname, LookupTypeNameCollationKey, 50, 60)
	m.Set(LookupTypeNickname, LookupTypeEmailBasedNickname, 50, 60)
	return m
}

// Set assigns the score range for a (candidate, query) pair. Unknown types
// are ignored.
func (m *ScoreMatrix) Set(candidateType, queryType LookupType, minScore, maxScore int) {
	if !candidateType.Valid() || !queryType.Valid() {
		return
	}
	m.cells[candidateType][queryType] = ScoreRange{Min: minScore, Max: maxScore}
}

// Range returns the score range for a (candidate, query) pair. Unknown types
// yield the zero range.
func (m *ScoreMatrix) Range(candidateType, queryType LookupType) ScoreRange {
	if !candidateType.Valid() || !queryType.Valid() {
		return ScoreRange{}
	}
	return m.cells[candidateType][queryType]
}
