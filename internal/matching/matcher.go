package matching

import (
	"encoding/hex"
	"slices"

	"contact-aggregator/internal/logger"
)

// Sentinel results and scores.
const (
	// NoMatch is returned by PickBestMatch when no contact qualifies.
	NoMatch int64 = -1
	// MultipleMatches is returned by PickBestMatch when several contacts
	// qualify and multiple matches are not allowed.
	MultipleMatches int64 = -2
	// NoDataScore marks a primary score that was reset for a secondary pass.
	NoDataScore = -1
)

// Algorithm selects how MatchName compares names that are not identical.
type Algorithm int

const (
	// AlgorithmExact only scores byte-identical names.
	AlgorithmExact Algorithm = iota
	// AlgorithmConservative additionally accepts names where one is a prefix
	// of the other.
	AlgorithmConservative
	// AlgorithmApproximate runs the full Jaro-Winkler comparison.
	AlgorithmApproximate
)

// MatchScore accumulates the match signals for one candidate contact.
type MatchScore struct {
	ContactID      int64 `json:"contact_id"`
	PrimaryScore   int   `json:"primary_score"`
	SecondaryScore int   `json:"secondary_score"`
	MatchCount     int   `json:"match_count"`
	KeepIn         bool  `json:"keep_in"`
	KeepOut        bool  `json:"keep_out"`
}

func (s *MatchScore) reset(contactID int64) {
	*s = MatchScore{ContactID: contactID}
}

func (s *MatchScore) updatePrimaryScore(score int) {
	if score > s.PrimaryScore {
		s.PrimaryScore = score
	}
	s.MatchCount++
}

func (s *MatchScore) updateSecondaryScore(score int) {
	if score > s.SecondaryScore {
		s.SecondaryScore = score
	}
	s.MatchCount++
}

// EffectiveScore is the better of the primary and secondary scores, ignoring
// overrides. A NoDataScore primary never wins.
func (s MatchScore) EffectiveScore() int {
	return max(s.PrimaryScore, s.SecondaryScore)
}

// Score returns the composite ranking score. KeepOut wins over KeepIn, which
// wins over the computed score. Among equal base scores, more corroborating
// matches rank higher.
func (s MatchScore) Score() int {
	if s.KeepOut {
		return 0
	}
	if s.KeepIn {
		return MaxScore*ScoreScale + s.MatchCount
	}
	return s.EffectiveScore()*ScoreScale + s.MatchCount
}

// ContactMatcher collects match scores for candidate contacts during a single
// aggregation run. It is not safe for concurrent use; run Clear between runs.
type ContactMatcher struct {
	matrix *ScoreMatrix

	scores []MatchScore
	index  map[int64]int

	conservative *NameDistance
	approximate  *NameDistance
}

// NewContactMatcher creates a matcher using the given score matrix. A nil
// matrix selects DefaultScoreMatrix.
func NewContactMatcher(matrix *ScoreMatrix) *ContactMatcher {
	if matrix == nil {
		matrix = DefaultScoreMatrix()
	}
	return &ContactMatcher{
		matrix:       matrix,
		index:        make(map[int64]int),
		conservative: NewPrefixNameDistance(),
		approximate:  NewNameDistance(MaxMatchedNameLength),
	}
}

// Clear drops all scores. The backing storage is kept for the next run.
func (m *ContactMatcher) Clear() {
	m.scores = m.scores[:0]
	clear(m.index)
}

// Len returns the number of candidate contacts seen in the current run.
func (m *ContactMatcher) Len() int {
	return len(m.scores)
}

// Get returns the score record for a contact, if any.
func (m *ContactMatcher) Get(contactID int64) (MatchScore, bool) {
	i, ok := m.index[contactID]
	if !ok {
		return MatchScore{}, false
	}
	return m.scores[i], true
}

func (m *ContactMatcher) getMatchScore(contactID int64) *MatchScore {
	if i, ok := m.index[contactID]; ok {
		return &m.scores[i]
	}
	m.scores = append(m.scores, MatchScore{})
	i := len(m.scores) - 1
	m.scores[i].reset(contactID)
	m.index[contactID] = i
	return &m.scores[i]
}

// MatchIdentity records a strong external identity match for a contact.
func (m *ContactMatcher) MatchIdentity(contactID int64) {
	m.updatePrimaryScore(contactID, MaxScore)
}

// MatchName scores a candidate name against a query name and records the
// result as a primary score for contactID. The candidate name belongs to the
// raw contact being examined and the query name is a stored name of
// contactID; the matrix is not symmetric, so the order matters. Names are
// hex-encoded normalized names as stored in the name lookup table.
func (m *ContactMatcher) MatchName(contactID int64, candidateType LookupType, candidateName string,
	queryType LookupType, queryName string, algorithm Algorithm) {
	r := m.matrix.Range(candidateType, queryType)
	if r.Max == 0 {
		return
	}

	if candidateName == queryName {
		m.updatePrimaryScore(contactID, r.Max)
		return
	}

	if algorithm == AlgorithmExact {
		return
	}

	if r.Min == r.Max {
		return
	}

	decodedCandidate, err := hex.DecodeString(candidateName)
	if err != nil {
		logger.Warn().Err(err).
			Int64("contact_id", contactID).
			Str("name", candidateName).
			Msg("cannot decode candidate name, skipping comparison")
		return
	}
	decodedQuery, err := hex.DecodeString(queryName)
	if err != nil {
		logger.Warn().Err(err).
			Int64("contact_id", contactID).
			Str("name", queryName).
			Msg("cannot decode query name, skipping comparison")
		return
	}

	var distance float64
	if algorithm == AlgorithmConservative {
		distance = m.conservative.Distance(decodedCandidate, decodedQuery)
	} else {
		distance = m.approximate.Distance(decodedCandidate, decodedQuery)
	}

	threshold := ApproximateMatchThreshold
	if candidateType == LookupTypeEmailBasedNickname || queryType == LookupTypeEmailBasedNickname {
		threshold = ApproximateMatchThresholdForEmail
	}

	score := 0
	if distance > threshold {
		score = int(float64(r.Min) + float64(r.Max-r.Min)*(1.0-distance))
	}

	m.updatePrimaryScore(contactID, score)
}

// UpdateScoreWithPhoneNumberMatch records a phone number match.
func (m *ContactMatcher) UpdateScoreWithPhoneNumberMatch(contactID int64) {
	m.updateSecondaryScore(contactID, PhoneMatchScore)
}

// UpdateScoreWithEmailMatch records an email address match.
func (m *ContactMatcher) UpdateScoreWithEmailMatch(contactID int64) {
	m.updateSecondaryScore(contactID, EmailMatchScore)
}

// UpdateScoreWithNicknameMatch records a nickname match.
func (m *ContactMatcher) UpdateScoreWithNicknameMatch(contactID int64) {
	m.updateSecondaryScore(contactID, NicknameMatchScore)
}

func (m *ContactMatcher) updatePrimaryScore(contactID int64, score int) {
	m.getMatchScore(contactID).updatePrimaryScore(score)
}

func (m *ContactMatcher) updateSecondaryScore(contactID int64, score int) {
	m.getMatchScore(contactID).updateSecondaryScore(score)
}

// KeepIn forces the contact to be treated as a full match.
func (m *ContactMatcher) KeepIn(contactID int64) {
	m.getMatchScore(contactID).KeepIn = true
}

// KeepOut excludes the contact from all results. It takes precedence over
// KeepIn.
func (m *ContactMatcher) KeepOut(contactID int64) {
	m.getMatchScore(contactID).KeepOut = true
}

// PrepareSecondaryMatchCandidates returns the contacts whose secondary score
// reaches threshold and resets the primary score of every contact that is not
// kept out, so that a following name pass is scored on its own.
func (m *ContactMatcher) PrepareSecondaryMatchCandidates(threshold int) []int64 {
	var contactIDs []int64
	for i := range m.scores {
		score := &m.scores[i]
		if score.KeepOut {
			continue
		}
		if score.SecondaryScore >= threshold {
			contactIDs = append(contactIDs, score.ContactID)
		}
		score.PrimaryScore = NoDataScore
	}
	return contactIDs
}

// PickBestMatch returns the contact with the highest score at or above
// threshold. A kept-in contact is returned immediately. If more than one
// contact qualifies and allowMultipleMatches is false, MultipleMatches is
// returned. Ties go to the lowest contact ID.
func (m *ContactMatcher) PickBestMatch(threshold int, allowMultipleMatches bool) int64 {
	contactID := NoMatch
	maxScore := 0
	for i := range m.scores {
		score := &m.scores[i]
		if score.KeepOut {
			continue
		}
		if score.KeepIn {
			return score.ContactID
		}

		s := score.EffectiveScore()
		if s < threshold {
			continue
		}
		if contactID != NoMatch && !allowMultipleMatches {
			return MultipleMatches
		}
		if contactID == NoMatch || s > maxScore || (s == maxScore && score.ContactID < contactID) {
			contactID = score.ContactID
			maxScore = s
		}
	}
	return contactID
}

// PickBestMatches returns the scores at or above threshold, best first.
// Ties on the composite score are ordered by ascending contact ID. Kept-out
// contacts are never returned.
func (m *ContactMatcher) PickBestMatches(threshold int) []MatchScore {
	sorted := make([]MatchScore, 0, len(m.scores))
	for _, score := range m.scores {
		if !score.KeepOut {
			sorted = append(sorted, score)
		}
	}
	slices.SortStableFunc(sorted, func(a, b MatchScore) int {
		if sa, sb := a.Score(), b.Score(); sa != sb {
			return sb - sa
		}
		switch {
		case a.ContactID < b.ContactID:
			return -1
		case a.ContactID > b.ContactID:
			return 1
		}
		return 0
	})

	scaledThreshold := threshold * ScoreScale
	count := 0
	for _, score := range sorted {
		if score.Score() < scaledThreshold {
			break
		}
		count++
	}
	return sorted[:count]
}
