package matching

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(name string) string {
	return hex.EncodeToString([]byte(name))
}

func TestMatchName_IdenticalNamesRecordMaxScore(t *testing.T) {
	matrix := DefaultScoreMatrix()
	types := []LookupType{
		LookupTypeNameExact,
		LookupTypeNameVariant,
		LookupTypeNameCollationKey,
		LookupTypeNickname,
		LookupTypeEmailBasedNickname,
	}

	for _, candidate := range types {
		for _, query := range types {
			r := matrix.Range(candidate, query)
			t.Run(candidate.String()+"/"+query.String(), func(t *testing.T) {
				m := NewContactMatcher(matrix)
				m.MatchName(1, candidate, encode("john"), query, encode("john"), AlgorithmExact)

				score, ok := m.Get(1)
				if r.Max == 0 {
					assert.False(t, ok)
					assert.Equal(t, 0, m.Len())
					return
				}
				require.True(t, ok)
				assert.Equal(t, r.Max, score.PrimaryScore)
				assert.Equal(t, 1, score.MatchCount)
			})
		}
	}
}

func TestMatchName_ExactAlgorithmIgnoresDifferentNames(t *testing.T) {
	m := NewContactMatcher(nil)
	m.MatchName(1, LookupTypeNameCollationKey, encode("martha"),
		LookupTypeNameCollationKey, encode("marhta"), AlgorithmExact)

	assert.Equal(t, 0, m.Len())
}

func TestMatchName_FixedRangeSkipsApproximation(t *testing.T) {
	m := NewContactMatcher(nil)
	m.MatchName(1, LookupTypeNameExact, encode("martha"),
		LookupTypeNameExact, encode("marhta"), AlgorithmApproximate)

	assert.Equal(t, 0, m.Len())
}

func TestMatchName_ApproximateInterpolatesScore(t *testing.T) {
	m := NewContactMatcher(nil)
	m.MatchName(1, LookupTypeNameCollationKey, encode("martha"),
		LookupTypeNameCollationKey, encode("marhta"), AlgorithmApproximate)

	score, ok := m.Get(1)
	require.True(t, ok)
	// distance 0.9611 gives 50 + 30 * 0.0389
	assert.Equal(t, 51, score.PrimaryScore)
	assert.Equal(t, 1, score.MatchCount)
}

func TestMatchName_BelowThresholdRecordsZero(t *testing.T) {
	m := NewContactMatcher(nil)
	m.MatchName(1, LookupTypeNameCollationKey, encode("jones"),
		LookupTypeNameCollationKey, encode("xavier"), AlgorithmApproximate)

	score, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, 0, score.PrimaryScore)
	assert.Equal(t, 1, score.MatchCount)
}

func TestMatchName_EmailNicknameUsesStricterThreshold(t *testing.T) {
	m := NewContactMatcher(nil)
	// distance 0.84 clears the name threshold but not the email one
	m.MatchName(1, LookupTypeNameCollationKey, encode("dwayne"),
		LookupTypeEmailBasedNickname, encode("duane"), AlgorithmApproximate)
	m.MatchName(2, LookupTypeNameCollationKey, encode("dwayne"),
		LookupTypeNameCollationKey, encode("duane"), AlgorithmApproximate)

	email, _ := m.Get(1)
	name, _ := m.Get(2)
	assert.Equal(t, 0, email.PrimaryScore)
	assert.Equal(t, 54, name.PrimaryScore)
}

func TestMatchName_ConservativeOnlyAcceptsPrefixes(t *testing.T) {
	m := NewContactMatcher(nil)
	m.MatchName(1, LookupTypeNameCollationKey, encode("martha"),
		LookupTypeNameCollationKey, encode("marhta"), AlgorithmConservative)
	m.MatchName(2, LookupTypeNameCollationKey, encode("mart"),
		LookupTypeNameCollationKey, encode("martha"), AlgorithmConservative)

	transposed, _ := m.Get(1)
	prefixed, _ := m.Get(2)
	assert.Equal(t, 0, transposed.PrimaryScore)
	// distance 1.0 leaves nothing to interpolate above the minimum
	assert.Equal(t, 50, prefixed.PrimaryScore)
}

func TestMatchName_DecodeFailureIsSkipped(t *testing.T) {
	m := NewContactMatcher(nil)
	m.MatchName(1, LookupTypeNameCollationKey, "not-hex",
		LookupTypeNameCollationKey, encode("john"), AlgorithmApproximate)
	m.MatchName(2, LookupTypeNameCollationKey, encode("john"),
		LookupTypeNameCollationKey, "zz", AlgorithmApproximate)

	assert.Equal(t, 0, m.Len())
}

func TestMatchName_KeepsBestPrimaryScore(t *testing.T) {
	m := NewContactMatcher(nil)
	m.MatchName(1, LookupTypeNameVariant, encode("johnsmith"), LookupTypeNameVariant, encode("johnsmith"), AlgorithmExact)
	m.MatchName(1, LookupTypeNickname, encode("7"), LookupTypeNickname, encode("7"), AlgorithmExact)

	score, _ := m.Get(1)
	assert.Equal(t, 90, score.PrimaryScore)
	assert.Equal(t, 2, score.MatchCount)
}

func TestMatchIdentity(t *testing.T) {
	m := NewContactMatcher(nil)
	m.MatchIdentity(5)

	score, ok := m.Get(5)
	require.True(t, ok)
	assert.Equal(t, MaxScore, score.PrimaryScore)
	assert.Equal(t, int64(5), m.PickBestMatch(ScoreThresholdPrimary, false))
}

func TestSecondaryScores(t *testing.T) {
	m := NewContactMatcher(nil)
	m.UpdateScoreWithPhoneNumberMatch(1)
	m.UpdateScoreWithEmailMatch(1)
	m.UpdateScoreWithNicknameMatch(2)

	one, _ := m.Get(1)
	two, _ := m.Get(2)
	assert.Equal(t, PhoneMatchScore, one.SecondaryScore)
	assert.Equal(t, 2, one.MatchCount)
	assert.Equal(t, NicknameMatchScore, two.SecondaryScore)
	assert.Equal(t, 0, one.PrimaryScore)
}

func TestPickBestMatch(t *testing.T) {
	t.Run("no data", func(t *testing.T) {
		m := NewContactMatcher(nil)
		assert.Equal(t, NoMatch, m.PickBestMatch(ScoreThresholdPrimary, false))
	})

	t.Run("highest above threshold wins", func(t *testing.T) {
		m := NewContactMatcher(nil)
		m.updatePrimaryScore(1, 80)
		m.updatePrimaryScore(2, 60)
		assert.Equal(t, int64(1), m.PickBestMatch(70, false))
	})

	t.Run("nothing above threshold", func(t *testing.T) {
		m := NewContactMatcher(nil)
		m.updatePrimaryScore(1, 60)
		assert.Equal(t, NoMatch, m.PickBestMatch(70, false))
	})

	t.Run("multiple matches rejected", func(t *testing.T) {
		m := NewContactMatcher(nil)
		m.updatePrimaryScore(1, 85)
		m.updatePrimaryScore(2, 85)
		assert.Equal(t, MultipleMatches, m.PickBestMatch(70, false))
	})

	t.Run("multiple matches allowed picks lowest id on tie", func(t *testing.T) {
		m := NewContactMatcher(nil)
		m.updatePrimaryScore(9, 85)
		m.updatePrimaryScore(3, 85)
		m.updatePrimaryScore(5, 75)
		assert.Equal(t, int64(3), m.PickBestMatch(70, true))
	})

	t.Run("keep out is never returned", func(t *testing.T) {
		m := NewContactMatcher(nil)
		m.MatchIdentity(1)
		m.KeepOut(1)
		m.updatePrimaryScore(2, 75)
		assert.Equal(t, int64(2), m.PickBestMatch(70, false))
	})

	t.Run("keep out wins over keep in", func(t *testing.T) {
		m := NewContactMatcher(nil)
		m.KeepIn(1)
		m.KeepOut(1)
		assert.Equal(t, NoMatch, m.PickBestMatch(MaxScore, true))
	})

	t.Run("keep in without data", func(t *testing.T) {
		m := NewContactMatcher(nil)
		m.updatePrimaryScore(1, 99)
		m.KeepIn(2)
		assert.Equal(t, int64(2), m.PickBestMatch(MaxScore, true))
	})

	t.Run("secondary score counts", func(t *testing.T) {
		m := NewContactMatcher(nil)
		m.UpdateScoreWithEmailMatch(4)
		assert.Equal(t, int64(4), m.PickBestMatch(ScoreThresholdSecondary, false))
	})
}

func TestPickBestMatches(t *testing.T) {
	m := NewContactMatcher(nil)
	m.updatePrimaryScore(1, 70)
	for range 3 {
		m.updatePrimaryScore(2, 70)
	}
	m.updatePrimaryScore(3, 90)
	m.updatePrimaryScore(4, 40)
	m.updatePrimaryScore(5, 95)
	m.KeepOut(5)
	m.KeepIn(6)

	matches := m.PickBestMatches(ScoreThresholdSuggest)
	require.Len(t, matches, 4)

	ids := make([]int64, len(matches))
	for i, s := range matches {
		ids[i] = s.ContactID
	}
	assert.Equal(t, []int64{6, 3, 2, 1}, ids)
	assert.Equal(t, 70*ScoreScale+3, matches[2].Score())
	assert.Equal(t, 70*ScoreScale+1, matches[3].Score())

	for i := 1; i < len(matches); i++ {
		assert.Greater(t, matches[i-1].Score(), matches[i].Score())
	}
}

func TestPickBestMatches_DoesNotDisturbRun(t *testing.T) {
	m := NewContactMatcher(nil)
	m.updatePrimaryScore(1, 60)
	m.updatePrimaryScore(2, 90)

	m.PickBestMatches(0)
	m.updatePrimaryScore(1, 95)

	score, _ := m.Get(1)
	assert.Equal(t, 95, score.PrimaryScore)
	assert.Equal(t, int64(1), m.PickBestMatch(ScoreThresholdPrimary, true))
}

func TestPrepareSecondaryMatchCandidates(t *testing.T) {
	m := NewContactMatcher(nil)
	m.updatePrimaryScore(1, 60)
	m.UpdateScoreWithPhoneNumberMatch(1)
	m.updatePrimaryScore(2, 65)
	m.UpdateScoreWithEmailMatch(3)
	m.KeepOut(3)

	ids := m.PrepareSecondaryMatchCandidates(ScoreThresholdPrimary)
	assert.Equal(t, []int64{1}, ids)

	one, _ := m.Get(1)
	two, _ := m.Get(2)
	three, _ := m.Get(3)
	assert.Equal(t, NoDataScore, one.PrimaryScore)
	assert.Equal(t, NoDataScore, two.PrimaryScore)
	assert.Equal(t, 0, three.PrimaryScore)

	// only the secondary score is left for the next query
	assert.Equal(t, int64(1), m.PickBestMatch(ScoreThresholdSecondary, false))

	m.MatchName(2, LookupTypeNameExact, encode("ann"), LookupTypeNameExact, encode("ann"), AlgorithmExact)
	assert.Equal(t, MultipleMatches, m.PickBestMatch(ScoreThresholdSecondary, false))
}

func TestClear_RepeatsIdenticalResults(t *testing.T) {
	m := NewContactMatcher(nil)
	run := func() (int64, []MatchScore) {
		m.MatchName(10, LookupTypeNameCollationKey, encode("martha"),
			LookupTypeNameCollationKey, encode("marhta"), AlgorithmApproximate)
		m.MatchName(11, LookupTypeNameExact, encode("ann"), LookupTypeNameExact, encode("ann"), AlgorithmExact)
		m.UpdateScoreWithPhoneNumberMatch(10)
		m.KeepOut(12)
		return m.PickBestMatch(ScoreThresholdSecondary, true), m.PickBestMatches(ScoreThresholdSuggest)
	}

	best1, matches1 := run()
	m.Clear()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, NoMatch, m.PickBestMatch(0, true))
	best2, matches2 := run()

	assert.Equal(t, best1, best2)
	assert.Equal(t, matches1, matches2)
	assert.Equal(t, int64(11), best1)
}

func TestEndToEnd_SecondaryCorroboratedMatch(t *testing.T) {
	m := NewContactMatcher(nil)
	const contactA int64 = 42

	m.MatchName(contactA, LookupTypeNameCollationKey, encode("dwayne"),
		LookupTypeNameCollationKey, encode("duane"), AlgorithmApproximate)
	score, _ := m.Get(contactA)
	assert.Equal(t, 54, score.PrimaryScore)
	assert.Equal(t, NoMatch, m.PickBestMatch(ScoreThresholdPrimary, false))

	m.UpdateScoreWithPhoneNumberMatch(contactA)
	score, _ = m.Get(contactA)
	assert.Equal(t, PhoneMatchScore, score.EffectiveScore())
	assert.Equal(t, contactA, m.PickBestMatch(ScoreThresholdSecondary, true))
}
