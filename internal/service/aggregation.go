package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"contact-aggregator/internal/config"
	"contact-aggregator/internal/db"
	"contact-aggregator/internal/identity"
	"contact-aggregator/internal/logger"
	"contact-aggregator/internal/matching"
	"contact-aggregator/internal/repository"
)

var (
	// ErrAggregationDisabled is returned when aggregation is switched off.
	ErrAggregationDisabled = errors.New("aggregation is disabled")
	// ErrInvalidName is returned when a name normalizes to nothing.
	ErrInvalidName = errors.New("name has no matchable characters")
	// ErrInvalidException is returned for an exception between a raw contact
	// and itself.
	ErrInvalidException = errors.New("aggregation exception needs two distinct raw contacts")
)

type rawContactStore interface {
	GetRawContact(ctx context.Context, id int64) (*repository.RawContact, error)
	CreateRawContact(ctx context.Context, params repository.CreateRawContactParams) (*repository.RawContact, error)
	JoinNewContact(ctx context.Context, rawContactID int64, previousContactID *int64) (int64, error)
	JoinContact(ctx context.Context, rawContactID, contactID int64, previousContactID *int64) error
	MarkAggregated(ctx context.Context, rawContactID int64) error
	MarkContactForSplit(ctx context.Context, contactID int64) error
	CountOtherRawContacts(ctx context.Context, contactID, rawContactID int64) (int, error)
	RawContactIDsForContact(ctx context.Context, contactID int64) ([]int64, error)
	PendingAggregation(ctx context.Context, limit int) ([]int64, error)
}

type lookupStore interface {
	ExceptionMatches(ctx context.Context, rawContactID int64) ([]repository.ExceptionMatch, error)
	DataMatches(ctx context.Context, rawContactID int64, kind identity.DataKind, limit int) ([]int64, error)
	SharesData(ctx context.Context, rawContactID, contactID int64) (bool, error)
	HasSameAccountMember(ctx context.Context, contactID, rawContactID, accountID int64) (bool, error)
	NameMatches(ctx context.Context, rawContactID int64, limit int) ([]repository.NameMatch, error)
	NameLookups(ctx context.Context, rawContactID int64, types []matching.LookupType) ([]identity.NameLookup, error)
	NameCandidates(ctx context.Context, contactIDs []int64, types []matching.LookupType) ([]repository.NameCandidate, error)
	NamePrefixCandidates(ctx context.Context, prefix string, types []matching.LookupType, limit int) ([]repository.NameCandidate, error)
	NameCandidatesByValue(ctx context.Context, names []string, limit int) ([]repository.NameCandidate, error)
	AddException(ctx context.Context, t repository.ExceptionType, rawContactID1, rawContactID2 int64) error
}

type nameLookupBuilder interface {
	Build(ctx context.Context, in identity.NameInput) ([]identity.NameLookup, error)
}

// AggregationAction describes what aggregation did with a raw contact.
type AggregationAction string

const (
	ActionJoined  AggregationAction = "joined"
	ActionCreated AggregationAction = "created"
	ActionKept    AggregationAction = "kept"
	ActionSkipped AggregationAction = "skipped"
)

// AggregationResult is the outcome of aggregating one raw contact.
type AggregationResult struct {
	RawContactID int64             `json:"raw_contact_id"`
	ContactID    *int64            `json:"contact_id,omitempty"`
	Action       AggregationAction `json:"action"`
	// SplitContactID is set when the best match was refused by the join
	// guard and its members were flagged for re-aggregation.
	SplitContactID *int64 `json:"split_contact_id,omitempty"`
}

// Suggestion is a contact that may be the same person as the queried one.
type Suggestion struct {
	ContactID  int64 `json:"contact_id"`
	Score      int   `json:"score"`
	MatchCount int   `json:"match_count"`
}

// CreateRawContactInput is a raw contact as submitted by a client.
type CreateRawContactInput struct {
	AccountID       int64
	DisplayName     string
	Nicknames       []string
	Emails          []string
	Phones          []string
	Identities      []string
	AggregationMode repository.AggregationMode
}

// AggregationService assigns raw contacts to contacts and proposes merges.
type AggregationService struct {
	cfg         config.AggregationConfig
	rawContacts rawContactStore
	lookups     lookupStore
	builder     nameLookupBuilder

	// mu serializes automatic aggregation; matcher is reused across runs.
	mu      sync.Mutex
	matcher *matching.ContactMatcher
}

// NewAggregationService creates a new aggregation service
func NewAggregationService(cfg config.AggregationConfig, rawContacts rawContactStore, lookups lookupStore, builder nameLookupBuilder) *AggregationService {
	if cfg.PrimaryThreshold == 0 {
		cfg.PrimaryThreshold = matching.DefaultThresholds.Primary
	}
	if cfg.SecondaryThreshold == 0 {
		cfg.SecondaryThreshold = matching.DefaultThresholds.Secondary
	}
	if cfg.SuggestThreshold == 0 {
		cfg.SuggestThreshold = matching.DefaultThresholds.Suggest
	}
	return &AggregationService{
		cfg:         cfg,
		rawContacts: rawContacts,
		lookups:     lookups,
		builder:     builder,
		matcher:     matching.NewContactMatcher(nil),
	}
}

// CreateRawContact stores a raw contact with its lookup rows and aggregates it.
// When aggregation is disabled the raw contact stays flagged and the result
// is nil.
func (s *AggregationService) CreateRawContact(ctx context.Context, in CreateRawContactInput) (*repository.RawContact, *AggregationResult, error) {
	names, err := s.builder.Build(ctx, identity.NameInput{
		DisplayName: in.DisplayName,
		Nicknames:   in.Nicknames,
		Emails:      in.Emails,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build name lookups: %w", err)
	}

	rc, err := s.rawContacts.CreateRawContact(ctx, repository.CreateRawContactParams{
		AccountID:       in.AccountID,
		DisplayName:     in.DisplayName,
		AggregationMode: in.AggregationMode,
		Names:           names,
		Data:            dataValues(in),
	})
	if err != nil {
		return nil, nil, err
	}

	if !s.cfg.Enabled {
		return rc, nil, nil
	}

	result, err := s.AggregateRawContact(ctx, rc.ID)
	if err != nil {
		return rc, nil, err
	}
	rc.ContactID = result.ContactID
	rc.AggregationNeeded = false
	return rc, result, nil
}

func dataValues(in CreateRawContactInput) []repository.DataValue {
	var values []repository.DataValue
	seen := make(map[repository.DataValue]struct{})
	add := func(kind identity.DataKind, raw []string) {
		for _, r := range raw {
			v := repository.DataValue{Kind: kind, Value: identity.Normalize(r, kind)}
			if v.Value == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			values = append(values, v)
		}
	}
	add(identity.DataKindEmail, in.Emails)
	add(identity.DataKindPhone, in.Phones)
	add(identity.DataKindIdentity, in.Identities)
	return values
}

// AggregateRawContact picks the contact a raw contact belongs to and moves it
// there, creating a new contact when nothing matches.
func (s *AggregationService) AggregateRawContact(ctx context.Context, rawContactID int64) (*AggregationResult, error) {
	if !s.cfg.Enabled {
		return nil, ErrAggregationDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rc, err := s.rawContacts.GetRawContact(ctx, rawContactID)
	if err != nil {
		return nil, err
	}
	result := &AggregationResult{RawContactID: rc.ID, ContactID: rc.ContactID}

	switch rc.AggregationMode {
	case repository.AggregationModeDisabled:
		result.Action = ActionSkipped
		return result, s.rawContacts.MarkAggregated(ctx, rc.ID)
	case repository.AggregationModeSuspended:
		if rc.ContactID != nil {
			result.Action = ActionKept
			return result, s.rawContacts.MarkAggregated(ctx, rc.ID)
		}
		return s.createContact(ctx, rc, result)
	}

	s.matcher.Clear()
	best, kept, err := s.pickBestMatch(ctx, rc)
	if err != nil {
		return nil, err
	}

	if best >= 0 && rc.ContactID != nil && best == *rc.ContactID {
		result.Action = ActionKept
		return result, s.rawContacts.MarkAggregated(ctx, rc.ID)
	}

	if best >= 0 && !kept {
		ok, err := s.canJoinIntoContact(ctx, rc, best)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := s.rawContacts.MarkContactForSplit(ctx, best); err != nil {
				return nil, err
			}
			split := best
			result.SplitContactID = &split
			best = matching.NoMatch
		}
	}

	if best < 0 {
		if rc.ContactID != nil {
			others, err := s.rawContacts.CountOtherRawContacts(ctx, *rc.ContactID, rc.ID)
			if err != nil {
				return nil, err
			}
			if others == 0 {
				result.Action = ActionKept
				return result, s.rawContacts.MarkAggregated(ctx, rc.ID)
			}
		}
		return s.createContact(ctx, rc, result)
	}

	if err := s.rawContacts.JoinContact(ctx, rc.ID, best, rc.ContactID); err != nil {
		return nil, err
	}
	contactID := best
	result.ContactID = &contactID
	result.Action = ActionJoined

	logger.Debug().
		Int64("raw_contact_id", rc.ID).
		Int64("contact_id", best).
		Msg("joined raw contact into contact")
	return result, nil
}

func (s *AggregationService) createContact(ctx context.Context, rc *repository.RawContact, result *AggregationResult) (*AggregationResult, error) {
	contactID, err := s.rawContacts.JoinNewContact(ctx, rc.ID, rc.ContactID)
	if err != nil {
		return nil, err
	}
	result.ContactID = &contactID
	result.Action = ActionCreated
	return result, nil
}

// pickBestMatch runs exceptions, then the primary pass, then the secondary
// pass. kept reports a keep-together decision, which bypasses the join guard.
func (s *AggregationService) pickBestMatch(ctx context.Context, rc *repository.RawContact) (int64, bool, error) {
	m := s.matcher

	exceptions, err := s.lookups.ExceptionMatches(ctx, rc.ID)
	if err != nil {
		return 0, false, err
	}
	for _, e := range exceptions {
		switch e.Type {
		case repository.ExceptionKeepTogether:
			m.KeepIn(e.ContactID)
		case repository.ExceptionKeepSeparate:
			m.KeepOut(e.ContactID)
		}
	}
	if best := m.PickBestMatch(matching.MaxScore, true); best != matching.NoMatch {
		return best, true, nil
	}

	if err := s.matchIdentities(ctx, m, rc.ID); err != nil {
		return 0, false, err
	}
	if err := s.matchExactNames(ctx, m, rc.ID); err != nil {
		return 0, false, err
	}
	best := m.PickBestMatch(s.cfg.PrimaryThreshold, false)
	if best == matching.MultipleMatches {
		return matching.NoMatch, false, nil
	}
	if best != matching.NoMatch {
		return best, false, nil
	}

	if err := s.matchSecondaryData(ctx, m, rc.ID, s.cfg.PrimaryHitLimit); err != nil {
		return 0, false, err
	}
	candidates := m.PrepareSecondaryMatchCandidates(s.cfg.PrimaryThreshold)
	if len(candidates) == 0 || len(candidates) > s.cfg.SecondaryHitLimit {
		return matching.NoMatch, false, nil
	}

	queryNames, err := s.lookups.NameLookups(ctx, rc.ID, matching.StructuredNameTypes)
	if err != nil {
		return 0, false, err
	}
	rows, err := s.lookups.NameCandidates(ctx, candidates, matching.StructuredNameTypes)
	if err != nil {
		return 0, false, err
	}
	for _, row := range rows {
		for _, q := range queryNames {
			m.MatchName(row.ContactID, q.Type, q.Name, row.Type, row.Name, matching.AlgorithmConservative)
		}
	}

	best = m.PickBestMatch(s.cfg.SecondaryThreshold, false)
	if best == matching.MultipleMatches {
		return matching.NoMatch, false, nil
	}
	return best, false, nil
}

// canJoinIntoContact refuses a contact that already holds a raw contact from
// the same account, unless the two share an email, phone or identity.
func (s *AggregationService) canJoinIntoContact(ctx context.Context, rc *repository.RawContact, contactID int64) (bool, error) {
	sameAccount, err := s.lookups.HasSameAccountMember(ctx, contactID, rc.ID, rc.AccountID)
	if err != nil {
		return false, err
	}
	if !sameAccount {
		return true, nil
	}
	return s.lookups.SharesData(ctx, rc.ID, contactID)
}

func (s *AggregationService) matchIdentities(ctx context.Context, m *matching.ContactMatcher, rawContactID int64) error {
	ids, err := s.lookups.DataMatches(ctx, rawContactID, identity.DataKindIdentity, s.cfg.PrimaryHitLimit)
	if err != nil {
		return err
	}
	for _, id := range ids {
		m.MatchIdentity(id)
	}
	return nil
}

func (s *AggregationService) matchExactNames(ctx context.Context, m *matching.ContactMatcher, rawContactID int64) error {
	matches, err := s.lookups.NameMatches(ctx, rawContactID, s.cfg.PrimaryHitLimit)
	if err != nil {
		return err
	}
	for _, nm := range matches {
		m.MatchName(nm.ContactID, nm.Type, nm.Name, nm.MatchedType, nm.MatchedName, matching.AlgorithmExact)
		if nm.Type == matching.LookupTypeNickname && nm.MatchedType == matching.LookupTypeNickname {
			m.UpdateScoreWithNicknameMatch(nm.ContactID)
		}
	}
	return nil
}

func (s *AggregationService) matchSecondaryData(ctx context.Context, m *matching.ContactMatcher, rawContactID int64, limit int) error {
	emails, err := s.lookups.DataMatches(ctx, rawContactID, identity.DataKindEmail, limit)
	if err != nil {
		return err
	}
	for _, id := range emails {
		m.UpdateScoreWithEmailMatch(id)
	}

	phones, err := s.lookups.DataMatches(ctx, rawContactID, identity.DataKindPhone, limit)
	if err != nil {
		return err
	}
	for _, id := range phones {
		m.UpdateScoreWithPhoneNumberMatch(id)
	}
	return nil
}

// FindSuggestions ranks contacts that may be the same person as contactID.
// The contact itself is never suggested.
func (s *AggregationService) FindSuggestions(ctx context.Context, contactID int64, limit int) ([]Suggestion, error) {
	members, err := s.rawContacts.RawContactIDsForContact(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("contact %d: %w", contactID, db.ErrNotFound)
	}

	m := matching.NewContactMatcher(nil)
	m.KeepOut(contactID)

	for _, rawContactID := range members {
		if err := s.matchIdentities(ctx, m, rawContactID); err != nil {
			return nil, err
		}
		if err := s.matchExactNames(ctx, m, rawContactID); err != nil {
			return nil, err
		}
		if err := s.matchSecondaryData(ctx, m, rawContactID, s.cfg.SecondaryHitLimit); err != nil {
			return nil, err
		}

		names, err := s.lookups.NameLookups(ctx, rawContactID, matching.ApproximateMatchTypes)
		if err != nil {
			return nil, err
		}
		if err := s.matchApproximateNames(ctx, m, names); err != nil {
			return nil, err
		}
	}

	return s.suggestions(m, limit), nil
}

// SuggestByName ranks contacts whose names resemble a free-text name.
func (s *AggregationService) SuggestByName(ctx context.Context, name string, limit int) ([]Suggestion, error) {
	names, err := s.builder.Build(ctx, identity.NameInput{DisplayName: name})
	if err != nil {
		return nil, fmt.Errorf("build name lookups: %w", err)
	}
	if len(names) == 0 {
		return nil, ErrInvalidName
	}

	values := make([]string, 0, len(names))
	for _, n := range names {
		values = append(values, n.Name)
	}
	rows, err := s.lookups.NameCandidatesByValue(ctx, values, s.cfg.FirstLetterHitLimit)
	if err != nil {
		return nil, err
	}

	m := matching.NewContactMatcher(nil)
	for _, row := range rows {
		for _, q := range names {
			if q.Name != row.Name {
				continue
			}
			m.MatchName(row.ContactID, q.Type, q.Name, row.Type, row.Name, matching.AlgorithmExact)
			if q.Type == matching.LookupTypeNickname && row.Type == matching.LookupTypeNickname {
				m.UpdateScoreWithNicknameMatch(row.ContactID)
			}
		}
	}

	approximate := make([]identity.NameLookup, 0, len(names))
	for _, n := range names {
		for _, t := range matching.ApproximateMatchTypes {
			if n.Type == t {
				approximate = append(approximate, n)
				break
			}
		}
	}
	if err := s.matchApproximateNames(ctx, m, approximate); err != nil {
		return nil, err
	}

	return s.suggestions(m, limit), nil
}

// firstLetterLength is the encoded length of the first byte of a name.
const firstLetterLength = 2

// matchApproximateNames compares each name with stored names that share its
// first letter.
func (s *AggregationService) matchApproximateNames(ctx context.Context, m *matching.ContactMatcher, names []identity.NameLookup) error {
	byPrefix := make(map[string][]identity.NameLookup)
	var prefixes []string
	for _, n := range names {
		if len(n.Name) < firstLetterLength {
			continue
		}
		p := n.Name[:firstLetterLength]
		if _, ok := byPrefix[p]; !ok {
			prefixes = append(prefixes, p)
		}
		byPrefix[p] = append(byPrefix[p], n)
	}

	for _, p := range prefixes {
		rows, err := s.lookups.NamePrefixCandidates(ctx, p, matching.ApproximateMatchTypes, s.cfg.FirstLetterHitLimit)
		if err != nil {
			return err
		}
		for _, row := range rows {
			for _, q := range byPrefix[p] {
				m.MatchName(row.ContactID, q.Type, q.Name, row.Type, row.Name, matching.AlgorithmApproximate)
			}
		}
	}
	return nil
}

func (s *AggregationService) suggestions(m *matching.ContactMatcher, limit int) []Suggestion {
	if limit <= 0 || limit > s.cfg.MaxSuggestions {
		limit = s.cfg.MaxSuggestions
	}

	best := m.PickBestMatches(s.cfg.SuggestThreshold)
	if len(best) > limit {
		best = best[:limit]
	}

	out := make([]Suggestion, 0, len(best))
	for _, b := range best {
		score := b.EffectiveScore()
		if b.KeepIn {
			score = matching.MaxScore
		}
		out = append(out, Suggestion{ContactID: b.ContactID, Score: score, MatchCount: b.MatchCount})
	}
	return out
}

// AddException records a manual aggregation decision and re-aggregates both
// raw contacts when aggregation is enabled.
func (s *AggregationService) AddException(ctx context.Context, t repository.ExceptionType, rawContactID1, rawContactID2 int64) ([]*AggregationResult, error) {
	if rawContactID1 == rawContactID2 {
		return nil, ErrInvalidException
	}
	for _, id := range []int64{rawContactID1, rawContactID2} {
		if _, err := s.rawContacts.GetRawContact(ctx, id); err != nil {
			return nil, err
		}
	}

	if err := s.lookups.AddException(ctx, t, rawContactID1, rawContactID2); err != nil {
		return nil, err
	}

	if !s.cfg.Enabled {
		return nil, nil
	}
	results := make([]*AggregationResult, 0, 2)
	for _, id := range []int64{rawContactID1, rawContactID2} {
		res, err := s.AggregateRawContact(ctx, id)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// AggregatePending aggregates up to batchSize flagged raw contacts. A failure
// on one raw contact is logged and the rest of the batch continues.
func (s *AggregationService) AggregatePending(ctx context.Context, batchSize int) (int, error) {
	if !s.cfg.Enabled {
		return 0, ErrAggregationDisabled
	}

	ids, err := s.rawContacts.PendingAggregation(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if _, err := s.AggregateRawContact(ctx, id); err != nil {
			logger.Error().Err(err).Int64("raw_contact_id", id).Msg("failed to aggregate raw contact")
			continue
		}
		done++
	}
	return done, nil
}
