// Package matching scores how likely two contacts are the same person.
//
// NameDistance compares normalized names with a Jaro-Winkler variant.
// ContactMatcher folds name, phone, email and nickname signals into per-contact
// scores for one aggregation run and answers best-match queries. Scores range
// over [0, MaxScore] and the ScoreMatrix decides which lookup type pairs are
// comparable and how much they are worth.
package matching
