package main

import (
	"errors"
	"regexp"
	"sort"
	"strings"
)

// ErrNoRanking is returned when a ranking response cannot be parsed
var ErrNoRanking = errors.New("no ranking found in response")

// DefaultRankingMarker introduces the ranking section of a Stage 2 response
const DefaultRankingMarker = "FINAL RANKING:"

var (
	numberedLabelPattern = regexp.MustCompile(`\d+[.)]\s*Response\s+([A-Z]{1,2})\b`)
	labelPattern         = regexp.MustCompile(`\bResponse\s+([A-Z]{1,2})\b`)
)

// Anonymization is the fixed label<->model mapping used for one Stage 2
type Anonymization struct {
	Answers      []AnonymizedAnswer
	LabelToModel map[string]string
	ModelToLabel map[string]string
}

// Labels returns the labels in assignment order
func (a Anonymization) Labels() []string {
	labels := make([]string, len(a.Answers))
	for i, answer := range a.Answers {
		labels[i] = answer.Label
	}
	return labels
}

// Anonymize assigns sequential labels (A, B, C...) to successful answers in input order
func Anonymize(answers []ModelAnswer) Anonymization {
	anon := Anonymization{
		LabelToModel: make(map[string]string),
		ModelToLabel: make(map[string]string),
	}

	for _, answer := range answers {
		if !answer.OK() {
			continue
		}
		label := LabelFor(len(anon.Answers))
		anon.Answers = append(anon.Answers, AnonymizedAnswer{
			Label:    label,
			Model:    answer.Model,
			Response: answer.Response,
		})
		anon.LabelToModel[label] = answer.Model
		anon.ModelToLabel[answer.Model] = label
	}

	return anon
}

// LabelFor returns the label for the i-th answer: A..Z, then AA, AB...
func LabelFor(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return LabelFor(i/26-1) + string(rune('A'+i%26))
}

// RankingParser turns a free-text ranking response into an ordered list of labels
type RankingParser interface {
	ParseRanking(text string, validLabels []string) ([]string, error)
}

// MarkerParser reads the numbered list that follows an explicit marker line
type MarkerParser struct {
	Marker string
}

// ParseRanking implements RankingParser
func (p MarkerParser) ParseRanking(text string, validLabels []string) ([]string, error) {
	marker := p.Marker
	if marker == "" {
		marker = DefaultRankingMarker
	}

	idx := strings.Index(text, marker)
	if idx < 0 {
		return nil, ErrNoRanking
	}
	section := text[idx+len(marker):]

	// Prefer the numbered list; fall back to bare labels inside the section
	matches := numberedLabelPattern.FindAllStringSubmatch(section, -1)
	if len(matches) == 0 {
		matches = labelPattern.FindAllStringSubmatch(section, -1)
	}

	return normalizeRanking(submatches(matches), validLabels)
}

// PatternParser collects "Response X" mentions across the whole text in order of appearance
type PatternParser struct{}

// ParseRanking implements RankingParser
func (PatternParser) ParseRanking(text string, validLabels []string) ([]string, error) {
	matches := labelPattern.FindAllStringSubmatch(text, -1)
	return normalizeRanking(submatches(matches), validLabels)
}

// FallbackParser tries each parser in order and returns the first success
type FallbackParser []RankingParser

// ParseRanking implements RankingParser
func (f FallbackParser) ParseRanking(text string, validLabels []string) ([]string, error) {
	for _, parser := range f {
		if ranking, err := parser.ParseRanking(text, validLabels); err == nil {
			return ranking, nil
		}
	}
	return nil, ErrNoRanking
}

// DefaultRankingParser is the marker parser with the pattern parser as fallback
func DefaultRankingParser() RankingParser {
	return FallbackParser{MarkerParser{Marker: DefaultRankingMarker}, PatternParser{}}
}

func submatches(matches [][]string) []string {
	labels := make([]string, 0, len(matches))
	for _, m := range matches {
		labels = append(labels, m[1])
	}
	return labels
}

// normalizeRanking drops unknown labels and repeated mentions, keeping first occurrence
func normalizeRanking(labels []string, validLabels []string) ([]string, error) {
	valid := make(map[string]bool, len(validLabels))
	for _, label := range validLabels {
		valid[label] = true
	}

	seen := make(map[string]bool, len(labels))
	ranking := make([]string, 0, len(labels))
	for _, label := range labels {
		if (len(valid) > 0 && !valid[label]) || seen[label] {
			continue
		}
		seen[label] = true
		ranking = append(ranking, label)
	}

	if len(ranking) == 0 {
		return nil, ErrNoRanking
	}
	return ranking, nil
}

// AggregateRankings computes the consensus leaderboard across all valid submissions.
// Each label scores (label count - position) per submission, so first place scores
// highest and unranked labels score nothing. Ties keep the original answer order.
func AggregateRankings(submissions []RankingSubmission, anon Anonymization) AggregateRanking {
	labels := anon.Labels()
	n := len(labels)

	scores := make(map[string]int, n)
	votes := make(map[string]int, n)
	positionSums := make(map[string]int, n)

	valid := 0
	for _, submission := range submissions {
		if !submission.Valid() {
			continue
		}
		valid++
		for position, label := range submission.Ranking {
			if _, ok := anon.LabelToModel[label]; !ok {
				continue
			}
			scores[label] += n - position
			votes[label]++
			positionSums[label] += position + 1
		}
	}

	leaderboard := make([]LeaderboardEntry, 0, n)
	for _, label := range labels {
		entry := LeaderboardEntry{
			Label: label,
			Model: anon.LabelToModel[label],
			Score: scores[label],
			Votes: votes[label],
		}
		if entry.Votes > 0 {
			entry.AverageRank = float64(positionSums[label]) / float64(entry.Votes)
		}
		leaderboard = append(leaderboard, entry)
	}

	sort.SliceStable(leaderboard, func(i, j int) bool {
		return leaderboard[i].Score > leaderboard[j].Score
	})
	for i := range leaderboard {
		leaderboard[i].Rank = i + 1
	}

	labelToModel := make(map[string]string, n)
	for label, model := range anon.LabelToModel {
		labelToModel[label] = model
	}

	return AggregateRanking{
		Leaderboard:      leaderboard,
		LabelToModel:     labelToModel,
		ValidSubmissions: valid,
	}
}
