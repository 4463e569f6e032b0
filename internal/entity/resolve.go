package entity

import (
	"sort"
	"time"
)

// Update is the single authoritative change for one entity key, carrying the
// full field set of the submission that won conflict resolution.
type Update struct {
	Key         string
	FormID      string
	SubmittedAt time.Time
	Fields      map[string]string
}

// Resolve collapses a batch of submissions spanning every source form into
// one Update per distinct entity key. For each key the submission with the
// latest SubmittedAt wins, and its entire field set replaces the group:
// fields from superseded submissions never leak through, even when they do
// not overlap with the winner's fields. A field absent from the winning
// submission may mean "unchanged" in that form's semantics and must not be
// resurrected from an older event.
//
// Ties on SubmittedAt are broken deterministically so that re-runs of the
// same batch produce the same result: the submission from the form declared
// earliest in declarationOrder wins, and within a single form the submission
// fetched first wins.
func Resolve(submissions []Submission, declarationOrder []string) []Update {
	formRank := make(map[string]int, len(declarationOrder))
	for rank, formID := range declarationOrder {
		formRank[formID] = rank
	}

	winners := make(map[string]Submission, len(submissions))
	for _, candidate := range submissions {
		current, contested := winners[candidate.Key]
		if !contested || supersedes(candidate, current, formRank) {
			winners[candidate.Key] = candidate
		}
	}

	updates := make([]Update, 0, len(winners))
	for key, winner := range winners {
		updates = append(updates, Update{
			Key:         key,
			FormID:      winner.FormID,
			SubmittedAt: winner.SubmittedAt,
			Fields:      winner.Fields,
		})
	}
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].Key < updates[j].Key
	})
	return updates
}

// supersedes reports whether the candidate beats the current winner for the
// same key. Candidates are visited in fetch order, so keeping the current
// winner on a full tie preserves first-fetched-wins.
func supersedes(candidate, current Submission, formRank map[string]int) bool {
	if candidate.SubmittedAt.After(current.SubmittedAt) {
		return true
	}
	if candidate.SubmittedAt.Before(current.SubmittedAt) {
		return false
	}
	return formRank[candidate.FormID] < formRank[current.FormID]
}
