// Package tally folds ballot ledgers into counts.
package tally

import "github.com/zhouzirui/z-ballot/backend/internal/model/ballot"

// Count folds explicit votes. Entries with an unknown choice are ignored.
func Count(votes []ballot.Vote) ballot.Tally {
	var t ballot.Tally
	for _, v := range votes {
		switch v.Choice {
		case ballot.ChoiceFor:
			t.For++
		case ballot.ChoiceAgainst:
			t.Against++
		case ballot.ChoiceAbstain:
			t.Abstain++
		}
	}
	return t
}

// Compute returns the final tally, counting every outstanding credential as
// an abstention.
func Compute(votes []ballot.Vote, outstanding int) ballot.Tally {
	t := Count(votes)
	if outstanding > 0 {
		t.Abstain += outstanding
	}
	return t
}
