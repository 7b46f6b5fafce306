package tally_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhouzirui/z-ballot/backend/internal/model/ballot"
	"github.com/zhouzirui/z-ballot/backend/internal/service/tally"
)

func votes(choices ...ballot.Choice) []ballot.Vote {
	out := make([]ballot.Vote, 0, len(choices))
	for _, c := range choices {
		out = append(out, ballot.Vote{SessionID: "s", WindowID: "w", Choice: c})
	}
	return out
}

func TestCountEmptyLedger(t *testing.T) {
	assert.Equal(t, ballot.Tally{}, tally.Count(nil))
}

func TestComputeFoldsOutstandingIntoAbstain(t *testing.T) {
	got := tally.Compute(votes(ballot.ChoiceFor, ballot.ChoiceFor, ballot.ChoiceAbstain), 2)
	assert.Equal(t, ballot.Tally{For: 2, Against: 0, Abstain: 3}, got)
	assert.Equal(t, 5, got.Total())
}

func TestComputeIgnoresNegativeOutstanding(t *testing.T) {
	got := tally.Compute(votes(ballot.ChoiceAgainst), -3)
	assert.Equal(t, ballot.Tally{Against: 1}, got)
}

func TestCountIsOrderIndependent(t *testing.T) {
	ledger := votes(
		ballot.ChoiceFor, ballot.ChoiceAgainst, ballot.ChoiceAbstain,
		ballot.ChoiceFor, ballot.ChoiceFor, ballot.ChoiceAgainst,
	)
	want := tally.Count(ledger)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]ballot.Vote(nil), ledger...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		assert.Equal(t, want, tally.Count(shuffled))
	}
}
