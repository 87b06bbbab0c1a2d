package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopStringHarness(t *testing.T, include bool) (*Sampler, *SequenceGroup, *fragmentTokenizer) {
	t.Helper()
	tok := &fragmentTokenizer{vocab: []string{"He", "llo", " wo", "rld", "ST", "OP", "!"}}
	sp := NewSampler(NewBlockStore(16, 4, false), tok)
	cfg := DefaultGenerationConfig()
	cfg.MaxNewTokens = 10
	cfg.StopStrings = []string{"STOP"}
	cfg.IncludeStopStrInOutput = include
	g := newSequenceGroup(1, []int64{1}, cfg, 1)
	return sp, g, tok
}

func TestStopStrings_MatchTrimsOutput(t *testing.T) {
	// GIVEN a request with stop string "STOP" spanning two tokens
	sp, g, tok := stopStringHarness(t, false)

	// WHEN the generation produces "He", "ST", "OP"
	for _, id := range []int64{0, 4, 5} {
		advanceGroup(t, sp, g, func(*Sequence) Logits { return favoring(7, id) })
	}

	// THEN the match finishes the sequence and the stop text is trimmed
	seq := g.Seqs[0]
	require.Equal(t, StatusFinished, seq.Status)
	assert.Equal(t, "He", tok.Decode(seq.Generated()))
}

func TestStopStrings_IncludeKeepsMatchInOutput(t *testing.T) {
	sp, g, tok := stopStringHarness(t, true)

	for _, id := range []int64{0, 4, 5} {
		advanceGroup(t, sp, g, func(*Sequence) Logits { return favoring(7, id) })
	}

	seq := g.Seqs[0]
	require.Equal(t, StatusFinished, seq.Status)
	assert.Equal(t, "HeSTOP", tok.Decode(seq.Generated()))
}

func TestStopStrings_PartialMatchKeepsGenerating(t *testing.T) {
	// GIVEN output that only ever contains a prefix of the stop string
	sp, g, _ := stopStringHarness(t, false)

	advanceGroup(t, sp, g, func(*Sequence) Logits { return favoring(7, 4) }) // "ST"
	advanceGroup(t, sp, g, func(*Sequence) Logits { return favoring(7, 6) }) // "!"

	assert.False(t, g.Seqs[0].Status.Terminal())
	assert.Equal(t, []int64{4, 6}, g.Seqs[0].Generated())
}

func TestStopStrings_TokenStraddlingMatchStartIsTrimmed(t *testing.T) {
	// GIVEN a token whose text runs into the stop string ("rld" + "ST"
	// where the match begins inside the decoded stream)
	tok := &fragmentTokenizer{vocab: []string{"He", "llo", " wo", "rldST", "OP"}}
	sp := NewSampler(NewBlockStore(16, 4, false), tok)
	cfg := DefaultGenerationConfig()
	cfg.MaxNewTokens = 10
	cfg.StopStrings = []string{"STOP"}
	g := newSequenceGroup(1, []int64{0}, cfg, 1)

	for _, id := range []int64{1, 3, 4} { // "llo", "rldST", "OP"
		advanceGroup(t, sp, g, func(*Sequence) Logits { return favoring(5, id) })
	}

	// THEN the straddling token is trimmed along with the stop string
	seq := g.Seqs[0]
	require.Equal(t, StatusFinished, seq.Status)
	assert.Equal(t, "llo", tok.Decode(seq.Generated()))
}
