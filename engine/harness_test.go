package engine

import (
	"strings"
)

// scriptedExecutor is a deterministic ModelExecutor for tests: for every
// scheduled sequence it emits a logits row favoring the token chosen by the
// script, with the rest of the vocabulary on a strictly descending floor so
// arg-max ties cannot occur.
type scriptedExecutor struct {
	vocab  int
	script func(e ScheduledSequence) Logits
	err    error
	// onInfer, when set, runs at the start of every Infer call. Tests use it
	// as a rendezvous point to interleave work with an in-progress step.
	onInfer func()

	batchSizes []int
}

func (se *scriptedExecutor) Infer(batch *BatchDescriptor) ([]Logits, error) {
	if se.onInfer != nil {
		se.onInfer()
	}
	if se.err != nil {
		return nil, se.err
	}
	se.batchSizes = append(se.batchSizes, len(batch.Sequences))
	rows := make([]Logits, len(batch.Sequences))
	for i, e := range batch.Sequences {
		rows[i] = se.script(e)
	}
	return rows, nil
}

// favoring builds a logits row over vocab tokens with one peaked entry.
func favoring(vocab int, tok int64) Logits {
	row := make(Logits, vocab)
	for j := range row {
		row[j] = -10 - 0.01*float64(j)
	}
	row[tok] = 10
	return row
}

// constantExecutor always favors the same token.
func constantExecutor(vocab int, tok int64) *scriptedExecutor {
	return &scriptedExecutor{
		vocab:  vocab,
		script: func(ScheduledSequence) Logits { return favoring(vocab, tok) },
	}
}

// echoExecutor favors a token derived from the sequence's current length,
// so generated output encodes the decode-step order.
func echoExecutor(vocab int) *scriptedExecutor {
	return &scriptedExecutor{
		vocab: vocab,
		script: func(e ScheduledSequence) Logits {
			return favoring(vocab, int64(e.Seq.Len()%vocab))
		},
	}
}

// fragmentTokenizer maps every token id to a fixed text fragment. Encode
// does a greedy longest-fragment match, enough for test prompts.
type fragmentTokenizer struct {
	vocab []string
}

func (ft *fragmentTokenizer) Encode(text string) []int64 {
	var ids []int64
	for len(text) > 0 {
		best, bestLen := -1, 0
		for i, f := range ft.vocab {
			if f != "" && len(f) > bestLen && strings.HasPrefix(text, f) {
				best, bestLen = i, len(f)
			}
		}
		if best < 0 {
			text = text[1:] // unknown rune, skip
			continue
		}
		ids = append(ids, int64(best))
		text = text[bestLen:]
	}
	return ids
}

func (ft *fragmentTokenizer) Decode(tokens []int64) string {
	var sb strings.Builder
	for _, t := range tokens {
		if int(t) < len(ft.vocab) {
			sb.WriteString(ft.vocab[int(t)])
		}
	}
	return sb.String()
}

// recordingStreamer captures streamed tokens; stopAfter > 0 requests
// cancellation once that many tokens arrived.
type recordingStreamer struct {
	tokens    []int64
	ended     int
	stopAfter int
}

func (rs *recordingStreamer) Put(tok int64) bool {
	rs.tokens = append(rs.tokens, tok)
	return rs.stopAfter > 0 && len(rs.tokens) >= rs.stopAfter
}

func (rs *recordingStreamer) End() { rs.ended++ }
