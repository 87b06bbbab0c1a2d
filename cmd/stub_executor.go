package cmd

import (
	"math/rand"

	"github.com/cbgen/cbgen/engine"
)

// stubExecutor stands in for the model forward pass: it produces a logits
// row for every scheduled sequence as a pure function of the sequence's
// token history and the workload seed, so identical runs produce identical
// generations without any model weights.
type stubExecutor struct {
	vocab int
	seed  int64
}

func newStubExecutor(vocab int, seed int64) *stubExecutor {
	return &stubExecutor{vocab: vocab, seed: seed}
}

func (ex *stubExecutor) Infer(batch *engine.BatchDescriptor) ([]engine.Logits, error) {
	rows := make([]engine.Logits, len(batch.Sequences))
	for i, e := range batch.Sequences {
		rows[i] = ex.rowFor(e.Seq.Tokens)
	}
	return rows, nil
}

// rowFor derives a logits row from the token history: the history is folded
// into a seed for a throwaway RNG that fills the row. Any sequence with the
// same history gets the same row.
func (ex *stubExecutor) rowFor(tokens []int64) engine.Logits {
	h := ex.seed
	for _, t := range tokens {
		h = h*1099511628211 + t // FNV-style fold
	}
	rng := rand.New(rand.NewSource(h))
	row := make(engine.Logits, ex.vocab)
	for j := range row {
		row[j] = rng.NormFloat64() * 4
	}
	return row
}
