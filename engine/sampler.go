package engine

import (
	"fmt"
	"math"
	"sort"
)

// Sampler advances sequences by one token per step from executor logits.
// It implements the three decoding modes: greedy arg-max, grouped beam
// search (beam.go) and seeded multinomial sampling.
type Sampler struct {
	store     *BlockStore
	tokenizer Tokenizer // may be nil; required only for stop strings
}

// NewSampler builds a sampler over the given block store. The tokenizer is
// optional and only consulted for stop-string matching.
func NewSampler(store *BlockStore, tokenizer Tokenizer) *Sampler {
	return &Sampler{store: store, tokenizer: tokenizer}
}

// Advance consumes one step's logits rows for a single group. entries are
// the group's scheduled sequences in batch order with their matching rows.
// Sequences whose span did not reach the end of their token history (a
// mid-prefill chunk) only record computation progress; the others produce
// one token each.
func (sp *Sampler) Advance(g *SequenceGroup, entries []ScheduledSequence, rows []Logits) {
	if len(entries) != len(rows) {
		panic(fmt.Sprintf("sampler: request %d: %d scheduled sequences but %d logits rows", g.RequestID, len(entries), len(rows)))
	}

	producing := make([]int, 0, len(entries))
	for i, e := range entries {
		e.Seq.numComputed = e.StartPos + e.NumTokens
		if e.Seq.numComputed == len(e.Seq.Tokens) {
			producing = append(producing, i)
		}
	}
	if len(producing) == 0 {
		return // pure prefill chunk step
	}

	if g.Config.IsBeamSearch() {
		sp.advanceBeams(g, entries, rows, producing)
		return
	}

	// The prompt is prefilled once per group; independent multinomial
	// sequences fork off the root after prefill, sharing its cache blocks.
	if g.Config.IsMultinomial() && len(g.Seqs) == 1 && g.Config.groupSize() > 1 && g.Seqs[0].NumGenerated() == 0 {
		root := g.Seqs[0]
		for i := 1; i < g.Config.groupSize(); i++ {
			child := root.fork()
			sp.store.Fork(child)
			g.Seqs = append(g.Seqs, child)
		}
		// Every member samples independently from the root's row this step.
		row := rows[producing[0]]
		for _, seq := range g.Seqs {
			sp.advanceOne(g, seq, row)
		}
		return
	}

	for _, i := range producing {
		sp.advanceOne(g, entries[i].Seq, rows[i])
	}
}

// advanceOne samples the next token for one greedy or multinomial sequence
// and evaluates its stop conditions.
func (sp *Sampler) advanceOne(g *SequenceGroup, seq *Sequence, row Logits) {
	if seq.Status.Terminal() {
		return
	}
	var (
		tok     int64
		logProb float64
	)
	if g.Config.IsMultinomial() {
		tok, logProb = sp.sampleMultinomial(g, seq, row)
	} else {
		tok = sp.sampleGreedy(g, seq, row)
		logProb = 0 // greedy score delta is zero
	}
	seq.appendToken(tok, logProb)
	sp.evaluateStop(g, seq)
}

// sampleGreedy returns the deterministic arg-max token.
func (sp *Sampler) sampleGreedy(g *SequenceGroup, seq *Sequence, row Logits) int64 {
	logits := append(Logits(nil), row...)
	maskEOS(logits, g, seq)
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return int64(best)
}

// sampleMultinomial applies the random-sampling transform chain
// (penalties, temperature, top-k, top-p) and draws from the renormalized
// distribution with the group's seeded RNG. Same seed and logits produce
// the same token, independent of wall clock or goroutine scheduling.
func (sp *Sampler) sampleMultinomial(g *SequenceGroup, seq *Sequence, row Logits) (int64, float64) {
	cfg := &g.Config
	logits := append(Logits(nil), row...)
	maskEOS(logits, g, seq)
	applyPenalties(logits, seq, cfg)

	probs := softmaxScaled(logits, cfg.Temperature)

	cands := make([]candidateToken, len(probs))
	for i, p := range probs {
		cands[i] = candidateToken{id: int64(i), prob: p}
	}
	cands = topK(cands, cfg.TopK)
	cands = topP(cands, cfg.TopP)

	var sum float64
	for _, c := range cands {
		sum += c.prob
	}
	r := g.rng.Float64() * sum
	var acc float64
	chosen := cands[len(cands)-1]
	for _, c := range cands {
		acc += c.prob
		if r < acc {
			chosen = c
			break
		}
	}
	// Score against the full (pre-truncation) distribution.
	return chosen.id, math.Log(probs[chosen.id])
}

type candidateToken struct {
	id   int64
	prob float64
}

// maskEOS zeroes the EOS probability until min_new_tokens are generated.
func maskEOS(logits Logits, g *SequenceGroup, seq *Sequence) {
	cfg := &g.Config
	if cfg.MinNewTokens > 0 && seq.NumGenerated() < cfg.MinNewTokens &&
		cfg.EOSTokenID >= 0 && int(cfg.EOSTokenID) < len(logits) {
		logits[cfg.EOSTokenID] = math.Inf(-1)
	}
}

// applyPenalties adjusts the logits of tokens the sequence has already
// seen: repetition penalty over the whole history, presence and frequency
// penalties over the generated tokens only.
func applyPenalties(logits Logits, seq *Sequence, cfg *GenerationConfig) {
	if cfg.RepetitionPenalty != 1.0 && cfg.RepetitionPenalty != 0 {
		seen := make(map[int64]struct{}, len(seq.Tokens))
		for _, t := range seq.Tokens {
			seen[t] = struct{}{}
		}
		for t := range seen {
			if int(t) >= len(logits) {
				continue
			}
			if logits[t] > 0 {
				logits[t] /= cfg.RepetitionPenalty
			} else {
				logits[t] *= cfg.RepetitionPenalty
			}
		}
	}
	if cfg.PresencePenalty != 0 || cfg.FrequencyPenalty != 0 {
		counts := make(map[int64]int)
		for _, t := range seq.Generated() {
			counts[t]++
		}
		for t, c := range counts {
			if int(t) >= len(logits) {
				continue
			}
			logits[t] -= cfg.PresencePenalty + float64(c)*cfg.FrequencyPenalty
		}
	}
}

// softmaxScaled returns softmax(logits / temperature), subtracting the max
// logit first to avoid overflow.
func softmaxScaled(logits Logits, temperature float64) []float64 {
	if temperature <= 0 {
		temperature = 1
	}
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp((v - maxLogit) / temperature)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// logSoftmax returns log probabilities for a logits row.
func logSoftmax(logits Logits) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(v - maxLogit)
	}
	logSum := math.Log(sum) + maxLogit
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = v - logSum
	}
	return out
}

// topK keeps the k highest-probability candidates (all when k <= 0),
// sorted descending. Ties break on the lower token id for determinism.
func topK(cands []candidateToken, k int) []candidateToken {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].prob != cands[j].prob {
			return cands[i].prob > cands[j].prob
		}
		return cands[i].id < cands[j].id
	})
	if k > 0 && k < len(cands) {
		return cands[:k]
	}
	return cands
}

// topP keeps the smallest prefix of the descending-sorted candidates whose
// probabilities sum to at least p (nucleus sampling). Expects sorted input.
func topP(cands []candidateToken, p float64) []candidateToken {
	if p <= 0 || p >= 1 {
		return cands
	}
	var sum float64
	for i, c := range cands {
		sum += c.prob
		if sum >= p {
			return cands[:i+1]
		}
	}
	return cands
}
