package engine

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

var seqCounter atomic.Int64

// Sequence is one decoding trajectory: the ordered token history (prompt
// followed by generated tokens), a cumulative log-probability score, and the
// logical-to-physical block table mapping its KV cache. A sequence is owned
// exclusively by its SequenceGroup.
type Sequence struct {
	ID     int64
	Status Status

	// Tokens holds the prompt followed by every generated token.
	Tokens    []int64
	promptLen int

	// CumLogProb accumulates the log-probability of the generated tokens.
	// Greedy decoding contributes a delta of zero per token.
	CumLogProb float64

	// BlockTable maps logical block positions to physical block indices in
	// the BlockStore. The sequence holds indices, never block ownership.
	BlockTable []int

	// numComputed counts tokens whose KV entries the executor has produced.
	// It trails len(Tokens) by one during decode and by the remaining
	// prompt span during (possibly chunked) prefill.
	numComputed int
}

func newSequence(prompt []int64) *Sequence {
	tokens := make([]int64, len(prompt))
	copy(tokens, prompt)
	return &Sequence{
		ID:        seqCounter.Add(1),
		Status:    StatusRunning,
		Tokens:    tokens,
		promptLen: len(prompt),
	}
}

// fork clones the sequence state for beam expansion. The block table is
// copied; reference counting on the shared blocks is the BlockStore's job.
func (s *Sequence) fork() *Sequence {
	c := &Sequence{
		ID:          seqCounter.Add(1),
		Status:      s.Status,
		Tokens:      append([]int64(nil), s.Tokens...),
		promptLen:   s.promptLen,
		CumLogProb:  s.CumLogProb,
		BlockTable:  append([]int(nil), s.BlockTable...),
		numComputed: s.numComputed,
	}
	return c
}

// PromptLen returns the number of prompt tokens.
func (s *Sequence) PromptLen() int { return s.promptLen }

// Len returns the total token count, prompt included.
func (s *Sequence) Len() int { return len(s.Tokens) }

// NumGenerated returns the number of generated tokens.
func (s *Sequence) NumGenerated() int { return len(s.Tokens) - s.promptLen }

// Generated returns the generated tokens (excluding the prompt).
func (s *Sequence) Generated() []int64 { return s.Tokens[s.promptLen:] }

// LastToken returns the most recent token, or -1 for an empty sequence.
func (s *Sequence) LastToken() int64 {
	if len(s.Tokens) == 0 {
		return -1
	}
	return s.Tokens[len(s.Tokens)-1]
}

// inPrefill reports whether part of the prompt still awaits KV computation.
func (s *Sequence) inPrefill() bool { return s.numComputed < s.promptLen }

// pendingTokens returns how many tokens still need KV computation before the
// sequence can produce its next token.
func (s *Sequence) pendingTokens() int { return len(s.Tokens) - s.numComputed }

// appendToken records a generated token and its log-probability delta.
func (s *Sequence) appendToken(id int64, logProb float64) {
	s.Tokens = append(s.Tokens, id)
	s.CumLogProb += logProb
}

// truncateGenerated drops generated tokens down to keep, used when a stop
// string match is trimmed from the output.
func (s *Sequence) truncateGenerated(keep int) {
	s.Tokens = s.Tokens[:s.promptLen+keep]
}

// setStatus transitions the sequence to a terminal state. Status is
// monotonic: moving out of a terminal state is an internal-consistency
// fault.
func (s *Sequence) setStatus(st Status) {
	if s.Status.Terminal() && st != s.Status {
		panic(fmt.Sprintf("sequence %d: illegal status transition %s -> %s", s.ID, s.Status, st))
	}
	s.Status = st
}

func (s *Sequence) String() string {
	return fmt.Sprintf("Sequence(ID: %d, Status: %s, len: %d, computed: %d)", s.ID, s.Status, len(s.Tokens), s.numComputed)
}

// SequenceGroup is one originating request. It owns one sequence for greedy
// decoding, NumBeams sequences for beam search, or NumReturnSequences
// independent sequences for multinomial sampling, and it holds the request's
// immutable GenerationConfig.
type SequenceGroup struct {
	RequestID uint64
	Config    GenerationConfig

	// Prompt is the tokenized input shared by all member sequences.
	Prompt []int64
	Seqs   []*Sequence

	// maxNewTokens is the resolved per-sequence generation budget.
	maxNewTokens int

	// arrival orders groups FIFO across the wait queue and running batch.
	arrival uint64

	rng  *rand.Rand
	beam *beamSearchState

	streamer Streamer
	// streamed counts tokens already delivered to the streamer.
	streamed int

	// status is the group-level terminal status: StatusRunning until every
	// member sequence is terminal or the group is ignored/dropped. It is the
	// only group state shared with Cancel's thread of control, hence atomic;
	// member sequences are touched exclusively by the step loop.
	status atomic.Int32

	submittedAt  time.Time
	firstTokenAt time.Time
}

func newSequenceGroup(requestID uint64, prompt []int64, cfg GenerationConfig, arrival uint64) *SequenceGroup {
	g := &SequenceGroup{
		RequestID:    requestID,
		Config:       cfg,
		Prompt:       append([]int64(nil), prompt...),
		maxNewTokens: cfg.maxNewTokensFor(len(prompt)),
		arrival:      arrival,
		submittedAt:  time.Now(),
	}
	// All member sequences share one prompt prefill; the group starts with
	// a single root sequence and forks after the prompt is computed.
	g.Seqs = []*Sequence{newSequence(prompt)}
	if cfg.IsMultinomial() || cfg.IsBeamSearch() {
		g.rng = rand.New(rand.NewSource(cfg.RNGSeed))
	}
	if cfg.IsBeamSearch() {
		g.beam = newBeamSearchState(&cfg, g.maxNewTokens)
	}
	return g
}

// Running returns the member sequences that are still generating.
func (g *SequenceGroup) Running() []*Sequence {
	var out []*Sequence
	for _, s := range g.Seqs {
		if !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// groupStatus loads the group-level status shared with Cancel.
func (g *SequenceGroup) groupStatus() Status {
	return Status(g.status.Load())
}

// Terminal reports whether the group has reached a final state.
func (g *SequenceGroup) Terminal() bool {
	if g.groupStatus().Terminal() {
		return true
	}
	for _, s := range g.Seqs {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// Status resolves the group-level status: an explicit group status
// (ignored, dropped) wins over the default FINISHED.
func (g *SequenceGroup) Status() Status {
	if st := g.groupStatus(); st.Terminal() {
		return st
	}
	if g.Terminal() {
		return StatusFinished
	}
	return StatusRunning
}

// seal pins the group-level status once every member sequence is terminal,
// so Cancel can observe the terminal state without reading member
// sequences. Only the step loop calls it; an explicit terminal status
// (ignored, dropped) is never overwritten.
func (g *SequenceGroup) seal() {
	if g.Terminal() {
		g.status.CompareAndSwap(int32(StatusRunning), int32(StatusFinished))
	}
}

// terminate force-finishes every member sequence with the given status and
// pins the group status. Block release is the caller's responsibility.
func (g *SequenceGroup) terminate(st Status) {
	for _, s := range g.Seqs {
		if !s.Status.Terminal() {
			s.setStatus(st)
		}
	}
	g.status.Store(int32(st))
}

// removeSequence drops a member sequence (a pruned beam). The caller must
// have released its blocks already.
func (g *SequenceGroup) removeSequence(seq *Sequence) {
	for i, s := range g.Seqs {
		if s == seq {
			g.Seqs = append(g.Seqs[:i], g.Seqs[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("group %d: removeSequence: sequence %d is not a member", g.RequestID, seq.ID))
}

// GenerationResult is the caller-visible outcome of one request: the
// generated token sequences sorted best-first, their scores, and the final
// status.
type GenerationResult struct {
	RequestID uint64
	TokenIDs  [][]int64
	Scores    []float64
	Status    Status
}

func (r GenerationResult) String() string {
	return fmt.Sprintf("GenerationResult(request: %d, status: %s, sequences: %d)", r.RequestID, r.Status, len(r.TokenIDs))
}

// result assembles the group's GenerationResult. Beam search returns the
// top completed candidates; the other modes return each member sequence's
// generated tokens.
func (g *SequenceGroup) result() GenerationResult {
	res := GenerationResult{
		RequestID: g.RequestID,
		Status:    g.Status(),
	}
	if g.beam != nil {
		for _, cand := range g.beam.topCandidates(g.Config.NumReturnSequences) {
			res.TokenIDs = append(res.TokenIDs, cand.tokens)
			res.Scores = append(res.Scores, cand.score)
		}
		return res
	}
	for _, s := range g.Seqs {
		res.TokenIDs = append(res.TokenIDs, append([]int64(nil), s.Generated()...))
		res.Scores = append(res.Scores, s.CumLogProb)
	}
	return res
}
