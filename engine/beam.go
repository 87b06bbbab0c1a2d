package engine

import (
	"math"
	"sort"
)

// beamCandidate is a completed beam: its generated tokens and its
// length-penalized score.
type beamCandidate struct {
	tokens []int64
	score  float64
}

// beamGroup is one diversity group of the search: its live beams (member
// sequences of the owning SequenceGroup) and its pool of completed
// candidates.
type beamGroup struct {
	beams    []*Sequence
	finished []beamCandidate
	done     bool
}

// beamSearchState drives grouped beam search for one SequenceGroup. The
// prompt is prefilled once on a root sequence; the first decode step
// expands it into NumBeams beams partitioned into NumBeamGroups groups.
type beamSearchState struct {
	cfg          *GenerationConfig
	groupWidth   int
	maxNewTokens int
	groups       []*beamGroup
	initialized  bool
}

func newBeamSearchState(cfg *GenerationConfig, maxNewTokens int) *beamSearchState {
	st := &beamSearchState{
		cfg:          cfg,
		groupWidth:   cfg.NumBeams / cfg.NumBeamGroups,
		maxNewTokens: maxNewTokens,
		groups:       make([]*beamGroup, cfg.NumBeamGroups),
	}
	for i := range st.groups {
		st.groups[i] = &beamGroup{}
	}
	return st
}

// lengthPenalized ranks a completed candidate: the cumulative
// log-probability divided by length^lengthPenalty. Positive penalties favor
// longer sequences since log-probabilities are negative.
func (st *beamSearchState) lengthPenalized(cum float64, length int) float64 {
	if length < 1 {
		length = 1
	}
	return cum / math.Pow(float64(length), st.cfg.LengthPenalty)
}

// topCandidates returns the best n completed candidates across all beam
// groups, best-first.
func (st *beamSearchState) topCandidates(n int) []beamCandidate {
	var all []beamCandidate
	for _, bg := range st.groups {
		all = append(all, bg.finished...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// worstRetained returns the score of the groupWidth-th best completed
// candidate, or false when fewer than groupWidth candidates exist.
func (bg *beamGroup) worstRetained(width int) (float64, bool) {
	if len(bg.finished) < width {
		return 0, false
	}
	scores := make([]float64, len(bg.finished))
	for i, c := range bg.finished {
		scores[i] = c.score
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	return scores[width-1], true
}

// beamSelection is one chosen continuation: a parent beam, the token
// extending it, and the resulting cumulative log-probability.
type beamSelection struct {
	groupIdx int
	parent   *Sequence
	token    int64
	cum      float64
}

// advanceBeams performs one grouped beam search step for g: per-group
// candidate expansion with diversity penalties against earlier groups,
// selection of the next live beams, completed-candidate pooling and the
// stop-criteria check.
func (sp *Sampler) advanceBeams(g *SequenceGroup, entries []ScheduledSequence, rows []Logits, producing []int) {
	st := g.beam
	rowBySeq := make(map[*Sequence]Logits, len(producing))
	for _, i := range producing {
		rowBySeq[entries[i].Seq] = rows[i]
	}

	// Tokens already chosen by earlier groups at this step, for the
	// diversity penalty.
	stepTokens := make(map[int64]int)
	var selections []beamSelection
	var allParents []*Sequence
	seen := make(map[*Sequence]bool)

	for gi, bg := range st.groups {
		if bg.done {
			continue
		}
		parents := bg.beams
		if !st.initialized {
			// First decode step: every group expands from the root.
			parents = []*Sequence{g.Seqs[0]}
		}
		for _, p := range parents {
			if !seen[p] {
				seen[p] = true
				allParents = append(allParents, p)
			}
		}
		sel := st.selectGroup(gi, parents, rowBySeq, stepTokens)
		for _, s := range sel {
			stepTokens[s.token]++
		}
		selections = append(selections, sel...)
	}
	st.initialized = true

	sp.materializeBeams(g, selections, allParents)
	sp.finishBeams(g)
}

// selectGroup scores every (parent, token) continuation of one beam group
// and picks the next groupWidth live beams. EOS continuations ranked within
// the group width complete instead, joining the finished pool.
func (st *beamSearchState) selectGroup(gi int, parents []*Sequence, rowBySeq map[*Sequence]Logits, stepTokens map[int64]int) []beamSelection {
	bg := st.groups[gi]
	cfg := st.cfg

	var cands []beamSelection
	for _, parent := range parents {
		row, ok := rowBySeq[parent]
		if !ok {
			continue
		}
		lp := logSoftmax(row)
		if cfg.DiversityPenalty != 0 {
			for tok, cnt := range stepTokens {
				if int(tok) < len(lp) {
					lp[tok] -= cfg.DiversityPenalty * float64(cnt)
				}
			}
		}
		if cfg.MinNewTokens > 0 && parent.NumGenerated() < cfg.MinNewTokens &&
			cfg.EOSTokenID >= 0 && int(cfg.EOSTokenID) < len(lp) {
			lp[cfg.EOSTokenID] = math.Inf(-1)
		}
		if cfg.NoRepeatNgramSize > 0 {
			for _, tok := range bannedNgramTokens(parent.Tokens, cfg.NoRepeatNgramSize) {
				if int(tok) < len(lp) {
					lp[tok] = math.Inf(-1)
				}
			}
		}

		// Top 2*groupWidth continuations per parent guarantee enough
		// non-EOS candidates to refill the group.
		top := topLogProbs(lp, 2*st.groupWidth)
		for _, t := range top {
			cands = append(cands, beamSelection{
				groupIdx: gi,
				parent:   parent,
				token:    t.id,
				cum:      parent.CumLogProb + t.prob,
			})
		}
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].cum > cands[j].cum })

	var live []beamSelection
	for rank, c := range cands {
		if len(live) == st.groupWidth {
			break
		}
		if !cfg.IgnoreEOS && cfg.EOSTokenID >= 0 && c.token == cfg.EOSTokenID {
			// Only candidates ranked within the group width complete.
			if rank < st.groupWidth {
				bg.finished = append(bg.finished, beamCandidate{
					tokens: append([]int64(nil), c.parent.Generated()...),
					score:  st.lengthPenalized(c.cum, c.parent.NumGenerated()+1),
				})
			}
			continue
		}
		live = append(live, c)
	}
	return live
}

// tokenLogProb pairs a token id with its log-probability.
type tokenLogProb struct {
	id   int64
	prob float64
}

// topLogProbs returns the k highest log-probability tokens, descending,
// ties broken on the lower token id.
func topLogProbs(lp []float64, k int) []tokenLogProb {
	out := make([]tokenLogProb, len(lp))
	for i, v := range lp {
		out[i] = tokenLogProb{id: int64(i), prob: v}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].prob != out[j].prob {
			return out[i].prob > out[j].prob
		}
		return out[i].id < out[j].id
	})
	if k < len(out) {
		out = out[:k]
	}
	return out
}

// bannedNgramTokens returns the tokens that would complete an n-gram
// already present in tokens.
func bannedNgramTokens(tokens []int64, n int) []int64 {
	if n <= 0 || len(tokens) < n-1 {
		return nil
	}
	prefix := tokens[len(tokens)-(n-1):]
	var banned []int64
	for i := 0; i+n <= len(tokens); i++ {
		match := true
		for j := 0; j < n-1; j++ {
			if tokens[i+j] != prefix[j] {
				match = false
				break
			}
		}
		if match {
			banned = append(banned, tokens[i+n-1])
		}
	}
	return banned
}

// materializeBeams turns the step's selections into sequences: the first
// selection per parent reuses the parent, further selections fork it
// (sharing cache blocks copy-on-write), and parents no selection continued
// are pruned and their blocks released.
func (sp *Sampler) materializeBeams(g *SequenceGroup, selections []beamSelection, parents []*Sequence) {
	st := g.beam

	type pendingAppend struct {
		seq   *Sequence
		token int64
		delta float64
	}

	used := make(map[*Sequence]int)
	var appends []pendingAppend
	newBeams := make(map[int][]*Sequence)

	for _, sel := range selections {
		delta := sel.cum - sel.parent.CumLogProb
		var seq *Sequence
		if used[sel.parent] == 0 {
			seq = sel.parent
		} else {
			seq = sel.parent.fork()
			sp.store.Fork(seq)
			g.Seqs = append(g.Seqs, seq)
		}
		used[sel.parent]++
		appends = append(appends, pendingAppend{seq: seq, token: sel.token, delta: delta})
		newBeams[sel.groupIdx] = append(newBeams[sel.groupIdx], seq)
	}

	for _, p := range parents {
		if used[p] == 0 {
			sp.dropBeam(g, p)
		}
	}

	// All forks hold the pre-append state; appending is now safe.
	for _, a := range appends {
		a.seq.appendToken(a.token, a.delta)
	}
	for gi, bg := range st.groups {
		if !bg.done {
			bg.beams = newBeams[gi]
		}
	}
}

// dropBeam removes a pruned beam from the group and frees its blocks.
func (sp *Sampler) dropBeam(g *SequenceGroup, seq *Sequence) {
	if seq.Status.Terminal() {
		return
	}
	sp.store.Release(seq)
	seq.setStatus(StatusFinished)
	g.removeSequence(seq)
}

// finishBeams evaluates per-beam stop conditions (generation budget, stop
// tokens, stop strings) and each group's stop criteria, finalizing groups
// that are done.
func (sp *Sampler) finishBeams(g *SequenceGroup) {
	st := g.beam
	cfg := st.cfg

	for _, bg := range st.groups {
		if bg.done {
			continue
		}

		kept := bg.beams[:0]
		for _, beam := range bg.beams {
			generated := beam.Generated()
			completed := false
			keep := len(generated)

			if beam.NumGenerated() >= st.maxNewTokens {
				completed = true
			}
			last := beam.LastToken()
			for _, stop := range cfg.StopTokenIDs {
				if last == stop {
					completed = true
					keep = len(generated) - 1
				}
			}
			if !completed && len(cfg.StopStrings) > 0 {
				if k, matched := sp.matchStopString(generated, cfg); matched {
					completed = true
					if !cfg.IncludeStopStrInOutput {
						keep = k
					}
				}
			}

			if completed {
				bg.finished = append(bg.finished, beamCandidate{
					tokens: append([]int64(nil), generated[:keep]...),
					score:  st.lengthPenalized(beam.CumLogProb, beam.NumGenerated()),
				})
				sp.dropBeam(g, beam)
				continue
			}
			kept = append(kept, beam)
		}
		bg.beams = kept

		if st.groupDone(bg) {
			sp.finalizeGroup(g, bg)
		}
	}
}

// groupDone applies the configured stop criteria to one beam group.
func (st *beamSearchState) groupDone(bg *beamGroup) bool {
	if len(bg.beams) == 0 {
		return true
	}
	switch st.cfg.StopCriteria {
	case StopEarly:
		return len(bg.finished) >= st.groupWidth
	case StopHeuristic:
		worst, ok := bg.worstRetained(st.groupWidth)
		if !ok {
			return false
		}
		best := bg.beams[0]
		return worst >= st.lengthPenalized(best.CumLogProb, best.NumGenerated())
	case StopNever:
		worst, ok := bg.worstRetained(st.groupWidth)
		if !ok {
			return false
		}
		best := bg.beams[0]
		length := best.NumGenerated()
		if st.cfg.LengthPenalty > 0 {
			// Optimistic bound: with a positive penalty the score can keep
			// improving until the generation budget is exhausted.
			length = st.maxNewTokens
		}
		return worst >= st.lengthPenalized(best.CumLogProb, length)
	default:
		return false
	}
}

// finalizeGroup tops up the finished pool from the surviving beams when it
// is short, then retires all live beams.
func (sp *Sampler) finalizeGroup(g *SequenceGroup, bg *beamGroup) {
	st := g.beam
	for _, beam := range bg.beams {
		if len(bg.finished) < st.groupWidth {
			bg.finished = append(bg.finished, beamCandidate{
				tokens: append([]int64(nil), beam.Generated()...),
				score:  st.lengthPenalized(beam.CumLogProb, beam.NumGenerated()),
			})
		}
		sp.dropBeam(g, beam)
	}
	bg.beams = nil
	bg.done = true
}
