package engine

import (
	"github.com/sirupsen/logrus"
)

// Scheduler owns admission and per-step batch composition. Groups wait in a
// FIFO queue, join the running set when their cache demand fits, and are
// preempted from the tail of the running set when the block store runs dry.
type Scheduler struct {
	config SchedulerConfig
	store  *BlockStore

	waitQ   *WaitQueue
	running []*SequenceGroup

	stepCount int
	// preemptedInStep blocks admission for the remainder of a step once any
	// running group was evicted: the store is already oversubscribed.
	preemptedInStep bool
}

// NewScheduler validates the configuration and builds the block store.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		config: cfg,
		store:  NewBlockStore(cfg.NumKVBlocks, cfg.BlockSize, cfg.EnablePrefixCaching),
		waitQ:  &WaitQueue{},
	}, nil
}

// Store exposes the block store for inspection.
func (s *Scheduler) Store() *BlockStore { return s.store }

// Config returns the scheduler's capacity configuration.
func (s *Scheduler) Config() SchedulerConfig { return s.config }

// Submit enqueues an admitted sequence group.
func (s *Scheduler) Submit(g *SequenceGroup) {
	s.waitQ.Enqueue(g)
}

// HasPending reports whether any group is waiting or running.
func (s *Scheduler) HasPending() bool {
	return s.waitQ.Len() > 0 || len(s.running) > 0
}

// Running returns the groups currently in the running set.
func (s *Scheduler) Running() []*SequenceGroup { return s.running }

// StepCount returns the number of batches formed so far.
func (s *Scheduler) StepCount() int { return s.stepCount }

// retireTerminal drops terminal groups from the running set. Their blocks
// were released when they reached a terminal state.
func (s *Scheduler) retireTerminal() {
	remaining := s.running[:0]
	for _, g := range s.running {
		if !g.Terminal() {
			remaining = append(remaining, g)
		}
	}
	s.running = remaining
}

// demandFor plans the token span each running sequence of g needs this
// step: 1 for decode, the remaining uncomputed span for prefill, bounded by
// the dynamic-split-fuse chunk when the group has a single sequence.
// Multi-sequence groups (diverged beams recovering from preemption) are
// never chunked: their members must advance in lockstep.
func (s *Scheduler) demandFor(g *SequenceGroup, tokenBudget int) []int {
	seqs := g.Running()
	demands := make([]int, len(seqs))
	for i, seq := range seqs {
		d := seq.pendingTokens()
		if d > 1 && len(seqs) == 1 {
			if chunk := s.config.prefillChunk(); chunk > 0 && d > chunk {
				d = chunk
			}
			if s.config.DynamicSplitFuse && d > tokenBudget {
				d = tokenBudget
			}
		}
		demands[i] = d
	}
	return demands
}

// preemptGroup evicts a group from the running set: every member
// sequence's blocks are freed and its computed-token progress reset, and
// the group returns to the head of the wait queue. It re-runs from the
// start of its existing token history; with prefix caching its blocks may
// still be retained and reused on re-admission.
func (s *Scheduler) preemptGroup(victim *SequenceGroup) {
	logrus.Warnf("scheduler: preempting request %d (step %d)", victim.RequestID, s.stepCount)
	s.preemptedInStep = true
	for i, g := range s.running {
		if g == victim {
			s.running = append(s.running[:i], s.running[i+1:]...)
			break
		}
	}
	for _, seq := range victim.Seqs {
		if !seq.Status.Terminal() {
			s.store.Release(seq)
			seq.numComputed = 0
		}
	}
	s.waitQ.PrependFront(victim)
}

// allocateWithPreemption extends seq's block table to cover upTo tokens,
// preempting running groups from the tail until the allocation fits.
// Returns false when the owning group itself had to be preempted.
func (s *Scheduler) allocateWithPreemption(g *SequenceGroup, seq *Sequence, upTo int, batch *BatchDescriptor, budget *batchBudget) bool {
	for !s.store.Allocate(seq, upTo) {
		if len(s.running) == 0 {
			// Nothing left to evict; the group goes back to the queue.
			return false
		}
		victim := s.running[len(s.running)-1]
		s.preemptGroup(victim)
		s.dropFromBatch(batch, victim, budget)
		if victim == g {
			return false
		}
	}
	return true
}

// batchBudget tracks the remaining step capacity while a batch is formed.
type batchBudget struct {
	tokens int
	seqs   int
}

// dropFromBatch strips a preempted group's already-scheduled entries from
// the batch under construction and refunds their budget.
func (s *Scheduler) dropFromBatch(batch *BatchDescriptor, victim *SequenceGroup, budget *batchBudget) {
	kept := batch.Sequences[:0]
	for _, entry := range batch.Sequences {
		if entry.Group == victim {
			budget.tokens += entry.NumTokens
			budget.seqs++
			batch.TotalTokens -= entry.NumTokens
			continue
		}
		kept = append(kept, entry)
	}
	batch.Sequences = kept
}

// Schedule composes exactly one batch. Running groups are served first in
// admission order, then waiting groups are admitted FIFO while the token
// and sequence budgets hold. Groups whose cache demand can never be
// satisfied are marked IGNORED; groups that hold partial state but cannot
// progress are preempted.
func (s *Scheduler) Schedule() *BatchDescriptor {
	s.stepCount++
	s.retireTerminal()
	s.preemptedInStep = false

	batch := &BatchDescriptor{}
	budget := &batchBudget{tokens: s.config.MaxNumBatchedTokens, seqs: s.config.MaxNumSeqs}

	// Phase 1: continuing groups (decode steps and chunked prefill).
	snapshot := append([]*SequenceGroup(nil), s.running...)
phase1:
	for _, g := range snapshot {
		if !s.isRunning(g) {
			continue // preempted by an earlier iteration
		}
		seqs := g.Running()
		if len(seqs) == 0 {
			continue
		}
		demands := s.demandFor(g, budget.tokens)
		total := 0
		for _, d := range demands {
			total += d
		}
		if total > budget.tokens || len(seqs) > budget.seqs || total == 0 {
			// Out of budget this step; FIFO order forbids skipping ahead.
			logrus.Debugf("scheduler: step %d budget exhausted, deferring request %d", s.stepCount, g.RequestID)
			break
		}
		for i, seq := range seqs {
			start := seq.numComputed
			if !s.allocateWithPreemption(g, seq, start+demands[i], batch, budget) {
				if s.isRunning(g) {
					break phase1
				}
				continue phase1
			}
			batch.Sequences = append(batch.Sequences, ScheduledSequence{
				Group:     g,
				Seq:       seq,
				StartPos:  start,
				NumTokens: demands[i],
				Prompt:    seq.inPrefill(),
			})
			batch.TotalTokens += demands[i]
			budget.tokens -= demands[i]
			budget.seqs--
		}
	}

	// Phase 2: admit waiting groups, unless a preemption signalled that the
	// store is already oversubscribed.
	for !s.preemptedInStep && budget.tokens > 0 && budget.seqs > 0 && s.waitQ.Len() > 0 {
		g := s.waitQ.Peek()
		if g.Terminal() {
			s.waitQ.Dequeue() // cancelled while waiting
			continue
		}
		if !s.admit(g, batch, budget) {
			break
		}
	}

	s.store.checkAccounting()
	return batch
}

func (s *Scheduler) isRunning(g *SequenceGroup) bool {
	for _, r := range s.running {
		if r == g {
			return true
		}
	}
	return false
}

// admit tries to move the group at the head of the wait queue into the
// running set. Returns false when the head cannot be scheduled this step
// (the queue stays FIFO, so admission stops).
func (s *Scheduler) admit(g *SequenceGroup, batch *BatchDescriptor, budget *batchBudget) bool {
	seqs := g.Running()

	// A demand that exceeds the whole store, or an unchunkable span that can
	// never fit into one batch, is unsatisfiable: the group is IGNORED and
	// the rest of the workload proceeds.
	blocksEver, rawTokens := 0, 0
	for _, seq := range seqs {
		blocksEver += (len(seq.Tokens) + s.config.BlockSize - 1) / s.config.BlockSize
		rawTokens += seq.pendingTokens()
	}
	chunkable := s.config.DynamicSplitFuse && len(seqs) == 1
	if blocksEver > s.store.TotalBlocks() || (!chunkable && rawTokens > s.config.MaxNumBatchedTokens) {
		logrus.Warnf("scheduler: request %d demand (%d blocks, %d tokens) can never be satisfied, ignoring",
			g.RequestID, blocksEver, rawTokens)
		s.waitQ.Dequeue()
		for _, seq := range g.Seqs {
			s.store.Release(seq)
		}
		g.terminate(StatusIgnored)
		return true // head consumed; admission may continue
	}

	if len(seqs) > budget.seqs {
		return false
	}

	// Reuse retained prefix blocks on first touch: adopted spans carry
	// already-computed KV entries, so their tokens are not re-demanded.
	for _, seq := range seqs {
		if len(seq.BlockTable) != 0 || seq.numComputed != 0 {
			continue
		}
		cached := s.store.CachedBlocks(seq.Tokens)
		// Keep at least one pending token so the executor always has a
		// position to produce logits from.
		maxAdopt := (len(seq.Tokens) - 1) / s.config.BlockSize
		if len(cached) > maxAdopt {
			cached = cached[:maxAdopt]
		}
		if len(cached) > 0 {
			s.store.AdoptCached(seq, cached)
			seq.numComputed = len(cached) * s.config.BlockSize
			logrus.Debugf("scheduler: request %d reuses %d cached blocks", g.RequestID, len(cached))
		}
	}

	demands := s.demandFor(g, budget.tokens)
	total, blocksNow := 0, 0
	for i, seq := range seqs {
		total += demands[i]
		blocksNow += s.store.BlocksNeeded(seq, seq.numComputed+demands[i])
	}
	if total > budget.tokens || blocksNow > s.store.FreeBlocks() {
		// Not admittable this step: drop any adopted blocks so a queued
		// group pins no cache, and wait for capacity.
		for _, seq := range seqs {
			if len(seq.BlockTable) > 0 {
				s.store.Release(seq)
				seq.numComputed = 0
			}
		}
		return false
	}

	s.waitQ.Dequeue()
	s.running = append(s.running, g)
	for i, seq := range seqs {
		start := seq.numComputed
		if !s.store.Allocate(seq, start+demands[i]) {
			panic("scheduler: admission allocation failed after capacity check")
		}
		batch.Sequences = append(batch.Sequences, ScheduledSequence{
			Group:     g,
			Seq:       seq,
			StartPos:  start,
			NumTokens: demands[i],
			Prompt:    seq.inPrefill(),
		})
		batch.TotalTokens += demands[i]
		budget.tokens -= demands[i]
		budget.seqs--
	}
	logrus.Debugf("scheduler: admitted request %d (%d sequences, %d tokens)", g.RequestID, len(seqs), total)
	return true
}

// releaseGroup frees every member sequence's blocks. Called when a group
// reaches a terminal state; with prefix caching enabled, full blocks are
// retained in the store for reuse.
func (s *Scheduler) releaseGroup(g *SequenceGroup) {
	for _, seq := range g.Seqs {
		if len(seq.BlockTable) > 0 {
			s.store.Release(seq)
		}
	}
}
