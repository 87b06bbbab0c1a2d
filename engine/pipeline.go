package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pipeline drives the continuous-batching loop: it accepts requests from
// any goroutine, and a single owner goroutine calls Step (or Generate) to
// schedule batches, run the executor and advance sequences. Submission and
// cancellation are decoupled from the step loop through an intake buffer
// guarded by a mutex; the scheduler, sampler and block store are touched
// only from within Step.
type Pipeline struct {
	mu        sync.Mutex
	intake    []*SequenceGroup
	cancelled []uint64

	scheduler *Scheduler
	sampler   *Sampler
	executor  ModelExecutor
	tokenizer Tokenizer
	metrics   *PerfMetrics

	groups    map[uint64]*SequenceGroup
	nextReqID uint64
}

// NewPipeline assembles the engine around an external model executor. The
// tokenizer may be nil when every request arrives tokenized and no config
// uses stop strings.
func NewPipeline(cfg SchedulerConfig, executor ModelExecutor, tokenizer Tokenizer) (*Pipeline, error) {
	start := time.Now()
	if executor == nil {
		return nil, configErrorf("pipeline requires a model executor")
	}
	sched, err := NewScheduler(cfg)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		scheduler: sched,
		sampler:   NewSampler(sched.Store(), tokenizer),
		executor:  executor,
		tokenizer: tokenizer,
		metrics:   NewPerfMetrics(),
		groups:    make(map[uint64]*SequenceGroup),
	}
	p.metrics.SetLoadTime(time.Since(start))
	return p, nil
}

// Metrics returns the pipeline's performance counters.
func (p *Pipeline) Metrics() *PerfMetrics { return p.metrics }

// validateRequest rejects malformed submissions eagerly, before the request
// can reach the scheduler.
func (p *Pipeline) validateRequest(prompt []int64, cfg *GenerationConfig, streamer Streamer) error {
	if len(prompt) == 0 {
		return configErrorf("prompt must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.StopStrings) > 0 && p.tokenizer == nil {
		return configErrorf("stop_strings require a tokenizer")
	}
	if streamer != nil && cfg.groupSize() > 1 {
		return configErrorf("streaming supports a single output sequence, got %d", cfg.groupSize())
	}
	// Member sequences advance in lockstep after the prompt forks, so a
	// group wider than the batch budgets could never be scheduled again.
	sched := p.scheduler.Config()
	if n := cfg.groupSize(); n > sched.MaxNumSeqs || n > sched.MaxNumBatchedTokens {
		return configErrorf("config requires %d parallel sequences, exceeding the batch budget (%d sequences, %d tokens)",
			n, sched.MaxNumSeqs, sched.MaxNumBatchedTokens)
	}
	return nil
}

// enqueue registers a validated request in the intake buffer.
func (p *Pipeline) enqueue(prompt []int64, cfg GenerationConfig, streamer Streamer) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextReqID++
	g := newSequenceGroup(p.nextReqID, prompt, cfg, p.nextReqID)
	g.streamer = streamer
	p.groups[g.RequestID] = g
	p.intake = append(p.intake, g)
	logrus.WithFields(logrus.Fields{
		"request":    g.RequestID,
		"prompt_len": len(prompt),
		"max_new":    g.maxNewTokens,
	}).Debug("request submitted")
	return g.RequestID
}

// Submit queues a tokenized request and returns its request id.
func (p *Pipeline) Submit(prompt []int64, cfg GenerationConfig) (uint64, error) {
	if err := p.validateRequest(prompt, &cfg, nil); err != nil {
		return 0, err
	}
	p.metrics.recordInputTokens(len(prompt))
	return p.enqueue(prompt, cfg, nil), nil
}

// SubmitText tokenizes a text prompt and queues it. Requires a tokenizer.
func (p *Pipeline) SubmitText(text string, cfg GenerationConfig) (uint64, error) {
	if p.tokenizer == nil {
		return 0, configErrorf("text prompts require a tokenizer")
	}
	start := time.Now()
	prompt := p.tokenizer.Encode(text)
	p.metrics.recordTokenization(time.Since(start), len(prompt))
	if err := p.validateRequest(prompt, &cfg, nil); err != nil {
		return 0, err
	}
	return p.enqueue(prompt, cfg, nil), nil
}

// SubmitWithStreamer queues a tokenized request whose tokens are delivered
// to the streamer as they are generated. Streaming is limited to configs
// producing a single output sequence.
func (p *Pipeline) SubmitWithStreamer(prompt []int64, cfg GenerationConfig, streamer Streamer) (uint64, error) {
	if streamer == nil {
		return 0, configErrorf("streamer must not be nil")
	}
	if err := p.validateRequest(prompt, &cfg, streamer); err != nil {
		return 0, err
	}
	p.metrics.recordInputTokens(len(prompt))
	return p.enqueue(prompt, cfg, streamer), nil
}

// Cancel requests dropping a submitted request. The status flips to
// DROPPED_BY_HANDLE immediately; cache blocks are reclaimed at the start of
// the next step. Returns false for unknown or already-terminal requests.
func (p *Pipeline) Cancel(requestID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[requestID]
	if !ok {
		return false
	}
	// The group-level status is the only state shared with an in-progress
	// Step, and it flips atomically: member sequences and blocks are touched
	// only at the next step boundary.
	if !g.status.CompareAndSwap(int32(StatusRunning), int32(StatusDroppedByHandle)) {
		return false
	}
	p.cancelled = append(p.cancelled, requestID)
	return true
}

// drainIntake moves buffered submissions into the scheduler and applies
// pending cancellations. Called at the start of every step, under the lock.
func (p *Pipeline) drainIntake() {
	p.mu.Lock()
	intake := p.intake
	cancelled := p.cancelled
	p.intake = nil
	p.cancelled = nil
	p.mu.Unlock()

	for _, g := range intake {
		if g.groupStatus() == StatusDroppedByHandle {
			continue // cancelled before ever reaching the scheduler
		}
		p.scheduler.Submit(g)
	}
	for _, id := range cancelled {
		p.dropGroup(p.groups[id])
	}
}

// dropGroup finalizes a cancelled request: member sequences go terminal,
// blocks are released, and the wait queue entry (if any) is removed. The
// running list is pruned by the scheduler's next retire pass.
func (p *Pipeline) dropGroup(g *SequenceGroup) {
	g.terminate(StatusDroppedByHandle)
	p.scheduler.releaseGroup(g)
	p.scheduler.waitQ.Remove(g)
	p.finishStreaming(g)
	logrus.WithField("request", g.RequestID).Debug("request dropped by handle")
}

// HasPending reports whether any request still needs step work.
func (p *Pipeline) HasPending() bool {
	p.mu.Lock()
	buffered := len(p.intake) > 0
	p.mu.Unlock()
	return buffered || p.scheduler.HasPending()
}

// totalGenerated sums the generated-token counts across member sequences,
// used to attribute step time to new tokens.
func totalGenerated(g *SequenceGroup) int {
	n := 0
	for _, s := range g.Seqs {
		n += s.NumGenerated()
	}
	return n
}

// Step runs one engine iteration: drain intake, schedule a batch, run the
// executor, advance every scheduled group and dispatch streamers. An
// executor failure drops the scheduled groups with DROPPED_BY_PIPELINE and
// is returned to the caller.
func (p *Pipeline) Step() error {
	stepStart := time.Now()
	p.drainIntake()

	batch := p.scheduler.Schedule()
	p.closeIgnored()
	if batch.Empty() {
		return nil
	}

	rows, err := p.executor.Infer(batch)
	if err != nil {
		for _, g := range p.scheduledGroups(batch) {
			g.terminate(StatusDroppedByPipeline)
			p.scheduler.releaseGroup(g)
			p.finishStreaming(g)
		}
		return fmt.Errorf("model executor failed: %w", err)
	}
	if len(rows) != len(batch.Sequences) {
		panic(fmt.Sprintf("executor returned %d logits rows for %d scheduled sequences", len(rows), len(batch.Sequences)))
	}

	newTokens := 0
	for _, g := range p.scheduledGroups(batch) {
		entries, groupRows := p.groupSlice(batch, rows, g)
		before := totalGenerated(g)
		p.sampler.Advance(g, entries, groupRows)
		if d := totalGenerated(g) - before; d > 0 {
			newTokens += d
		}

		if g.firstTokenAt.IsZero() && totalGenerated(g) > 0 {
			g.firstTokenAt = time.Now()
			p.metrics.recordFirstToken(g.firstTokenAt.Sub(g.submittedAt))
		}
		p.dispatchStreamer(g)
		g.seal()
		if g.Terminal() {
			p.scheduler.releaseGroup(g)
			p.finishStreaming(g)
			logrus.WithFields(logrus.Fields{
				"request": g.RequestID,
				"status":  g.Status().String(),
				"steps":   p.scheduler.StepCount(),
			}).Debug("request finished")
		}
	}

	p.metrics.recordStep(len(batch.Sequences), newTokens, time.Since(stepStart), time.Now())
	return nil
}

// closeIgnored fires streamer End for requests the scheduler rejected as
// IGNORED: they reach a terminal state without ever joining a batch.
func (p *Pipeline) closeIgnored() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.groups {
		if g.streamer != nil && g.Status() == StatusIgnored {
			p.finishStreaming(g)
		}
	}
}

// scheduledGroups returns the distinct groups in the batch, in batch order.
func (p *Pipeline) scheduledGroups(batch *BatchDescriptor) []*SequenceGroup {
	var out []*SequenceGroup
	seen := make(map[*SequenceGroup]bool)
	for _, e := range batch.Sequences {
		if !seen[e.Group] {
			seen[e.Group] = true
			out = append(out, e.Group)
		}
	}
	return out
}

// groupSlice extracts one group's scheduled entries and their matching
// logits rows from the batch.
func (p *Pipeline) groupSlice(batch *BatchDescriptor, rows []Logits, g *SequenceGroup) ([]ScheduledSequence, []Logits) {
	var entries []ScheduledSequence
	var groupRows []Logits
	for i, e := range batch.Sequences {
		if e.Group == g {
			entries = append(entries, e)
			groupRows = append(groupRows, rows[i])
		}
	}
	return entries, groupRows
}

// dispatchStreamer delivers newly generated tokens to the group's streamer.
// A true return from Put cancels the request in place.
func (p *Pipeline) dispatchStreamer(g *SequenceGroup) {
	if g.streamer == nil || len(g.Seqs) != 1 {
		return
	}
	generated := g.Seqs[0].Generated()
	for g.streamed < len(generated) {
		tok := generated[g.streamed]
		g.streamed++
		if g.streamer.Put(tok) {
			g.terminate(StatusDroppedByHandle)
			p.scheduler.releaseGroup(g)
			p.finishStreaming(g)
			return
		}
	}
}

// finishStreaming fires the streamer's End exactly once.
func (p *Pipeline) finishStreaming(g *SequenceGroup) {
	if g.streamer == nil {
		return
	}
	g.streamer.End()
	g.streamer = nil
}

// Result returns the outcome of a request once it is terminal.
func (p *Pipeline) Result(requestID uint64) (GenerationResult, bool) {
	p.mu.Lock()
	g, ok := p.groups[requestID]
	p.mu.Unlock()
	if !ok || !g.Terminal() {
		return GenerationResult{}, false
	}
	return g.result(), true
}

// Generate submits every prompt, runs the step loop to completion and
// returns results in submission order.
func (p *Pipeline) Generate(prompts [][]int64, configs []GenerationConfig) ([]GenerationResult, error) {
	if len(prompts) != len(configs) {
		return nil, configErrorf("%d prompts but %d generation configs", len(prompts), len(configs))
	}
	start := time.Now()

	ids := make([]uint64, len(prompts))
	for i, prompt := range prompts {
		id, err := p.Submit(prompt, configs[i])
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}

	for p.HasPending() {
		if err := p.Step(); err != nil {
			return nil, err
		}
	}

	results := make([]GenerationResult, len(ids))
	for i, id := range ids {
		res, ok := p.Result(id)
		if !ok {
			panic(fmt.Sprintf("request %d not terminal after drain", id))
		}
		results[i] = res
	}
	p.metrics.recordGenerate(time.Since(start))
	return results, nil
}

// GenerateText is the text-prompt convenience over Generate: prompts are
// tokenized in, generated token sequences are decoded out.
func (p *Pipeline) GenerateText(prompts []string, configs []GenerationConfig) ([][]string, error) {
	if p.tokenizer == nil {
		return nil, configErrorf("text prompts require a tokenizer")
	}
	tokenized := make([][]int64, len(prompts))
	for i, text := range prompts {
		start := time.Now()
		tokenized[i] = p.tokenizer.Encode(text)
		p.metrics.recordTokenization(time.Since(start), 0)
	}
	results, err := p.Generate(tokenized, configs)
	if err != nil {
		return nil, err
	}
	texts := make([][]string, len(results))
	for i, res := range results {
		for _, tokens := range res.TokenIDs {
			start := time.Now()
			texts[i] = append(texts[i], p.tokenizer.Decode(tokens))
			p.metrics.recordDetokenization(time.Since(start))
		}
	}
	return texts, nil
}
