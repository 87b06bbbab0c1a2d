package engine

// Logits is one next-token distribution over the vocabulary, in raw
// (unnormalized) log space.
type Logits []float64

// ScheduledSequence is one sequence's share of a batch: the span of token
// positions whose KV entries the executor must compute this step.
type ScheduledSequence struct {
	Group *SequenceGroup
	Seq   *Sequence
	// StartPos is the first token position computed this step.
	StartPos int
	// NumTokens is the span length: the remaining prompt (or one bounded
	// chunk of it) during prefill, exactly 1 during decode.
	NumTokens int
	// Prompt marks a (possibly chunked) prefill span.
	Prompt bool
}

// completesPrompt reports whether this span finishes the sequence's prefill,
// meaning the executor's logits row for it is consumed by the sampler.
func (ss *ScheduledSequence) completesPrompt() bool {
	return ss.StartPos+ss.NumTokens >= ss.Seq.PromptLen()
}

// BatchDescriptor is the unit of work handed to the model executor: every
// sequence scheduled into the current step with its token span and block
// table. The scheduler guarantees TotalTokens and len(Sequences) respect
// the configured budgets.
type BatchDescriptor struct {
	Sequences   []ScheduledSequence
	TotalTokens int
}

// Empty reports whether no work was scheduled.
func (b *BatchDescriptor) Empty() bool {
	return len(b.Sequences) == 0
}

// ModelExecutor computes next-token logits for a batch. It is an external
// collaborator: the engine treats the call as synchronous and non-cancelable
// within a step. Implementations must return exactly one logits row per
// scheduled sequence; rows for mid-prefill chunks are ignored.
type ModelExecutor interface {
	Infer(batch *BatchDescriptor) ([]Logits, error)
}

// Tokenizer converts between text and token ids. It is an external
// collaborator, required only for text prompts and stop-string matching.
type Tokenizer interface {
	Encode(text string) []int64
	Decode(tokens []int64) string
}

// Streamer receives generated tokens as they are produced. Put returning
// true requests early cancellation of the request (DROPPED_BY_HANDLE);
// End fires once the request reaches a terminal state.
type Streamer interface {
	Put(token int64) bool
	End()
}
