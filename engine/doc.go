// Package engine implements a continuous-batching scheduler for
// autoregressive text generation.
//
// # Reading Guide
//
// Start with these three files to understand the generation kernel:
//   - sequence.go: Sequence/SequenceGroup lifecycle and the terminal status machine
//   - scheduler.go: batch composition, token budgets, preemption
//   - pipeline.go: the step loop, executor dispatch, streaming and results
//
// # Architecture
//
// Requests are admitted as sequence groups into a FIFO wait queue. Each
// Pipeline.Step forms one batch under the configured token and sequence
// budgets, reserves KV-cache blocks in the BlockStore, dispatches the batch
// to the external ModelExecutor and advances every scheduled sequence
// through the sampler (greedy, grouped beam search or seeded multinomial).
// Stop conditions are evaluated after every token; finished sequences
// release their blocks back to the store.
//
// # External collaborators
//
// The model forward pass and the tokenizer are not implemented here. They
// are consumed through the ModelExecutor and Tokenizer interfaces defined
// in executor.go; tests and the CLI provide deterministic stand-ins.
package engine
