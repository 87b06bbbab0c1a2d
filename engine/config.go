package engine

import (
	"fmt"
	"math"
)

// StopCriteria controls the stopping condition for grouped beam search.
type StopCriteria int

const (
	// StopEarly stops as soon as there are num_beams complete candidates.
	StopEarly StopCriteria = iota
	// StopHeuristic stops when it is very unlikely that better candidates
	// will be found.
	StopHeuristic
	// StopNever stops only when there cannot be better candidates
	// (canonical beam search).
	StopNever
)

func (c StopCriteria) String() string {
	switch c {
	case StopEarly:
		return "EARLY"
	case StopHeuristic:
		return "HEURISTIC"
	case StopNever:
		return "NEVER"
	default:
		return fmt.Sprintf("StopCriteria(%d)", int(c))
	}
}

// ConfigError reports an invalid or conflicting configuration. It is
// returned eagerly at submission time, before any scheduler state mutates.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Msg
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// GenerationConfig holds the immutable per-request decoding parameters.
// For a selected decoding mode only the generic parameters and the
// parameters of that mode apply: NumBeams > 1 selects grouped beam search
// regardless of the other fields, DoSample selects multinomial sampling,
// and everything else is greedy.
type GenerationConfig struct {
	// MaxNewTokens bounds the number of generated tokens, excluding the
	// prompt. It has priority over MaxLength when both are set.
	MaxNewTokens int
	// MaxLength bounds prompt length + generated tokens. Used only when
	// MaxNewTokens is unset (0).
	MaxLength int
	// MinNewTokens forces the EOS token's probability to zero until that
	// many tokens have been generated.
	MinNewTokens int
	// IgnoreEOS disables EOS as a stop signal.
	IgnoreEOS  bool
	EOSTokenID int64

	// StopStrings halt generation when the decoded generated suffix
	// contains any of them. Requires a Tokenizer on the pipeline.
	StopStrings []string
	// IncludeStopStrInOutput keeps the matched stop text in the output
	// instead of trimming it.
	IncludeStopStrInOutput bool
	// StopTokenIDs halt generation when the last generated token matches.
	// The matched token is not included in the output.
	StopTokenIDs []int64

	// Beam search parameters. NumBeams == 1 disables beam search.
	NumBeams           int
	NumBeamGroups      int
	DiversityPenalty   float64
	LengthPenalty      float64
	NumReturnSequences int
	NoRepeatNgramSize  int
	StopCriteria       StopCriteria

	// Random sampling parameters.
	Temperature       float64
	TopP              float64
	TopK              int
	DoSample          bool
	RepetitionPenalty float64
	PresencePenalty   float64
	FrequencyPenalty  float64
	RNGSeed           int64
}

// DefaultGenerationConfig returns a greedy configuration with the neutral
// penalty and truncation values.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxNewTokens:       0,
		MaxLength:          0,
		EOSTokenID:         -1,
		NumBeams:           1,
		NumBeamGroups:      1,
		LengthPenalty:      1.0,
		NumReturnSequences: 1,
		StopCriteria:       StopEarly,
		Temperature:        1.0,
		TopP:               1.0,
		TopK:               0,
		RepetitionPenalty:  1.0,
	}
}

// BeamSearchConfig returns a grouped beam search configuration with
// numBeams beams in numGroups groups.
func BeamSearchConfig(numBeams, numGroups, maxNewTokens int) GenerationConfig {
	cfg := DefaultGenerationConfig()
	cfg.NumBeams = numBeams
	cfg.NumBeamGroups = numGroups
	cfg.NumReturnSequences = numBeams
	cfg.MaxNewTokens = maxNewTokens
	return cfg
}

// MultinomialConfig returns a seeded random sampling configuration.
func MultinomialConfig(seed int64, maxNewTokens int) GenerationConfig {
	cfg := DefaultGenerationConfig()
	cfg.DoSample = true
	cfg.RNGSeed = seed
	cfg.MaxNewTokens = maxNewTokens
	return cfg
}

// IsBeamSearch reports whether grouped beam search is selected.
func (c *GenerationConfig) IsBeamSearch() bool {
	return c.NumBeams > 1
}

// IsMultinomial reports whether random sampling is selected.
func (c *GenerationConfig) IsMultinomial() bool {
	return !c.IsBeamSearch() && c.DoSample
}

// IsGreedy reports whether deterministic arg-max decoding is selected.
func (c *GenerationConfig) IsGreedy() bool {
	return !c.IsBeamSearch() && !c.DoSample
}

// maxNewTokensFor resolves the generation budget for a prompt of the given
// length. MaxNewTokens has priority over MaxLength; when neither is set the
// budget is unbounded.
func (c *GenerationConfig) maxNewTokensFor(promptLen int) int {
	if c.MaxNewTokens > 0 {
		return c.MaxNewTokens
	}
	if c.MaxLength > 0 {
		if n := c.MaxLength - promptLen; n > 0 {
			return n
		}
		return 0
	}
	return math.MaxInt
}

// groupSize returns the number of member sequences a group owns:
// NumBeams for beam search, NumReturnSequences for multinomial, 1 for greedy.
func (c *GenerationConfig) groupSize() int {
	if c.IsBeamSearch() {
		return c.NumBeams
	}
	if c.IsMultinomial() && c.NumReturnSequences > 1 {
		return c.NumReturnSequences
	}
	return 1
}

// Validate checks internal consistency. It returns a *ConfigError describing
// the first violation found.
func (c *GenerationConfig) Validate() error {
	if c.MaxNewTokens < 0 || c.MaxLength < 0 || c.MinNewTokens < 0 {
		return configErrorf("token limits must be non-negative")
	}
	if c.NumBeams < 1 {
		return configErrorf("num_beams must be >= 1, got %d", c.NumBeams)
	}
	if c.NumReturnSequences < 1 {
		return configErrorf("num_return_sequences must be >= 1, got %d", c.NumReturnSequences)
	}
	if c.IsBeamSearch() {
		if c.NumBeamGroups < 1 {
			return configErrorf("num_beam_groups must be >= 1, got %d", c.NumBeamGroups)
		}
		if c.NumBeams%c.NumBeamGroups != 0 {
			return configErrorf("num_beams (%d) must be divisible by num_beam_groups (%d)", c.NumBeams, c.NumBeamGroups)
		}
		if c.NumBeamGroups > 1 && c.DiversityPenalty == 0 {
			return configErrorf("diversity_penalty must be set when num_beam_groups > 1")
		}
		if c.NumReturnSequences > c.NumBeams {
			return configErrorf("num_return_sequences (%d) must not exceed num_beams (%d)", c.NumReturnSequences, c.NumBeams)
		}
		if c.StopCriteria < StopEarly || c.StopCriteria > StopNever {
			return configErrorf("unknown stop_criteria %d", c.StopCriteria)
		}
		if c.DoSample {
			return configErrorf("do_sample cannot be combined with beam search")
		}
	}
	if c.NoRepeatNgramSize < 0 {
		return configErrorf("no_repeat_ngram_size must be non-negative")
	}
	if c.IsMultinomial() {
		if c.Temperature <= 0 {
			return configErrorf("temperature must be > 0 for random sampling, got %v", c.Temperature)
		}
		if c.TopP <= 0 || c.TopP > 1 {
			return configErrorf("top_p must be in (0, 1], got %v", c.TopP)
		}
		if c.TopK < 0 {
			return configErrorf("top_k must be non-negative, got %d", c.TopK)
		}
		if c.RepetitionPenalty <= 0 {
			return configErrorf("repetition_penalty must be > 0, got %v", c.RepetitionPenalty)
		}
	}
	return nil
}

// SchedulerConfig holds the capacity limits for batch composition and the
// KV-cache block store.
type SchedulerConfig struct {
	// MaxNumBatchedTokens caps the total token demand of one batch.
	MaxNumBatchedTokens int `yaml:"max_num_batched_tokens"`
	// NumKVBlocks is the block store capacity. When 0 it is derived as
	// CacheCapacityTokens / BlockSize.
	NumKVBlocks int `yaml:"num_kv_blocks"`
	// CacheCapacityTokens is the total KV-cache size in tokens, used only
	// to derive NumKVBlocks when the latter is unset.
	CacheCapacityTokens int `yaml:"cache_capacity_tokens"`
	// BlockSize is the number of tokens per KV block.
	BlockSize int `yaml:"block_size"`
	// MaxNumSeqs caps the number of sequences scheduled into one batch.
	MaxNumSeqs int `yaml:"max_num_seqs"`
	// DynamicSplitFuse interleaves bounded prefill chunks with decode steps
	// instead of running each prefill as one monolithic step.
	DynamicSplitFuse bool `yaml:"dynamic_split_fuse"`
	// PrefillChunkSize bounds a prefill chunk when DynamicSplitFuse is on.
	// 0 falls back to MaxNumBatchedTokens.
	PrefillChunkSize int `yaml:"prefill_chunk_size"`
	// EnablePrefixCaching retains completed sequences' full blocks for
	// reuse instead of releasing them immediately.
	EnablePrefixCaching bool `yaml:"enable_prefix_caching"`
}

// DefaultSchedulerConfig mirrors common serving defaults: 256 tokens per
// batch step is deliberately small so tests exercise the budget paths.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxNumBatchedTokens: 256,
		NumKVBlocks:         256,
		BlockSize:           16,
		MaxNumSeqs:          32,
	}
}

// Validate checks the capacity parameters and resolves NumKVBlocks from
// CacheCapacityTokens when needed.
func (c *SchedulerConfig) Validate() error {
	if c.BlockSize <= 0 {
		return configErrorf("block_size must be > 0, got %d", c.BlockSize)
	}
	if c.NumKVBlocks <= 0 {
		if c.CacheCapacityTokens <= 0 {
			return configErrorf("either num_kv_blocks or cache_capacity_tokens must be set")
		}
		c.NumKVBlocks = c.CacheCapacityTokens / c.BlockSize
		if c.NumKVBlocks == 0 {
			return configErrorf("cache_capacity_tokens (%d) is smaller than one block (%d tokens)", c.CacheCapacityTokens, c.BlockSize)
		}
	}
	if c.MaxNumBatchedTokens <= 0 {
		return configErrorf("max_num_batched_tokens must be > 0, got %d", c.MaxNumBatchedTokens)
	}
	if c.MaxNumSeqs <= 0 {
		return configErrorf("max_num_seqs must be > 0, got %d", c.MaxNumSeqs)
	}
	if c.PrefillChunkSize < 0 {
		return configErrorf("prefill_chunk_size must be non-negative, got %d", c.PrefillChunkSize)
	}
	return nil
}

// prefillChunk returns the per-step prefill bound, or 0 when prefill runs
// unchunked.
func (c *SchedulerConfig) prefillChunk() int {
	if !c.DynamicSplitFuse {
		return 0
	}
	if c.PrefillChunkSize > 0 {
		return c.PrefillChunkSize
	}
	return c.MaxNumBatchedTokens
}
