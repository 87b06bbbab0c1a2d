package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationConfig_ModeSelection(t *testing.T) {
	greedy := DefaultGenerationConfig()
	assert.True(t, greedy.IsGreedy())
	assert.False(t, greedy.IsBeamSearch())
	assert.False(t, greedy.IsMultinomial())

	multi := MultinomialConfig(42, 10)
	assert.True(t, multi.IsMultinomial())
	assert.False(t, multi.IsGreedy())

	beam := BeamSearchConfig(4, 2, 10)
	assert.True(t, beam.IsBeamSearch())
	assert.False(t, beam.IsMultinomial())

	// NumBeams > 1 selects beam search even with DoSample set elsewhere
	// invalid; Validate rejects the combination.
	conflicting := BeamSearchConfig(4, 1, 10)
	conflicting.DoSample = true
	assert.Error(t, conflicting.Validate())
}

func TestGenerationConfig_MaxNewTokensResolution(t *testing.T) {
	// GIVEN MaxNewTokens set, it wins over MaxLength
	cfg := DefaultGenerationConfig()
	cfg.MaxNewTokens = 5
	cfg.MaxLength = 100
	assert.Equal(t, 5, cfg.maxNewTokensFor(10))

	// GIVEN only MaxLength, the budget is what remains after the prompt
	cfg = DefaultGenerationConfig()
	cfg.MaxLength = 12
	assert.Equal(t, 7, cfg.maxNewTokensFor(5))

	// GIVEN a prompt already at or past MaxLength, the budget is zero
	assert.Equal(t, 0, cfg.maxNewTokensFor(12))
	assert.Equal(t, 0, cfg.maxNewTokensFor(20))

	// GIVEN neither limit, generation is unbounded
	cfg = DefaultGenerationConfig()
	assert.Equal(t, math.MaxInt, cfg.maxNewTokensFor(5))
}

func TestGenerationConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*GenerationConfig)
		ok     bool
	}{
		{"default is valid", func(c *GenerationConfig) {}, true},
		{"negative max_new_tokens", func(c *GenerationConfig) { c.MaxNewTokens = -1 }, false},
		{"zero beams", func(c *GenerationConfig) { c.NumBeams = 0 }, false},
		{"beams not divisible by groups", func(c *GenerationConfig) {
			c.NumBeams = 4
			c.NumBeamGroups = 3
			c.DiversityPenalty = 1.0
		}, false},
		{"grouped beams need diversity penalty", func(c *GenerationConfig) {
			c.NumBeams = 4
			c.NumBeamGroups = 2
		}, false},
		{"grouped beams with diversity penalty", func(c *GenerationConfig) {
			c.NumBeams = 4
			c.NumBeamGroups = 2
			c.DiversityPenalty = 1.0
		}, true},
		{"returns exceed beams", func(c *GenerationConfig) {
			c.NumBeams = 2
			c.NumReturnSequences = 3
		}, false},
		{"sampling with zero temperature", func(c *GenerationConfig) {
			c.DoSample = true
			c.Temperature = 0
		}, false},
		{"sampling with top_p out of range", func(c *GenerationConfig) {
			c.DoSample = true
			c.TopP = 1.5
		}, false},
		{"sampling with negative top_k", func(c *GenerationConfig) {
			c.DoSample = true
			c.TopK = -1
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultGenerationConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				var cerr *ConfigError
				assert.ErrorAs(t, err, &cerr)
			}
		})
	}
}

func TestSchedulerConfig_DerivesBlockCountFromCapacity(t *testing.T) {
	// GIVEN a config specifying capacity in tokens instead of blocks
	cfg := SchedulerConfig{
		MaxNumBatchedTokens: 64,
		CacheCapacityTokens: 100,
		BlockSize:           16,
		MaxNumSeqs:          8,
	}
	// WHEN validated
	require.NoError(t, cfg.Validate())
	// THEN the block count is the floor of capacity / block size
	assert.Equal(t, 6, cfg.NumKVBlocks)
}

func TestSchedulerConfig_RejectsSubBlockCapacity(t *testing.T) {
	cfg := SchedulerConfig{
		MaxNumBatchedTokens: 64,
		CacheCapacityTokens: 10,
		BlockSize:           16,
		MaxNumSeqs:          8,
	}
	assert.Error(t, cfg.Validate())
}

func TestSchedulerConfig_PrefillChunk(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	assert.Equal(t, 0, cfg.prefillChunk(), "no chunking without dynamic split fuse")

	cfg.DynamicSplitFuse = true
	assert.Equal(t, cfg.MaxNumBatchedTokens, cfg.prefillChunk(), "chunk falls back to the token budget")

	cfg.PrefillChunkSize = 32
	assert.Equal(t, 32, cfg.prefillChunk())
}
