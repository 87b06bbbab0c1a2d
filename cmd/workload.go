package cmd

import (
	"fmt"
	"math/rand"

	"github.com/cbgen/cbgen/engine"
)

// buildWorkload generates the synthetic prompts and their generation configs
// from the workload flags. Prompt lengths are drawn uniformly from
// [promptTokensMin, promptTokensMax] biased toward the mean by averaging two
// draws; token ids are uniform over the vocabulary. Everything derives from
// the seed, so a run is reproducible.
func buildWorkload() ([][]int64, []engine.GenerationConfig, error) {
	if numPrompts <= 0 {
		return nil, nil, fmt.Errorf("max-prompts must be > 0, got %d", numPrompts)
	}
	if promptTokensMin < 1 || promptTokensMax < promptTokensMin {
		return nil, nil, fmt.Errorf("invalid prompt token bounds [%d, %d]", promptTokensMin, promptTokensMax)
	}

	rng := rand.New(rand.NewSource(seed))
	prompts := make([][]int64, numPrompts)
	configs := make([]engine.GenerationConfig, numPrompts)
	for i := range prompts {
		n := promptLength(rng)
		prompt := make([]int64, n)
		for j := range prompt {
			prompt[j] = int64(rng.Intn(vocabSize))
		}
		prompts[i] = prompt

		cfg, err := generationConfigFor(int64(i))
		if err != nil {
			return nil, nil, err
		}
		configs[i] = cfg
	}
	return prompts, configs, nil
}

// promptLength draws one prompt length: the average of two uniform draws
// concentrates mass around the midpoint, then the result is nudged toward
// the configured mean.
func promptLength(rng *rand.Rand) int {
	span := promptTokensMax - promptTokensMin + 1
	a := rng.Intn(span)
	b := rng.Intn(span)
	n := promptTokensMin + (a+b)/2
	mid := (promptTokensMin + promptTokensMax) / 2
	n += (promptTokensMean - mid) / 2
	if n < promptTokensMin {
		n = promptTokensMin
	}
	if n > promptTokensMax {
		n = promptTokensMax
	}
	return n
}

// generationConfigFor maps the mode flags onto one request's config. Each
// sampled request gets its own seed derived from the workload seed so the
// whole run stays reproducible.
func generationConfigFor(requestIdx int64) (engine.GenerationConfig, error) {
	switch decodeMode {
	case "greedy":
		cfg := engine.DefaultGenerationConfig()
		cfg.MaxNewTokens = maxNewTokens
		return cfg, nil
	case "sample":
		cfg := engine.MultinomialConfig(seed+requestIdx, maxNewTokens)
		cfg.Temperature = temperature
		cfg.TopP = topP
		cfg.TopK = topK
		return cfg, nil
	case "beam":
		cfg := engine.BeamSearchConfig(numBeams, numBeamGroups, maxNewTokens)
		if numBeamGroups > 1 {
			cfg.DiversityPenalty = 1.0
		}
		return cfg, nil
	default:
		return engine.GenerationConfig{}, fmt.Errorf("unknown mode %q (want greedy, sample or beam)", decodeMode)
	}
}
