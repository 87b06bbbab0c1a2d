package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cbgen/cbgen/engine"
)

// LoadSchedulerConfig reads and validates an engine.SchedulerConfig from a
// YAML file. The file uses the snake_case keys declared on the struct, e.g.
//
//	max_num_batched_tokens: 2048
//	num_kv_blocks: 4096
//	block_size: 16
//	max_num_seqs: 64
//	enable_prefix_caching: true
func LoadSchedulerConfig(path string) (engine.SchedulerConfig, error) {
	var cfg engine.SchedulerConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading scheduler config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing scheduler config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("scheduler config %s: %w", path, err)
	}
	return cfg, nil
}

// schedulerConfigFromFlags assembles the scheduler configuration from the
// run command's capacity flags.
func schedulerConfigFromFlags() engine.SchedulerConfig {
	return engine.SchedulerConfig{
		MaxNumBatchedTokens: maxBatchedTokens,
		NumKVBlocks:         totalKVBlocks,
		BlockSize:           blockSizeTokens,
		MaxNumSeqs:          maxNumSeqs,
		DynamicSplitFuse:    dynamicSplitFuse,
		PrefillChunkSize:    prefillChunkSize,
		EnablePrefixCaching: enablePrefixCaching,
	}
}
