package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cbgen/cbgen/engine"
)

var (
	// CLI flags for engine capacity configs
	logLevel            string // Log verbosity level
	schedulerConfigPath string // Optional YAML file overriding the scheduler flags
	totalKVBlocks       int    // Total number of KV blocks available in the store
	blockSizeTokens     int    // Number of tokens per KV block
	maxNumSeqs          int    // Maximum number of sequences in one batch
	maxBatchedTokens    int    // Maximum total token demand of one batch
	dynamicSplitFuse    bool   // Interleave bounded prefill chunks with decode steps
	prefillChunkSize    int    // Prefill chunk bound when dynamic split-fuse is on
	enablePrefixCaching bool   // Retain finished sequences' blocks for prefix reuse

	// CLI flags for synthetic workload generation
	seed             int64  // Seed for prompt generation and sampling
	numPrompts       int    // Number of requests
	vocabSize        int    // Stub executor vocabulary size
	promptTokensMean int    // Average prompt token count
	promptTokensMin  int    // Min prompt token count
	promptTokensMax  int    // Max prompt token count
	maxNewTokens     int    // Generation budget per request
	decodeMode       string // Decoding mode: greedy, sample or beam
	temperature      float64
	topP             float64
	topK             int
	numBeams         int
	numBeamGroups    int
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "cbgen",
	Short: "Continuous-batching generation engine",
}

// runCmd drives a synthetic workload through the engine with a deterministic
// stub executor and prints aggregate performance metrics.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic generation workload",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logrus.SetLevel(level)

		schedCfg := schedulerConfigFromFlags()
		if schedulerConfigPath != "" {
			schedCfg, err = LoadSchedulerConfig(schedulerConfigPath)
			if err != nil {
				return err
			}
		}

		prompts, configs, err := buildWorkload()
		if err != nil {
			return err
		}

		logrus.Infof("Starting workload: %d requests, %d KV blocks x %d tokens, batch budget %d tokens / %d seqs",
			numPrompts, schedCfg.NumKVBlocks, schedCfg.BlockSize, schedCfg.MaxNumBatchedTokens, schedCfg.MaxNumSeqs)

		pipeline, err := engine.NewPipeline(schedCfg, newStubExecutor(vocabSize, seed), nil)
		if err != nil {
			return err
		}

		start := time.Now()
		results, err := pipeline.Generate(prompts, configs)
		if err != nil {
			return err
		}
		printResults(results, pipeline.Metrics(), time.Since(start))
		return nil
	},
}

// printResults summarizes per-request outcomes and the aggregate metrics.
func printResults(results []engine.GenerationResult, m *engine.PerfMetrics, elapsed time.Duration) {
	finished, ignored := 0, 0
	for _, res := range results {
		switch res.Status {
		case engine.StatusFinished:
			finished++
		case engine.StatusIgnored:
			ignored++
		}
		logrus.Debugf("request %d: status=%s sequences=%d", res.RequestID, res.Status, len(res.TokenIDs))
	}

	ttft := m.GetTTFT()
	tpot := m.GetTPOT()
	tput := m.GetThroughput()
	fmt.Printf("requests:   %d finished, %d ignored (of %d)\n", finished, ignored, len(results))
	fmt.Printf("tokens:     %d in, %d out\n", m.GetNumInputTokens(), m.GetNumGeneratedTokens())
	fmt.Printf("TTFT:       %.3f ms (std %.3f)\n", ttft.Mean, ttft.Std)
	fmt.Printf("TPOT:       %.3f ms/token (std %.3f)\n", tpot.Mean, tpot.Std)
	fmt.Printf("throughput: %.1f tokens/s (std %.1f)\n", tput.Mean, tput.Std)
	fmt.Printf("elapsed:    %v\n", elapsed)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	// Scheduler / block store configs
	runCmd.Flags().StringVar(&schedulerConfigPath, "scheduler-config", "", "YAML file with the scheduler configuration (overrides the capacity flags)")
	runCmd.Flags().IntVar(&totalKVBlocks, "total-kv-blocks", 4096, "Total number of KV cache blocks")
	runCmd.Flags().IntVar(&blockSizeTokens, "block-size-in-tokens", 16, "Number of tokens contained in a KV cache block")
	runCmd.Flags().IntVar(&maxNumSeqs, "max-num-seqs", 64, "Maximum number of sequences scheduled together")
	runCmd.Flags().IntVar(&maxBatchedTokens, "max-num-batched-tokens", 2048, "Maximum total number of new tokens across scheduled sequences")
	runCmd.Flags().BoolVar(&dynamicSplitFuse, "dynamic-split-fuse", false, "Interleave prefill chunks with decode steps")
	runCmd.Flags().IntVar(&prefillChunkSize, "prefill-chunk-size", 0, "Prefill chunk bound when dynamic split-fuse is enabled (0 = batch token budget)")
	runCmd.Flags().BoolVar(&enablePrefixCaching, "enable-prefix-caching", false, "Retain finished sequences' blocks for prefix reuse")

	// Synthetic workload configs
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for prompt generation and random sampling")
	runCmd.Flags().IntVar(&numPrompts, "max-prompts", 100, "Number of requests")
	runCmd.Flags().IntVar(&vocabSize, "vocab-size", 1024, "Stub executor vocabulary size")
	runCmd.Flags().IntVar(&promptTokensMean, "prompt-tokens", 512, "Average prompt token count")
	runCmd.Flags().IntVar(&promptTokensMin, "prompt-tokens-min", 2, "Min prompt token count")
	runCmd.Flags().IntVar(&promptTokensMax, "prompt-tokens-max", 4096, "Max prompt token count")
	runCmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 128, "Generation budget per request")
	runCmd.Flags().StringVar(&decodeMode, "mode", "greedy", "Decoding mode (greedy, sample, beam)")
	runCmd.Flags().Float64Var(&temperature, "temperature", 1.0, "Sampling temperature (mode=sample)")
	runCmd.Flags().Float64Var(&topP, "top-p", 1.0, "Nucleus sampling threshold (mode=sample)")
	runCmd.Flags().IntVar(&topK, "top-k", 0, "Top-k truncation, 0 disables (mode=sample)")
	runCmd.Flags().IntVar(&numBeams, "num-beams", 4, "Beam width (mode=beam)")
	runCmd.Flags().IntVar(&numBeamGroups, "num-beam-groups", 1, "Beam diversity groups (mode=beam)")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
