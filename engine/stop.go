package engine

import (
	"strings"
)

// evaluateStop checks all completion conditions for a sequence after a
// token was appended and finishes the sequence (with output trimming where
// required) when one matches. Order: EOS, stop token ids, stop strings,
// generation budget — trimming conditions come first so an EOS or stop
// token landing on the last budgeted position is still excluded from the
// output.
func (sp *Sampler) evaluateStop(g *SequenceGroup, seq *Sequence) {
	cfg := &g.Config

	last := seq.LastToken()
	if !cfg.IgnoreEOS && cfg.EOSTokenID >= 0 && last == cfg.EOSTokenID &&
		seq.NumGenerated() >= cfg.MinNewTokens {
		// The EOS token itself is not part of the output.
		seq.truncateGenerated(seq.NumGenerated() - 1)
		seq.setStatus(StatusFinished)
		return
	}

	for _, stop := range cfg.StopTokenIDs {
		if last == stop {
			seq.truncateGenerated(seq.NumGenerated() - 1)
			seq.setStatus(StatusFinished)
			return
		}
	}

	if len(cfg.StopStrings) > 0 {
		if keep, matched := sp.matchStopString(seq.Generated(), cfg); matched {
			if !cfg.IncludeStopStrInOutput {
				seq.truncateGenerated(keep)
			}
			seq.setStatus(StatusFinished)
			return
		}
	}

	if seq.NumGenerated() >= g.maxNewTokens {
		seq.setStatus(StatusFinished)
	}
}

// matchStopString scans the decoded generated text for any configured stop
// string. On a match it returns the largest token count whose decoded text
// ends before the match, so the whole stop string (and any token straddling
// its start) can be trimmed.
func (sp *Sampler) matchStopString(generated []int64, cfg *GenerationConfig) (keep int, matched bool) {
	if sp.tokenizer == nil {
		return 0, false
	}
	text := sp.tokenizer.Decode(generated)
	idx := -1
	for _, stop := range cfg.StopStrings {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && (idx < 0 || i < idx) {
			idx = i
		}
	}
	if idx < 0 {
		return 0, false
	}
	for k := len(generated) - 1; k > 0; k-- {
		if len(sp.tokenizer.Decode(generated[:k])) <= idx {
			return k, true
		}
	}
	return 0, true
}
