package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/fairlane-dev/llmgate/pkg/api"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// perPartOverhead pads every part for message framing so the estimate
// stays a conservative upper bound.
const perPartOverhead = 8

// EstimateTokens counts input tokens for the request's text parts with
// a BPE tokenizer, falling back to a bytes/3 heuristic when the
// encoding is unavailable. Non-text parts contribute a flat charge.
func EstimateTokens(req *Request) int {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})

	total := perPartOverhead
	for _, part := range req.Parts {
		total += perPartOverhead
		switch part.Type {
		case api.PartText:
			total += countText(part.Text)
		case api.PartImage:
			// Vision inputs are billed per tile; a flat charge covers
			// the common single-tile case.
			total += 765
		default:
			total += 64
		}
	}
	return total
}

func countText(s string) int {
	if codec != nil {
		if ids, _, err := codec.Encode(s); err == nil {
			return len(ids)
		}
	}
	return len(s)/3 + 1
}
