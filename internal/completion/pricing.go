package completion

import (
	"log/slog"
	"math"
)

type modelPricing struct {
	input  float64 // USD per 1000 prompt tokens
	output float64 // USD per 1000 completion tokens
}

var pricing = map[string]modelPricing{
	"gpt-3.5-turbo":      {input: 0.001, output: 0.002},
	"gpt-4":              {input: 0.03, output: 0.06},
	"gpt-4-turbo":        {input: 0.01, output: 0.03},
	"deepseek-r1-250120": {input: 0.001, output: 0.002},
	"deepseek-chat":      {input: 0.001, output: 0.002},
}

// Cost returns the USD cost of a completion. Unknown models cost 0.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := pricing[model]
	if !ok {
		slog.Warn("unknown model for cost calculation", "model", model)
		return 0
	}
	return float64(inputTokens)/1000*p.input + float64(outputTokens)/1000*p.output
}

// KnownModel reports whether the model has a pricing entry.
func KnownModel(model string) bool {
	_, ok := pricing[model]
	return ok
}

// EstimateTokens approximates the token count of a text: roughly four
// latin characters per token and 1.5 characters per token for CJK and
// other scripts.
func EstimateTokens(text string) int {
	latin := 0
	other := 0
	for _, r := range text {
		if isLatinLike(r) {
			latin++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(latin)/4 + float64(other)/1.5))
}

func isLatinLike(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case ' ', '\t', '\n', '\r', '.', ',', '!', '?', ';', ':', '\'', '"', '(', ')', '-':
		return true
	}
	return false
}
