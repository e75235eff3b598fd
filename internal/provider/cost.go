package provider

import "github.com/astrid-app/astrid-agent/internal/plan"

// Rate is the advisory USD price per million tokens.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// rates is the fixed per-provider price table. Estimates only.
var rates = map[string]Rate{
	Claude: {InputPerMTok: 3.0, OutputPerMTok: 15.0},
	OpenAI: {InputPerMTok: 2.5, OutputPerMTok: 10.0},
}

// Cost converts token counts into an estimated USD cost.
func Cost(name string, inputTokens, outputTokens int) float64 {
	r := rates[name]
	return float64(inputTokens)/1e6*r.InputPerMTok + float64(outputTokens)/1e6*r.OutputPerMTok
}

// usageFor builds a Usage with its cost filled in.
func usageFor(name string, inputTokens, outputTokens int) plan.Usage {
	return plan.Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      Cost(name, inputTokens, outputTokens),
	}
}
