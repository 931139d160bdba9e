// Package pricing computes API usage cost for recorded token counts.
package pricing

import "math"

type rate struct {
	input  float64 // USD per token
	output float64
}

// Per-token OpenAI pricing. Update as the vendor changes rates.
var openAIRates = map[string]rate{
	"gpt-4":                  {input: 0.03 / 1000, output: 0.06 / 1000},
	"gpt-4-turbo":            {input: 0.01 / 1000, output: 0.03 / 1000},
	"gpt-3.5-turbo":          {input: 0.0005 / 1000, output: 0.0015 / 1000},
	"text-embedding-ada-002": {input: 0.0001 / 1000},
	"text-embedding-3-small": {input: 0.00002 / 1000},
	"text-embedding-3-large": {input: 0.00013 / 1000},
}

// DefaultServiceCost is charged for services without a pricing table.
const DefaultServiceCost = 0.0001

// OpenAICost returns the USD cost of one OpenAI call, rounded to six decimal
// places. Unknown models fall back to gpt-3.5-turbo rates.
func OpenAICost(model string, inputTokens, outputTokens int) float64 {
	r, ok := openAIRates[model]
	if !ok {
		r = openAIRates["gpt-3.5-turbo"]
	}
	cost := float64(inputTokens)*r.input + float64(outputTokens)*r.output
	return round6(cost)
}

// EstimateTokens gives a rough token count for English text (~4 chars per
// token).
func EstimateTokens(text string) int {
	return len(text) / 4
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
