// Package cost tracks per-request USD spend against a static pricing table
// and exposes running totals for the /metrics/costs endpoint.
package cost

// ModelPrice is the per-1K-token price for a model, in USD, plus the
// provider that serves it.
type ModelPrice struct {
	Provider     string
	InputPer1K   float64
	OutputPer1K  float64
}

// defaultPrice is used for unknown model ids. It is intentionally
// conservative (priced like a frontier model) so an unrecognised id never
// under-reports spend.
var defaultPrice = ModelPrice{Provider: "unknown", InputPer1K: 0.01, OutputPer1K: 0.03}

// PricingTable is an immutable modelId -> ModelPrice lookup.
//
// Prices are illustrative list prices current as of the provider's public
// pricing pages; operators running this gateway in production should treat
// this table as a starting point and keep it in sync with actual contracted
// rates.
var PricingTable = map[string]ModelPrice{
	// OpenAI
	"gpt-4o":                 {Provider: "openai", InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":            {Provider: "openai", InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":            {Provider: "openai", InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4":                  {Provider: "openai", InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-3.5-turbo":          {Provider: "openai", InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"o1":                     {Provider: "openai", InputPer1K: 0.015, OutputPer1K: 0.06},
	"o1-mini":                {Provider: "openai", InputPer1K: 0.003, OutputPer1K: 0.012},
	"o3-mini":                {Provider: "openai", InputPer1K: 0.0011, OutputPer1K: 0.0044},
	"gpt-4.1":                {Provider: "openai", InputPer1K: 0.002, OutputPer1K: 0.008},
	"gpt-4.1-mini":           {Provider: "openai", InputPer1K: 0.0004, OutputPer1K: 0.0016},

	// Anthropic
	"claude-3-5-sonnet-20241022": {Provider: "anthropic", InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {Provider: "anthropic", InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-opus-20240229":     {Provider: "anthropic", InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-haiku-20240307":    {Provider: "anthropic", InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"claude-3-7-sonnet-20250219": {Provider: "anthropic", InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-opus-4":              {Provider: "anthropic", InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4":            {Provider: "anthropic", InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-haiku-4":             {Provider: "anthropic", InputPer1K: 0.001, OutputPer1K: 0.005},

	// Google
	"gemini-1.5-pro":   {Provider: "gemini", InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash": {Provider: "gemini", InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-2.0-flash": {Provider: "gemini", InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gemini-2.5-pro":   {Provider: "gemini", InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-2.5-flash": {Provider: "gemini", InputPer1K: 0.0003, OutputPer1K: 0.0025},
}

// Lookup returns the price for modelId, falling back to defaultPrice for
// unrecognised ids. The bool return reports whether the id was known.
func Lookup(modelID string) (ModelPrice, bool) {
	if p, ok := PricingTable[modelID]; ok {
		return p, true
	}
	return defaultPrice, false
}
