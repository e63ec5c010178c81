package config

import "strings"

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderUnknown   = "unknown"
)

// providerRegistry maps known model ids to their provider.
var providerRegistry = map[string]string{
	"claude-haiku-4-5-20251001": ProviderAnthropic,
	"claude-sonnet-4-20250514":  ProviderAnthropic,
	"claude-opus-4-20250514":    ProviderAnthropic,
	"gemini-1.5-pro":            ProviderGemini,
	"gemini-1.5-flash":          ProviderGemini,
	"gemini-2.0-flash":          ProviderGemini,
	"gemini-3-pro-preview":      ProviderGemini,
	"gemini-3-flash-preview":    ProviderGemini,
}

// DefaultFallbackModels gives the model each provider substitutes when it
// executes a task whose natural provider is elsewhere.
var DefaultFallbackModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-20250514",
	ProviderGemini:    "gemini-3-pro-preview",
}

// ProviderForModel resolves the natural provider for a model id: exact
// registry lookup first, then a prefix heuristic for unregistered versions.
func ProviderForModel(model string) string {
	if p, ok := providerRegistry[model]; ok {
		return p
	}
	switch {
	case strings.HasPrefix(model, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(model, "gemini"):
		return ProviderGemini
	default:
		return ProviderUnknown
	}
}

// RegisteredModel reports whether a model id is in the registry.
func RegisteredModel(model string) bool {
	_, ok := providerRegistry[model]
	return ok
}

// modelRate holds per-million-token USD rates.
type modelRate struct {
	Input  float64
	Output float64
}

var anthropicRates = map[string]modelRate{
	"claude-haiku-4-5-20251001": {0.80, 4.00},
	"claude-sonnet-4-20250514":  {3.00, 15.00},
	"claude-opus-4-20250514":    {15.00, 75.00},
}

// anthropicDefaultRate is the conservative rate for unknown claude models.
var anthropicDefaultRate = modelRate{3.00, 15.00}

var geminiRates = map[string]modelRate{
	"gemini-1.5-pro":         {1.25, 5.00},
	"gemini-1.5-flash":       {0.075, 0.30},
	"gemini-2.0-flash":       {0.10, 0.40},
	"gemini-3-pro-preview":   {1.25, 10.00},
	"gemini-3-flash-preview": {0.15, 0.60},
}

var geminiDefaultRate = modelRate{1.25, 10.00}

// CostUSD computes the dollar cost of one model call. Unknown models use
// their provider's conservative default rate.
func CostUSD(model string, inputTokens, outputTokens int) float64 {
	var rate modelRate
	switch ProviderForModel(model) {
	case ProviderGemini:
		var ok bool
		if rate, ok = geminiRates[model]; !ok {
			rate = geminiDefaultRate
		}
	default:
		var ok bool
		if rate, ok = anthropicRates[model]; !ok {
			rate = anthropicDefaultRate
		}
	}
	return (float64(inputTokens)*rate.Input + float64(outputTokens)*rate.Output) / 1e6
}

// ModelPricing describes one model for the config API.
type ModelPricing struct {
	Model     string  `json:"model"`
	Provider  string  `json:"provider"`
	InputUSD  float64 `json:"input_usd_per_mtok"`
	OutputUSD float64 `json:"output_usd_per_mtok"`
}

// KnownModels lists every registered model with its pricing.
func KnownModels() []ModelPricing {
	out := make([]ModelPricing, 0, len(providerRegistry))
	for model, provider := range providerRegistry {
		var rate modelRate
		switch provider {
		case ProviderGemini:
			rate = geminiRates[model]
		default:
			rate = anthropicRates[model]
		}
		out = append(out, ModelPricing{Model: model, Provider: provider, InputUSD: rate.Input, OutputUSD: rate.Output})
	}
	return out
}
