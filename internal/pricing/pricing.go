// Package pricing computes analysis cost estimates from media duration and
// per-model token pricing, and derives actual cost from provider-reported
// usage. It performs no I/O.
package pricing

import "fmt"

// AssumedOutputTokens is the fixed output budget assumed for estimates;
// the structured verdict payload is small and varies little with media length.
const AssumedOutputTokens = 500

// ModelPricing describes one model's token rates.
type ModelPricing struct {
	DisplayName          string  `toml:"display_name"`
	InputPerMillion      float64 `toml:"input_price_per_million"`
	OutputPerMillion     float64 `toml:"output_price_per_million"`
	TokensPerVideoSecond int     `toml:"tokens_per_video_sec"`
	TokensPerAudioSecond int     `toml:"tokens_per_audio_sec"`
}

// Usage is the provider-reported token consumption for one model call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Estimate is a pre-call cost breakdown.
type Estimate struct {
	InputTokens  int64
	OutputTokens int64
	InputCost    float64
	OutputCost   float64
	Total        float64
}

// EstimateCost projects the cost of analyzing media of the given duration.
// Monotonic non-decreasing in durationSec for a fixed model.
func EstimateCost(durationSec float64, model ModelPricing) Estimate {
	if durationSec < 0 {
		durationSec = 0
	}
	inputTokens := int64(durationSec * float64(model.TokensPerVideoSecond+model.TokensPerAudioSecond))
	est := Estimate{
		InputTokens:  inputTokens,
		OutputTokens: AssumedOutputTokens,
	}
	est.InputCost = perMillion(inputTokens, model.InputPerMillion)
	est.OutputCost = perMillion(AssumedOutputTokens, model.OutputPerMillion)
	est.Total = est.InputCost + est.OutputCost
	return est
}

// ActualCost prices provider-reported usage with the same per-million rates.
// It never replaces a stored estimate; callers record it alongside.
func ActualCost(usage Usage, model ModelPricing) float64 {
	return perMillion(usage.InputTokens, model.InputPerMillion) +
		perMillion(usage.OutputTokens, model.OutputPerMillion)
}

// FormatCost renders a dollar amount, keeping sub-cent precision visible.
func FormatCost(cost float64) string {
	if cost < 0.01 {
		return fmt.Sprintf("$%.4f", cost)
	}
	return fmt.Sprintf("$%.2f", cost)
}

func perMillion(tokens int64, rate float64) float64 {
	return float64(tokens) / 1_000_000 * rate
}
