package pricing

// Token density constants for Gemini video input.
const (
	defaultTokensPerVideoSecond = 258
	defaultTokensPerAudioSecond = 25
)

// DefaultTable returns the built-in model pricing table. Config may extend
// or override entries.
func DefaultTable() map[string]ModelPricing {
	return map[string]ModelPricing{
		"gemini-2.5-flash-lite": {
			DisplayName:          "Gemini 2.5 Flash-Lite",
			InputPerMillion:      0.10,
			OutputPerMillion:     0.40,
			TokensPerVideoSecond: defaultTokensPerVideoSecond,
			TokensPerAudioSecond: defaultTokensPerAudioSecond,
		},
		"gemini-2.5-flash": {
			DisplayName:          "Gemini 2.5 Flash",
			InputPerMillion:      0.30,
			OutputPerMillion:     2.50,
			TokensPerVideoSecond: defaultTokensPerVideoSecond,
			TokensPerAudioSecond: defaultTokensPerAudioSecond,
		},
		"gemini-2.0-flash-exp": {
			DisplayName:          "Gemini 2.0 Flash Experimental",
			InputPerMillion:      0,
			OutputPerMillion:     0,
			TokensPerVideoSecond: defaultTokensPerVideoSecond,
			TokensPerAudioSecond: defaultTokensPerAudioSecond,
		},
		"gemini-1.5-pro": {
			DisplayName:          "Gemini 1.5 Pro",
			InputPerMillion:      0.35,
			OutputPerMillion:     1.05,
			TokensPerVideoSecond: defaultTokensPerVideoSecond,
			TokensPerAudioSecond: defaultTokensPerAudioSecond,
		},
		"gemini-1.5-flash": {
			DisplayName:          "Gemini 1.5 Flash",
			InputPerMillion:      0.15,
			OutputPerMillion:     0.60,
			TokensPerVideoSecond: defaultTokensPerVideoSecond,
			TokensPerAudioSecond: defaultTokensPerAudioSecond,
		},
	}
}

// DefaultModel is the model used when none is configured.
const DefaultModel = "gemini-2.5-flash-lite"
