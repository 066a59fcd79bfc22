package valueobject

// ModelConfig is an immutable per-call model configuration value object.
type ModelConfig struct {
	provider    string
	model       string
	maxTokens   int
	temperature float64
	topP        float64
	stream      bool
}

func NewModelConfig(provider, model string, maxTokens int, temperature, topP float64, stream bool) ModelConfig {
	return ModelConfig{
		provider:    provider,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		topP:        topP,
		stream:      stream,
	}
}

// DefaultModelConfig returns a reasonable default when none is configured.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		provider:    "openai",
		model:       "gpt-4o",
		maxTokens:   8192,
		temperature: 0.7,
		topP:        0.95,
		stream:      true,
	}
}

func (mc ModelConfig) Provider() string {
	return mc.provider
}

func (mc ModelConfig) Model() string {
	return mc.model
}

func (mc ModelConfig) MaxTokens() int {
	return mc.maxTokens
}

func (mc ModelConfig) Temperature() float64 {
	return mc.temperature
}

func (mc ModelConfig) TopP() float64 {
	return mc.topP
}

// FullModelName returns "provider/model".
func (mc ModelConfig) FullModelName() string {
	return mc.provider + "/" + mc.model
}

func (mc ModelConfig) Stream() bool {
	return mc.stream
}

func (mc ModelConfig) WithTemperature(temp float64) ModelConfig {
	return ModelConfig{
		provider:    mc.provider,
		model:       mc.model,
		maxTokens:   mc.maxTokens,
		temperature: temp,
		topP:        mc.topP,
		stream:      mc.stream,
	}
}

func (mc ModelConfig) WithMaxTokens(tokens int) ModelConfig {
	return ModelConfig{
		provider:    mc.provider,
		model:       mc.model,
		maxTokens:   tokens,
		temperature: mc.temperature,
		topP:        mc.topP,
		stream:      mc.stream,
	}
}

func (mc ModelConfig) Equals(other ModelConfig) bool {
	return mc.provider == other.provider &&
		mc.model == other.model &&
		mc.maxTokens == other.maxTokens &&
		mc.temperature == other.temperature &&
		mc.topP == other.topP &&
		mc.stream == other.stream
}
