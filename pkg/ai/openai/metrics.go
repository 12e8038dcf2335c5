package openai

import (
	"math"

	"github.com/atranelis/recall/pkg/ai"
)

// ResetMetrics clears all accumulated token, timing and cost metrics to zero.
func (c *OpenAIOracle) ResetMetrics() {
	c.metricsLock.Lock()
	c.metrics = ai.ModelMetrics{}
	c.metricsLock.Unlock()
}

// GetMetrics returns the accumulated usage metrics since the last reset.
func (c *OpenAIOracle) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

func (c *OpenAIOracle) trackUsage(inputTokens, outputTokens int, durationMs int64) {
	cost := float64(inputTokens)/1e6*c.inputPricePerMTok +
		float64(outputTokens)/1e6*c.outputPricePerMTok

	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics.InputTokens += inputTokens
	c.metrics.OutputTokens += outputTokens
	c.metrics.TotalTokens += inputTokens + outputTokens
	c.metrics.DurationMs += durationMs
	c.metrics.CostUSD += cost

	if c.metrics.DurationMs > 0 {
		tokensPerSecond := (float64(c.metrics.TotalTokens) * 1000.0) / float64(c.metrics.DurationMs)
		c.metrics.TokenPerSecond = float32(math.Round(tokensPerSecond*100) / 100)
	}
}
