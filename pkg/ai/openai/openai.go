package openai

import (
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/atranelis/recall/pkg/ai"
)

// OpenAIOracle implements the ai.Oracle interface against any
// OpenAI-compatible endpoint. It manages separate clients for embeddings and
// chat/completion tasks so the two can point at different providers.
//
// An OpenAIOracle should be created using NewOpenAIOracle.
type OpenAIOracle struct {
	embeddingModel  string
	summaryModel    string
	extractionModel string

	embeddingURL string
	embeddingKey string
	chatURL      string
	chatKey      string

	// USD per million tokens, used to derive CostUSD in the metrics.
	inputPricePerMTok  float64
	outputPricePerMTok float64

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewOpenAIOracleParams defines the configuration for creating an OpenAIOracle.
//
// ExtractionModel is used for schema-constrained extraction and clustering
// calls, SummaryModel for free-text completions, EmbeddingModel for vectors.
// InputPricePerMTok/OutputPricePerMTok are the endpoint's USD prices per
// million tokens; zero disables cost accounting.
type NewOpenAIOracleParams struct {
	EmbeddingModel  string
	SummaryModel    string
	ExtractionModel string

	EmbeddingURL string
	EmbeddingKey string
	ChatURL      string
	ChatKey      string

	InputPricePerMTok  float64
	OutputPricePerMTok float64
}

// NewOpenAIOracle creates and returns a new OpenAIOracle configured with the
// provided parameters.
func NewOpenAIOracle(params NewOpenAIOracleParams) *OpenAIOracle {
	chatClient := newOpenaiClient(params.ChatURL, params.ChatKey)
	embedClient := newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey)

	return &OpenAIOracle{
		embeddingModel:  params.EmbeddingModel,
		summaryModel:    params.SummaryModel,
		extractionModel: params.ExtractionModel,

		chatURL:      params.ChatURL,
		chatKey:      params.ChatKey,
		embeddingURL: params.EmbeddingURL,
		embeddingKey: params.EmbeddingKey,

		inputPricePerMTok:  params.InputPricePerMTok,
		outputPricePerMTok: params.OutputPricePerMTok,

		metricsLock: sync.Mutex{},
		metrics:     ai.ModelMetrics{},

		ChatClient:      chatClient,
		EmbeddingClient: embedClient,
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}
