package ollama

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"

	"github.com/atranelis/recall/pkg/ai"
)

// OllamaOracle implements the ai.Oracle interface using Ollama as the
// backend, for locally-hosted extraction and embedding models. Local
// inference carries no per-token cost, so CostUSD stays zero.
type OllamaOracle struct {
	embeddingModel  string
	summaryModel    string
	extractionModel string

	timeoutMin int64

	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client

	Client *api.Client
}

// NewOllamaOracleParams contains configuration options for creating a new OllamaOracle.
type NewOllamaOracleParams struct {
	EmbeddingModel  string
	SummaryModel    string
	ExtractionModel string

	BaseURL string
	ApiKey  string

	TimeoutMinutes        int64
	MaxConcurrentRequests int64
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewOllamaOracle creates a new Ollama-based oracle with the specified
// configuration. It connects to the Ollama server at the given BaseURL (or
// the default if empty).
func NewOllamaOracle(
	params NewOllamaOracleParams,
) (*OllamaOracle, error) {
	var (
		u   *url.URL
		err error
	)

	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: map[string]string{
				"Authorization": "Bearer " + params.ApiKey,
			},
			rt: http.DefaultTransport,
		},
	}

	cli := api.NewClient(u, httpClient)

	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	timeoutMin := params.TimeoutMinutes
	if timeoutMin <= 0 {
		timeoutMin = 10
	}

	return &OllamaOracle{
		embeddingModel:  params.EmbeddingModel,
		summaryModel:    params.SummaryModel,
		extractionModel: params.ExtractionModel,

		timeoutMin: timeoutMin,

		reqLock: semaphore.NewWeighted(maxConcurrent),

		metricsLock: sync.Mutex{},
		metrics:     ai.ModelMetrics{},

		baseURL:    u,
		apiKey:     params.ApiKey,
		httpClient: httpClient,

		Client: cli,
	}, nil
}
