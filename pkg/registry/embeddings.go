package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
)

// EmbeddingBackend turns text into a fixed-length vector.
type EmbeddingBackend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Close() error
}

const (
	defaultOpenAIBaseURL = "https://api.openai.com"
	defaultOpenAIModel   = "text-embedding-ada-002"
	ada002Dimension      = 1536
)

// OpenAIBackend speaks the OpenAI v1 embeddings contract. Any service
// exposing the same endpoint works (vLLM, Ollama, OpenAI itself).
type OpenAIBackend struct {
	baseURL   string
	model     string
	apiKey    string
	dimension int
	client    *http.Client
}

// NewOpenAIBackend builds an embeddings backend. Empty baseURL and model
// select the OpenAI defaults; apiKey may be empty for local services.
func NewOpenAIBackend(baseURL, model, apiKey string) *OpenAIBackend {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIBackend{
		baseURL:   baseURL,
		model:     model,
		apiKey:    apiKey,
		dimension: ada002Dimension,
		client:    &http.Client{},
	}
}

type openaiEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (o *OpenAIBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(openaiEmbedRequest{Model: o.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("registry: marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: call embeddings API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("registry: embeddings API status %d: %s", resp.StatusCode, msg)
	}
	var decoded openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("registry: decode embeddings response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return nil, fmt.Errorf("registry: embeddings response empty")
	}
	return decoded.Data[0].Embedding, nil
}

func (o *OpenAIBackend) Dimension() int { return o.dimension }

func (o *OpenAIBackend) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

// PlaceholderBackend produces deterministic pseudo-embeddings from byte
// histograms. Useful in tests and offline runs.
type PlaceholderBackend struct {
	Dim int
}

func (p *PlaceholderBackend) Embed(_ context.Context, text string) ([]float32, error) {
	dim := p.Dim
	if dim <= 0 {
		dim = 64
	}
	vec := make([]float32, dim)
	for i := 0; i < len(text); i++ {
		vec[int(text[i])%dim]++
	}
	return vec, nil
}

func (p *PlaceholderBackend) Dimension() int {
	if p.Dim <= 0 {
		return 64
	}
	return p.Dim
}

func (p *PlaceholderBackend) Close() error { return nil }

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
