// Package llm is the generation-service client: one round trip per call,
// token usage and cost accounting, no internal retries.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/storyforge/storyforge/config"
)

// ErrNotConfigured means no usable provider or API key exists; no external
// call was attempted.
var ErrNotConfigured = errors.New("llm provider not configured")

// Result is one completed generation round trip.
type Result struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	LatencyMS    int64
	CostEstimate float64
}

// Provider is the generation backend consumed by the pipeline.
type Provider interface {
	// GenerateWithTokens performs a single completion round trip.
	GenerateWithTokens(ctx context.Context, prompt string, model string) (Result, error)

	// CreateEmbedding embeds the given texts in order.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)

	// CalculateCost estimates the dollar cost of a token count for a model.
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo describes a configured model.
type ModelInfo struct {
	Name            string
	APIName         string
	MaxTokens       int
	Temperature     float64
	CostPer1KInput  float64
	CostPer1KOutput float64
}

// OpenAIProvider implements Provider against the OpenAI-compatible API.
type OpenAIProvider struct {
	cfg            config.LLMProvider
	embeddingModel string
	models         map[string]ModelInfo
	client         *http.Client
}

// NewOpenAIProvider creates a provider from config. Models declared in
// config are routed by name; unknown names pass through as API model names.
func NewOpenAIProvider(cfg config.LLMProvider, embeddingModel string) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	models := make(map[string]ModelInfo)
	for name, m := range cfg.Models {
		models[name] = ModelInfo{
			Name:            m.Name,
			APIName:         m.APIName,
			MaxTokens:       m.MaxTokens,
			Temperature:     m.Temperature,
			CostPer1KInput:  m.CostPer1K,
			CostPer1KOutput: m.CostPer1KOutput,
		}
	}
	return &OpenAIProvider{
		cfg:            cfg,
		embeddingModel: embeddingModel,
		models:         models,
		client:         &http.Client{Timeout: timeout},
	}
}

// NewProviderFromConfig picks the first usable provider from config.
// Returns ErrNotConfigured when none has an API key.
func NewProviderFromConfig(cfg config.LLMConfig, embeddingModel string) (Provider, error) {
	for _, p := range cfg.Providers {
		if p.APIKey != "" || os.Getenv("OPENAI_API_KEY") != "" {
			return NewOpenAIProvider(p, embeddingModel), nil
		}
	}
	return nil, ErrNotConfigured
}

func (p *OpenAIProvider) apiKey() string {
	if p.cfg.APIKey != "" {
		return p.cfg.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (p *OpenAIProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return p.cfg.BaseURL
	}
	return "https://api.openai.com/v1"
}

// GenerateWithTokens performs a single chat-completion round trip. Transport
// and decode failures surface as errors; the caller owns retry policy.
func (p *OpenAIProvider) GenerateWithTokens(ctx context.Context, prompt string, model string) (Result, error) {
	apiKey := p.apiKey()
	if apiKey == "" {
		return Result{}, ErrNotConfigured
	}

	apiModel := model
	temperature := 0.2
	maxTokens := 0
	if m, ok := p.models[model]; ok {
		if m.APIName != "" {
			apiModel = m.APIName
		} else if m.Name != "" {
			apiModel = m.Name
		}
		temperature = m.Temperature
		maxTokens = m.MaxTokens
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}

	body, err := json.Marshal(chatReq{
		Model:       apiModel,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return Result{}, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("completion status %d: %s", resp.StatusCode, snippet)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return Result{}, fmt.Errorf("no choices in response")
	}

	res := Result{
		Text:         out.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  int64(out.Usage.PromptTokens),
		OutputTokens: int64(out.Usage.CompletionTokens),
		LatencyMS:    time.Since(start).Milliseconds(),
	}
	res.CostEstimate = p.CalculateCost(res.InputTokens, res.OutputTokens, model)
	return res, nil
}

// CreateEmbedding embeds the given texts using the configured embedding model.
func (p *OpenAIProvider) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	apiKey := p.apiKey()
	if apiKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(map[string]interface{}{
		"model": p.embeddingModel,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// CalculateCost estimates the dollar cost of a call. Unknown models cost 0.
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	m, ok := p.models[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000.0*m.CostPer1KInput + float64(outputTokens)/1000.0*m.CostPer1KOutput
}

// EstimateTokens is the rough chars/4 heuristic used for pre-call estimates.
func EstimateTokens(text string) int64 {
	return int64(len(text) / 4)
}
